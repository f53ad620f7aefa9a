package ledger

import "time"

// EntryKind categorizes a balance mutation.
type EntryKind string

const (
	KindConsume            EntryKind = "consume"
	KindPurchaseCredit     EntryKind = "purchase-credit"
	KindPurchaseCompensate EntryKind = "purchase-compensate"
)

// TenantBalance is the current consumable balance for a tenant.
// Version increases by one on every mutation and is the basis for
// optimistic concurrency control.
type TenantBalance struct {
	TenantID  string    `json:"tenant_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one immutable balance mutation. Entries are append-only and
// form the audit trail for the tenant's balance.
type Entry struct {
	ID               int64     `json:"id"`
	TenantID         string    `json:"tenant_id"`
	Delta            int64     `json:"delta"`
	ResultingBalance int64     `json:"resulting_balance"`
	Kind             EntryKind `json:"kind"`
	IdempotencyKey   string    `json:"idempotency_key"`
	RequestRef       string    `json:"request_ref,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
