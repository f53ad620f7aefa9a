package api

import (
	"time"

	"github.com/leakytokens/tokend/pkg/quota"
	"github.com/leakytokens/tokend/pkg/saga"
)

// CheckRequest asks whether a consume of Amount would currently pass.
type CheckRequest struct {
	Amount int64 `json:"amount"`
}

// ConsumeRequest deducts Amount tokens from the caller's balance. The
// idempotency key arrives in the Idempotency-Key header, not the body.
type ConsumeRequest struct {
	Amount     int64  `json:"amount"`
	RequestRef string `json:"request_ref,omitempty"`
}

// QuotaStatusResponse reports the caller's current balance.
type QuotaStatusResponse struct {
	TenantID  string    `json:"tenant_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionResponse wraps an engine decision.
type DecisionResponse struct {
	*quota.Decision
	EntryID   int64     `json:"entry_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PurchaseRequest initiates a token purchase. The idempotency key
// arrives in the Idempotency-Key header.
type PurchaseRequest struct {
	Tokens      int64 `json:"tokens"`
	AmountCents int64 `json:"amount_cents"`
}

// PurchaseResponse reports the saga's current state. A non-terminal
// state means the purchase is still being driven; poll the purchase by
// ID or re-send the same idempotency key.
type PurchaseResponse struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Tokens        int64      `json:"tokens"`
	AmountCents   int64      `json:"amount_cents"`
	State         saga.State `json:"state"`
	Terminal      bool       `json:"terminal"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newPurchaseResponse(sg *saga.Saga) *PurchaseResponse {
	return &PurchaseResponse{
		ID:            sg.ID,
		TenantID:      sg.TenantID,
		Tokens:        sg.Tokens,
		AmountCents:   sg.AmountCents,
		State:         sg.State,
		Terminal:      sg.State.Terminal(),
		FailureReason: sg.FailureReason,
		CreatedAt:     sg.CreatedAt,
		UpdatedAt:     sg.UpdatedAt,
	}
}
