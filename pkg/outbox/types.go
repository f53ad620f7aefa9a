package outbox

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the delivery state of a staged record.
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Topics for the event channel. Ordering is per key (tenant), so usage and
// purchase events for one tenant arrive in staging order.
const (
	TopicUsage    = "token-usage"
	TopicPurchase = "token-purchase"
)

// Record is one staged event awaiting delivery.
type Record struct {
	ID            int64           `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Topic         string          `json:"topic"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
}

// UsageEvent is emitted for every consume decision that reached the ledger.
type UsageEvent struct {
	TenantID       string    `json:"tenant_id"`
	Amount         int64     `json:"amount"`
	Allowed        bool      `json:"allowed"`
	Remaining      int64     `json:"remaining"`
	IdempotencyKey string    `json:"idempotency_key"`
	Timestamp      time.Time `json:"timestamp"`
}

// PurchaseEvent is emitted on every purchase saga transition of interest.
type PurchaseEvent struct {
	SagaID         string    `json:"saga_id"`
	TenantID       string    `json:"tenant_id"`
	Tokens         int64     `json:"tokens"`
	AmountCents    int64     `json:"amount_cents"`
	State          string    `json:"state"`
	IdempotencyKey string    `json:"idempotency_key"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewUsageRecord builds a pending record for a usage event.
func NewUsageRecord(ev UsageEvent) (*Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal usage event: %w", err)
	}
	return &Record{
		TenantID: ev.TenantID,
		Topic:    TopicUsage,
		Payload:  payload,
		Status:   StatusPending,
	}, nil
}

// NewPurchaseRecord builds a pending record for a purchase event.
func NewPurchaseRecord(ev PurchaseEvent) (*Record, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal purchase event: %w", err)
	}
	return &Record{
		TenantID: ev.TenantID,
		Topic:    TopicPurchase,
		Payload:  payload,
		Status:   StatusPending,
	}, nil
}
