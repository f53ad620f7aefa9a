package saga

import (
	"errors"
	"time"
)

// State is a purchase saga's position in the workflow.
type State string

const (
	StateInitiated        State = "INITIATED"
	StatePaymentPending   State = "PAYMENT_PENDING"
	StatePaymentConfirmed State = "PAYMENT_CONFIRMED"
	StateCredited         State = "CREDITED"
	StatePaymentFailed    State = "PAYMENT_FAILED"
	StateCreditFailed     State = "CREDIT_FAILED"
	StateCompensating     State = "COMPENSATING"
	StateCompensated      State = "COMPENSATED"
)

// Terminal reports whether the state ends the workflow.
func (s State) Terminal() bool {
	switch s {
	case StateCredited, StatePaymentFailed, StateCompensated:
		return true
	}
	return false
}

// Saga is one persisted purchase workflow.
type Saga struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	// Tokens is the number of tokens being purchased.
	Tokens      int64 `json:"tokens"`
	AmountCents int64 `json:"amount_cents"`
	State       State `json:"state"`
	// IdempotencyKey is the caller's purchase key; re-initiating with the
	// same key returns this saga instead of starting another.
	IdempotencyKey string `json:"idempotency_key"`
	// ProviderRef is the payment provider's charge reference.
	ProviderRef   string `json:"provider_ref,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	// CompensationAttempts counts refund tries while COMPENSATING.
	CompensationAttempts int       `json:"compensation_attempts"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

var (
	// ErrNotFound means no saga exists with the given ID.
	ErrNotFound = errors.New("saga not found")
	// ErrDuplicateKey means a saga already exists for the idempotency key.
	ErrDuplicateKey = errors.New("saga already exists for idempotency key")
	// ErrStaleTransition means another driver advanced the saga first.
	ErrStaleTransition = errors.New("saga state changed concurrently")
	// ErrCompensationFailed marks a saga stuck in COMPENSATING that needs
	// an operator.
	ErrCompensationFailed = errors.New("compensation failed, operator intervention required")
)
