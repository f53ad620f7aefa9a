package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateOperation signals that the idempotency key was already
	// applied. ApplyDelta returns the prior entry alongside this error so
	// callers can surface the original result without reapplying.
	ErrDuplicateOperation = errors.New("operation already applied")

	// ErrVersionConflict signals that the balance row changed between read
	// and write. Transient; callers retry with a fresh read up to a bound.
	ErrVersionConflict = errors.New("balance version conflict")

	// ErrUnavailable signals that the store could not be reached or that
	// retries were exhausted.
	ErrUnavailable = errors.New("ledger store unavailable")

	// ErrTenantNotFound signals that no balance row exists for the tenant.
	ErrTenantNotFound = errors.New("tenant not found")
)

// InsufficientBalanceError is a business-rule denial: the requested
// consumption exceeds the available balance. It is a normal negative
// outcome for callers, not a store failure.
type InsufficientBalanceError struct {
	TenantID  string
	Requested int64
	Balance   int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for tenant %s: requested %d, have %d",
		e.TenantID, e.Requested, e.Balance)
}

// IsInsufficientBalance reports whether err is an insufficient-balance denial.
func IsInsufficientBalance(err error) bool {
	var ib *InsufficientBalanceError
	return errors.As(err, &ib)
}
