package payment

import (
	"context"
	"fmt"
	"sync"
)

// StubClient is a scriptable in-memory provider for tests and local
// development. Outcomes are keyed per call; by default every charge is
// confirmed and every refund succeeds. Idempotency keys are honored:
// replaying a charge key returns the original result without a new call
// being counted.
type StubClient struct {
	mu sync.Mutex

	// ChargeFn, when set, decides each first-time charge.
	ChargeFn func(req ChargeRequest) (*ChargeResult, error)
	// RefundFn, when set, decides each first-time refund.
	RefundFn func(req RefundRequest) error

	charges map[string]*ChargeResult
	refunds map[string]bool

	ChargeCalls int
	RefundCalls int
}

// NewStubClient creates a stub with confirm-everything defaults.
func NewStubClient() *StubClient {
	return &StubClient{
		charges: make(map[string]*ChargeResult),
		refunds: make(map[string]bool),
	}
}

func (s *StubClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok := s.charges[req.IdempotencyKey]; ok {
		return prior, nil
	}

	s.ChargeCalls++
	if s.ChargeFn != nil {
		result, err := s.ChargeFn(req)
		if err != nil {
			return nil, err
		}
		s.charges[req.IdempotencyKey] = result
		return result, nil
	}

	result := &ChargeResult{
		Status:      StatusConfirmed,
		ProviderRef: fmt.Sprintf("ch_stub_%s", req.IdempotencyKey),
	}
	s.charges[req.IdempotencyKey] = result
	return result, nil
}

func (s *StubClient) Refund(ctx context.Context, req RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refunds[req.IdempotencyKey] {
		return nil
	}

	s.RefundCalls++
	if s.RefundFn != nil {
		if err := s.RefundFn(req); err != nil {
			return err
		}
	}
	s.refunds[req.IdempotencyKey] = true
	return nil
}

// Refunded reports whether a refund with the given key was accepted.
func (s *StubClient) Refunded(idempotencyKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[idempotencyKey]
}
