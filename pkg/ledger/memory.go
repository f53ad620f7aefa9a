package ledger

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used for tests and standalone runs.
// It honors the same idempotency and non-negative-balance semantics as the
// Postgres store; mutations are serialized per store rather than via the
// version check, which preserves the externally observable behavior.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]*TenantBalance
	byKey    map[string]*Entry
	entries  []*Entry
	nextID   int64

	// FailDeltas forces the next n ApplyDelta calls to return
	// ErrUnavailable. Used to simulate store outages in tests.
	FailDeltas int
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*TenantBalance),
		byKey:    make(map[string]*Entry),
		nextID:   1,
	}
}

func (s *MemoryStore) GetBalance(ctx context.Context, tenantID string) (*TenantBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.balances[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	cp := *tb
	return &cp, nil
}

func (s *MemoryStore) ApplyDelta(ctx context.Context, tenantID string, delta int64, idempotencyKey string, kind EntryKind, requestRef string, stage StageFunc) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailDeltas > 0 {
		s.FailDeltas--
		return nil, ErrUnavailable
	}

	if prior, ok := s.byKey[scopedKey(tenantID, idempotencyKey)]; ok {
		cp := *prior
		return &cp, ErrDuplicateOperation
	}

	tb, ok := s.balances[tenantID]
	if !ok {
		if delta < 0 {
			return nil, &InsufficientBalanceError{TenantID: tenantID, Requested: -delta, Balance: 0}
		}
		tb = &TenantBalance{TenantID: tenantID}
		s.balances[tenantID] = tb
	}
	if delta < 0 && tb.Balance+delta < 0 {
		return nil, &InsufficientBalanceError{TenantID: tenantID, Requested: -delta, Balance: tb.Balance}
	}

	tb.Balance += delta
	tb.Version++
	tb.UpdatedAt = time.Now().UTC()

	entry := &Entry{
		ID:               s.nextID,
		TenantID:         tenantID,
		Delta:            delta,
		ResultingBalance: tb.Balance,
		Kind:             kind,
		IdempotencyKey:   idempotencyKey,
		RequestRef:       requestRef,
		CreatedAt:        tb.UpdatedAt,
	}
	s.nextID++

	if stage != nil {
		// No real transaction; the callback sees a nil tx.
		if err := stage(ctx, (*sql.Tx)(nil), entry); err != nil {
			// Roll the mutation back to keep atomicity with staging.
			tb.Balance -= delta
			tb.Version--
			s.nextID--
			return nil, err
		}
	}

	s.byKey[scopedKey(tenantID, idempotencyKey)] = entry
	s.entries = append(s.entries, entry)
	cp := *entry
	return &cp, nil
}

// FindEntry returns the tenant's entry for the key, or nil when absent.
func (s *MemoryStore) FindEntry(ctx context.Context, tenantID, idempotencyKey string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior, ok := s.byKey[scopedKey(tenantID, idempotencyKey)]
	if !ok {
		return nil, nil
	}
	cp := *prior
	return &cp, nil
}

// Keys are unique per tenant, not globally.
func scopedKey(tenantID, idempotencyKey string) string {
	return tenantID + "\x00" + idempotencyKey
}

func (s *MemoryStore) History(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	var out []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if s.entries[i].TenantID == tenantID {
			cp := *s.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
