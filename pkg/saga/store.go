package saga

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// Store persists sagas. Transition is a compare-and-swap on the state
// column so concurrent drivers cannot both advance the same saga.
// Idempotency keys are scoped per tenant; one tenant's key never resolves
// to another tenant's saga.
type Store interface {
	Create(ctx context.Context, s *Saga) error
	Get(ctx context.Context, id string) (*Saga, error)
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*Saga, error)
	Transition(ctx context.Context, s *Saga, to State) error
	// Stalled returns non-terminal sagas untouched since the cutoff,
	// excluding COMPENSATING sagas whose refund attempts are exhausted.
	Stalled(ctx context.Context, cutoff time.Time, maxCompensationAttempts, limit int) ([]*Saga, error)
}

// PostgresStore stores sagas in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and ensures the saga table exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure saga schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS purchase_sagas (
			id UUID PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			tokens BIGINT NOT NULL CHECK (tokens > 0),
			amount_cents BIGINT NOT NULL CHECK (amount_cents >= 0),
			state VARCHAR(32) NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL,
			provider_ref VARCHAR(255) NOT NULL DEFAULT '',
			failure_reason TEXT NOT NULL DEFAULT '',
			compensation_attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sagas_state_updated ON purchase_sagas(state, updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

const sagaColumns = `id, tenant_id, tokens, amount_cents, state, idempotency_key, provider_ref, failure_reason, compensation_attempts, created_at, updated_at`

func scanSaga(row interface {
	Scan(dest ...interface{}) error
}) (*Saga, error) {
	sg := &Saga{}
	err := row.Scan(&sg.ID, &sg.TenantID, &sg.Tokens, &sg.AmountCents, &sg.State,
		&sg.IdempotencyKey, &sg.ProviderRef, &sg.FailureReason, &sg.CompensationAttempts,
		&sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return sg, nil
}

// Create inserts a new saga. A second insert reusing the tenant's
// idempotency key fails with ErrDuplicateKey.
func (s *PostgresStore) Create(ctx context.Context, sg *Saga) error {
	query := `
		INSERT INTO purchase_sagas (id, tenant_id, tokens, amount_cents, state, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`
	err := s.db.QueryRowContext(ctx, query, sg.ID, sg.TenantID, sg.Tokens, sg.AmountCents, sg.State, sg.IdempotencyKey).
		Scan(&sg.CreatedAt, &sg.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("failed to create saga: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM purchase_sagas WHERE id = $1`
	sg, err := scanSaga(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get saga: %w", err)
	}
	return sg, nil
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*Saga, error) {
	query := `SELECT ` + sagaColumns + ` FROM purchase_sagas WHERE tenant_id = $1 AND idempotency_key = $2`
	sg, err := scanSaga(s.db.QueryRowContext(ctx, query, tenantID, key))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find saga: %w", err)
	}
	return sg, nil
}

// Transition moves the saga from its in-memory state to the target
// state, writing the mutable fields along with it. The update only
// applies if the row is still in the expected state.
func (s *PostgresStore) Transition(ctx context.Context, sg *Saga, to State) error {
	query := `
		UPDATE purchase_sagas
		SET state = $1, provider_ref = $2, failure_reason = $3, compensation_attempts = $4, updated_at = NOW()
		WHERE id = $5 AND state = $6`
	result, err := s.db.ExecContext(ctx, query, to, sg.ProviderRef, sg.FailureReason, sg.CompensationAttempts, sg.ID, sg.State)
	if err != nil {
		return fmt.Errorf("failed to transition saga: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition result: %w", err)
	}
	if affected == 0 {
		return ErrStaleTransition
	}
	sg.State = to
	sg.UpdatedAt = time.Now()
	return nil
}

func (s *PostgresStore) Stalled(ctx context.Context, cutoff time.Time, maxCompensationAttempts, limit int) ([]*Saga, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM purchase_sagas
		WHERE state NOT IN ('CREDITED', 'PAYMENT_FAILED', 'COMPENSATED')
		AND updated_at < $1
		AND NOT (state = 'COMPENSATING' AND compensation_attempts >= $2)
		ORDER BY updated_at ASC
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, cutoff, maxCompensationAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stalled sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		sagas = append(sagas, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sagas: %w", err)
	}
	return sagas, nil
}

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu    sync.Mutex
	sagas map[string]*Saga
	byKey map[string]string
	nowFn func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas: make(map[string]*Saga),
		byKey: make(map[string]string),
		nowFn: time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, sg *Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[sg.TenantID+"\x00"+sg.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	now := s.nowFn()
	sg.CreatedAt = now
	sg.UpdatedAt = now
	cp := *sg
	s.sagas[sg.ID] = &cp
	s.byKey[sg.TenantID+"\x00"+sg.IdempotencyKey] = sg.ID
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sg, ok := s.sagas[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sg
	return &cp, nil
}

func (s *MemoryStore) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[tenantID+"\x00"+key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.sagas[id]
	return &cp, nil
}

func (s *MemoryStore) Transition(ctx context.Context, sg *Saga, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sagas[sg.ID]
	if !ok {
		return ErrNotFound
	}
	if current.State != sg.State {
		return ErrStaleTransition
	}
	current.State = to
	current.ProviderRef = sg.ProviderRef
	current.FailureReason = sg.FailureReason
	current.CompensationAttempts = sg.CompensationAttempts
	current.UpdatedAt = s.nowFn()
	sg.State = to
	sg.UpdatedAt = current.UpdatedAt
	return nil
}

func (s *MemoryStore) Stalled(ctx context.Context, cutoff time.Time, maxCompensationAttempts, limit int) ([]*Saga, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Saga
	for _, sg := range s.sagas {
		if sg.State.Terminal() {
			continue
		}
		if !sg.UpdatedAt.Before(cutoff) {
			continue
		}
		if sg.State == StateCompensating && sg.CompensationAttempts >= maxCompensationAttempts {
			continue
		}
		cp := *sg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetClock overrides the store clock, for tests that age sagas.
func (s *MemoryStore) SetClock(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}
