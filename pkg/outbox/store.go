package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store persists staged records. StageTx runs inside the caller's
// transaction so a record commits or rolls back with its ledger entry.
type Store interface {
	StageTx(ctx context.Context, tx *sql.Tx, rec *Record) error
	// Stage inserts outside any caller transaction, for events whose
	// trigger has no ledger write (declined payments, compensations).
	Stage(ctx context.Context, rec *Record) error
	PendingBatch(ctx context.Context, now time.Time, limit int) ([]*Record, error)
	MarkSent(ctx context.Context, id int64, sentAt time.Time) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time) error
	MarkFailed(ctx context.Context, id int64, attempts int) error
}

// PostgresStore stores outbox records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and ensures the outbox table exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(); err != nil {
		return nil, fmt.Errorf("failed to ensure outbox schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS outbox_records (
			id BIGSERIAL PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			topic VARCHAR(255) NOT NULL,
			payload JSONB NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			attempts INT NOT NULL DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL DEFAULT NOW(),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			sent_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_records(status, next_attempt_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_tenant ON outbox_records(tenant_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// StageTx inserts a pending record inside the given transaction.
func (s *PostgresStore) StageTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	query := `
		INSERT INTO outbox_records (tenant_id, topic, payload, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, 'pending', 0, NOW())
		RETURNING id, created_at`
	err := tx.QueryRowContext(ctx, query, rec.TenantID, rec.Topic, []byte(rec.Payload)).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to stage outbox record: %w", err)
	}
	rec.Status = StatusPending
	return nil
}

// Stage inserts a pending record using its own implicit transaction.
func (s *PostgresStore) Stage(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO outbox_records (tenant_id, topic, payload, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, 'pending', 0, NOW())
		RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, query, rec.TenantID, rec.Topic, []byte(rec.Payload)).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to stage outbox record: %w", err)
	}
	rec.Status = StatusPending
	return nil
}

// PendingBatch returns due pending records in creation order. A record
// whose tenant has an earlier pending record that is not yet due is
// excluded so per-tenant order survives backoff.
func (s *PostgresStore) PendingBatch(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	query := `
		SELECT id, tenant_id, topic, payload, status, attempts, next_attempt_at, created_at
		FROM outbox_records o
		WHERE status = 'pending' AND next_attempt_at <= $1
		AND NOT EXISTS (
			SELECT 1 FROM outbox_records e
			WHERE e.tenant_id = o.tenant_id AND e.status = 'pending' AND e.id < o.id AND e.next_attempt_at > $1
		)
		ORDER BY id ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending outbox records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec := &Record{}
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Topic, &payload, &rec.Status,
			&rec.Attempts, &rec.NextAttemptAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox record: %w", err)
		}
		rec.Payload = payload
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox records: %w", err)
	}
	return records, nil
}

// MarkSent records a successful delivery.
func (s *PostgresStore) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records SET status = 'sent', sent_at = $1 WHERE id = $2`, sentAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record sent: %w", err)
	}
	return nil
}

// MarkRetry schedules another delivery attempt.
func (s *PostgresStore) MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records SET attempts = $1, next_attempt_at = $2 WHERE id = $3`,
		attempts, nextAttempt, id)
	if err != nil {
		return fmt.Errorf("failed to schedule outbox retry: %w", err)
	}
	return nil
}

// MarkFailed parks a record after retries are exhausted. Failed records
// stay in the table for operator inspection and manual replay.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_records SET status = 'failed', attempts = $1 WHERE id = $2`, attempts, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox record failed: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store for single-instance deployments and
// tests. The tx argument to StageTx is ignored.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []*Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) StageTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.ID = s.nextID
	s.nextID++
	rec.Status = StatusPending
	rec.CreatedAt = time.Now()
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) Stage(ctx context.Context, rec *Record) error {
	return s.StageTx(ctx, nil, rec)
}

func (s *MemoryStore) PendingBatch(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocked := make(map[string]bool)
	var out []*Record
	sort.Slice(s.records, func(i, j int) bool { return s.records[i].ID < s.records[j].ID })
	for _, rec := range s.records {
		if rec.Status != StatusPending {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			blocked[rec.TenantID] = true
			continue
		}
		if blocked[rec.TenantID] {
			continue
		}
		cp := *rec
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id int64, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			rec.Status = StatusSent
			t := sentAt
			rec.SentAt = &t
			return nil
		}
	}
	return fmt.Errorf("outbox record %d not found", id)
}

func (s *MemoryStore) MarkRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			rec.Attempts = attempts
			rec.NextAttemptAt = nextAttempt
			return nil
		}
	}
	return fmt.Errorf("outbox record %d not found", id)
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id int64, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			rec.Status = StatusFailed
			rec.Attempts = attempts
			return nil
		}
	}
	return fmt.Errorf("outbox record %d not found", id)
}

// Snapshot returns a copy of all records, for tests and diagnostics.
func (s *MemoryStore) Snapshot() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}
