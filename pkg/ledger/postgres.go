package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// StageFunc stages additional rows (typically an outbox record) inside the
// same transaction as a balance mutation. The entry passed in is fully
// populated, including its resulting balance.
type StageFunc func(ctx context.Context, tx *sql.Tx, entry *Entry) error

// Store is the durable, transactional balance ledger. Idempotency keys
// are scoped per tenant: the same key presented by two tenants names two
// independent operations.
type Store interface {
	GetBalance(ctx context.Context, tenantID string) (*TenantBalance, error)
	ApplyDelta(ctx context.Context, tenantID string, delta int64, idempotencyKey string, kind EntryKind, requestRef string, stage StageFunc) (*Entry, error)
	// FindEntry returns the tenant's entry for the key, or nil when the
	// key was never applied.
	FindEntry(ctx context.Context, tenantID, idempotencyKey string) (*Entry, error)
	History(ctx context.Context, tenantID string, limit int) ([]*Entry, error)
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a ledger store and bootstraps its schema.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenant_balances (
			tenant_id  TEXT PRIMARY KEY,
			balance    BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			version    BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id                BIGSERIAL PRIMARY KEY,
			tenant_id         TEXT NOT NULL,
			delta             BIGINT NOT NULL,
			resulting_balance BIGINT NOT NULL,
			kind              TEXT NOT NULL,
			idempotency_key   TEXT NOT NULL,
			request_ref       TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (tenant_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_tenant ON ledger_entries (tenant_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// GetBalance returns the current balance row for a tenant.
func (s *PostgresStore) GetBalance(ctx context.Context, tenantID string) (*TenantBalance, error) {
	query := `
		SELECT tenant_id, balance, version, updated_at
		FROM tenant_balances
		WHERE tenant_id = $1
	`
	var tb TenantBalance
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&tb.TenantID, &tb.Balance, &tb.Version, &tb.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrTenantNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return &tb, nil
}

// ApplyDelta mutates the tenant's balance in a single transaction:
// idempotency check, version-guarded balance update, entry insert, and the
// staged outbox insert all commit atomically or not at all.
//
// A negative delta that would take the balance below zero returns
// *InsufficientBalanceError. A stale version returns ErrVersionConflict and
// the caller must re-read and retry. An idempotency key the tenant has
// already applied returns the prior entry together with
// ErrDuplicateOperation; another tenant's use of the same key is unrelated.
func (s *PostgresStore) ApplyDelta(ctx context.Context, tenantID string, delta int64, idempotencyKey string, kind EntryKind, requestRef string, stage StageFunc) (*Entry, error) {
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %v", ErrUnavailable, err)
	}
	defer tx.Rollback()

	// Idempotent replay: return the prior result, no reapplication.
	if prior, err := s.findEntryTx(ctx, tx, tenantID, idempotencyKey); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, ErrDuplicateOperation
	}

	var balance, version int64
	err = tx.QueryRowContext(ctx,
		`SELECT balance, version FROM tenant_balances WHERE tenant_id = $1`,
		tenantID,
	).Scan(&balance, &version)
	switch {
	case err == sql.ErrNoRows:
		if delta < 0 {
			return nil, &InsufficientBalanceError{TenantID: tenantID, Requested: -delta, Balance: 0}
		}
		// First credit creates the balance row.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tenant_balances (tenant_id, balance, version) VALUES ($1, 0, 0)
			 ON CONFLICT (tenant_id) DO NOTHING`,
			tenantID,
		); err != nil {
			return nil, fmt.Errorf("failed to create balance row: %w", err)
		}
		balance, version = 0, 0
	case err != nil:
		return nil, fmt.Errorf("%w: failed to read balance: %v", ErrUnavailable, err)
	}

	if delta < 0 && balance+delta < 0 {
		return nil, &InsufficientBalanceError{TenantID: tenantID, Requested: -delta, Balance: balance}
	}

	newBalance := balance + delta
	result, err := tx.ExecContext(ctx,
		`UPDATE tenant_balances
		 SET balance = $1, version = version + 1, updated_at = NOW()
		 WHERE tenant_id = $2 AND version = $3`,
		newBalance, tenantID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update balance: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		// Someone else advanced the version since our read.
		return nil, ErrVersionConflict
	}

	entry := &Entry{
		TenantID:         tenantID,
		Delta:            delta,
		ResultingBalance: newBalance,
		Kind:             kind,
		IdempotencyKey:   idempotencyKey,
		RequestRef:       requestRef,
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO ledger_entries (tenant_id, delta, resulting_balance, kind, idempotency_key, request_ref)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		entry.TenantID, entry.Delta, entry.ResultingBalance, entry.Kind, entry.IdempotencyKey, entry.RequestRef,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a race on the idempotency key; the other writer's result wins.
			if prior, ferr := s.FindEntry(ctx, tenantID, idempotencyKey); ferr == nil && prior != nil {
				return prior, ErrDuplicateOperation
			}
			return nil, ErrDuplicateOperation
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if stage != nil {
		if err := stage(ctx, tx, entry); err != nil {
			return nil, fmt.Errorf("failed to stage outbox record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit: %v", ErrUnavailable, err)
	}
	return entry, nil
}

// History returns the most recent entries for a tenant, newest first.
func (s *PostgresStore) History(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, tenant_id, delta, resulting_balance, kind, idempotency_key, request_ref, created_at
		FROM ledger_entries
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Delta, &e.ResultingBalance, &e.Kind, &e.IdempotencyKey, &e.RequestRef, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

// FindEntry returns the tenant's entry for the key, or nil when absent.
func (s *PostgresStore) FindEntry(ctx context.Context, tenantID, idempotencyKey string) (*Entry, error) {
	return scanEntryRow(s.db.QueryRowContext(ctx, entryByKeyQuery, tenantID, idempotencyKey))
}

func (s *PostgresStore) findEntryTx(ctx context.Context, tx *sql.Tx, tenantID, idempotencyKey string) (*Entry, error) {
	return scanEntryRow(tx.QueryRowContext(ctx, entryByKeyQuery, tenantID, idempotencyKey))
}

const entryByKeyQuery = `
	SELECT id, tenant_id, delta, resulting_balance, kind, idempotency_key, request_ref, created_at
	FROM ledger_entries
	WHERE tenant_id = $1 AND idempotency_key = $2
`

func scanEntryRow(row *sql.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.TenantID, &e.Delta, &e.ResultingBalance, &e.Kind, &e.IdempotencyKey, &e.RequestRef, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up ledger entry: %w", err)
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// Timeout applied to schema bootstrap and health checks.
const defaultOpTimeout = 5 * time.Second

// HealthCheck verifies database connectivity.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultOpTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ledger store unhealthy: %w", err)
	}
	return nil
}
