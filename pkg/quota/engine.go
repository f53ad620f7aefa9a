package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/leakytokens/tokend/pkg/ledger"
	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/outbox"
	"github.com/leakytokens/tokend/pkg/quotacache"
)

// Decision reasons reported to callers and metrics.
const (
	ReasonOK                  = "ok"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonAdmissionDenied     = "admission_denied"
	ReasonAmountTooLarge      = "amount_too_large"
	ReasonEnforcementOff      = "enforcement_disabled"
)

// ConsumeRequest is one consume attempt.
type ConsumeRequest struct {
	TenantID       string
	Amount         int64
	IdempotencyKey string
	// RequestRef is an opaque caller reference recorded on the ledger entry.
	RequestRef string
	// Scopes feed tier resolution.
	Scopes []string
}

// Decision is the outcome of a consume or check.
type Decision struct {
	Allowed           bool             `json:"allowed"`
	Reason            string           `json:"reason"`
	TenantID          string           `json:"tenant_id"`
	Requested         int64            `json:"requested"`
	Remaining         int64            `json:"remaining"`
	RetryAfterSeconds int64            `json:"retry_after_seconds,omitempty"`
	Admission         *AdmissionResult `json:"admission,omitempty"`
	Entry             *ledger.Entry    `json:"-"`
}

// EngineConfig tunes the quota engine.
type EngineConfig struct {
	// Enforce gates the whole engine. When false every consume is allowed
	// without touching the ledger.
	Enforce bool
	// MaxConflictRetries bounds retries after an optimistic concurrency
	// conflict before giving up with ErrUnavailable.
	MaxConflictRetries int
	// ConflictRetryDelay is the pause between conflict retries.
	ConflictRetryDelay time.Duration
	Defaults           Params
	Tiers              TierSet
}

// DefaultEngineConfig returns the stock engine settings.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Enforce:            true,
		MaxConflictRetries: 3,
		ConflictRetryDelay: 10 * time.Millisecond,
		Defaults:           DefaultParams(),
	}
}

// Engine combines admission buckets, the advisory balance cache, and the
// authoritative ledger into consume decisions. The cache can only deny
// early; every allow goes through the ledger's conditional update.
type Engine struct {
	store   ledger.Store
	cache   *quotacache.Cache
	buckets BucketStore
	events  outbox.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	mu  sync.RWMutex
	cfg EngineConfig
}

// NewEngine creates a quota engine. cache, buckets, events, and metrics
// may be nil, disabling the corresponding behavior.
func NewEngine(store ledger.Store, cache *quotacache.Cache, buckets BucketStore, events outbox.Store, cfg EngineConfig, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 3
	}
	if cfg.ConflictRetryDelay <= 0 {
		cfg.ConflictRetryDelay = 10 * time.Millisecond
	}
	if cfg.Defaults.Capacity <= 0 {
		cfg.Defaults = DefaultParams()
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Engine{
		store:   store,
		cache:   cache,
		buckets: buckets,
		events:  events,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
	}
}

// UpdateTunables swaps admission defaults and tiers at runtime.
func (e *Engine) UpdateTunables(defaults Params, tiers TierSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if defaults.Capacity > 0 {
		e.cfg.Defaults = defaults
	}
	e.cfg.Tiers = tiers
}

// SetEnforcement toggles the enforcement flag at runtime.
func (e *Engine) SetEnforcement(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Enforce = on
}

func (e *Engine) snapshot() EngineConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Status returns the tenant's balance, preferring the cache and falling
// back to the ledger. A ledger read repopulates the cache.
func (e *Engine) Status(ctx context.Context, tenantID string) (*ledger.TenantBalance, error) {
	if e.cache != nil {
		if cached, ok := e.cache.Peek(ctx, tenantID); ok {
			return &ledger.TenantBalance{TenantID: tenantID, Balance: cached.Balance, Version: cached.Version}, nil
		}
	}
	bal, err := e.store.GetBalance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, tenantID, quotacache.Balance{Balance: bal.Balance, Version: bal.Version})
	}
	return bal, nil
}

// Check is an advisory, non-mutating decision. The cache may deny early;
// an apparent pass is confirmed against the ledger because cached reads
// can be stale in the allowing direction.
func (e *Engine) Check(ctx context.Context, tenantID string, amount int64) (*Decision, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}
	cfg := e.snapshot()
	if !cfg.Enforce {
		return &Decision{Allowed: true, Reason: ReasonEnforcementOff, TenantID: tenantID, Requested: amount}, nil
	}

	if e.cache != nil {
		if cached, ok := e.cache.Peek(ctx, tenantID); ok && cached.Balance < amount {
			return &Decision{
				Allowed:   false,
				Reason:    ReasonInsufficientBalance,
				TenantID:  tenantID,
				Requested: amount,
				Remaining: cached.Balance,
			}, nil
		}
	}

	bal, err := e.store.GetBalance(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ledger.ErrTenantNotFound) {
			return &Decision{Allowed: false, Reason: ReasonInsufficientBalance, TenantID: tenantID, Requested: amount}, nil
		}
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, tenantID, quotacache.Balance{Balance: bal.Balance, Version: bal.Version})
	}
	if bal.Balance < amount {
		return &Decision{Allowed: false, Reason: ReasonInsufficientBalance, TenantID: tenantID, Requested: amount, Remaining: bal.Balance}, nil
	}
	return &Decision{Allowed: true, Reason: ReasonOK, TenantID: tenantID, Requested: amount, Remaining: bal.Balance}, nil
}

// Consume admits, then atomically deducts tokens. The ledger write and
// the usage event commit in one transaction; on success the cached
// balance is invalidated so the next read repopulates it.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) (*Decision, error) {
	start := time.Now()
	decision, err := e.consume(ctx, req)
	if e.metrics != nil {
		outcome := "error"
		if err == nil {
			outcome = decision.Reason
			if decision.Allowed {
				outcome = "allowed"
			}
		}
		e.metrics.RecordConsume(outcome, time.Since(start))
	}
	return decision, err
}

func (e *Engine) consume(ctx context.Context, req ConsumeRequest) (*Decision, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", req.Amount)
	}
	if req.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}

	cfg := e.snapshot()
	if !cfg.Enforce {
		return &Decision{Allowed: true, Reason: ReasonEnforcementOff, TenantID: req.TenantID, Requested: req.Amount}, nil
	}

	tier := cfg.Tiers.Resolve(req.Scopes)
	params := tier.Apply(cfg.Defaults)

	if tier.MaxAmountPerRequest > 0 && req.Amount > tier.MaxAmountPerRequest {
		return &Decision{
			Allowed:   false,
			Reason:    ReasonAmountTooLarge,
			TenantID:  req.TenantID,
			Requested: req.Amount,
		}, nil
	}

	if e.buckets != nil {
		admission, err := e.admit(ctx, req.TenantID, params, req.Amount)
		if err != nil {
			// Admission is best-effort shaping; a broken bucket store must
			// not take down consumption.
			e.logger.WithError(err).WithTenant(req.TenantID).Warn("admission bucket unavailable, skipping")
		} else if !admission.Allowed {
			return &Decision{
				Allowed:           false,
				Reason:            ReasonAdmissionDenied,
				TenantID:          req.TenantID,
				Requested:         req.Amount,
				RetryAfterSeconds: admission.WaitSeconds,
				Admission:         admission,
			}, nil
		}
	}

	// Advisory early deny. A stale cache can only cause an extra ledger
	// round trip, never a wrong allow.
	if e.cache != nil {
		if cached, ok := e.cache.Peek(ctx, req.TenantID); ok && cached.Balance < req.Amount {
			return &Decision{
				Allowed:   false,
				Reason:    ReasonInsufficientBalance,
				TenantID:  req.TenantID,
				Requested: req.Amount,
				Remaining: cached.Balance,
			}, nil
		}
	}

	entry, err := e.applyWithRetry(ctx, req.TenantID, -req.Amount, req.IdempotencyKey, ledger.KindConsume, req.RequestRef)
	if err != nil {
		var insufficient *ledger.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			if e.cache != nil {
				e.cache.Set(ctx, req.TenantID, quotacache.Balance{Balance: insufficient.Balance})
			}
			return &Decision{
				Allowed:   false,
				Reason:    ReasonInsufficientBalance,
				TenantID:  req.TenantID,
				Requested: req.Amount,
				Remaining: insufficient.Balance,
			}, nil
		}
		return nil, err
	}

	if e.cache != nil {
		e.cache.Invalidate(ctx, req.TenantID)
	}
	if e.metrics != nil {
		e.metrics.RecordLedgerEntry(string(ledger.KindConsume))
	}
	return &Decision{
		Allowed:   true,
		Reason:    ReasonOK,
		TenantID:  req.TenantID,
		Requested: req.Amount,
		Remaining: entry.ResultingBalance,
		Entry:     entry,
	}, nil
}

// Credit adds tokens, typically from a confirmed purchase; a
// purchase-compensate kind debits instead, reversing a prior credit. The
// extra stage callback runs in the same transaction as the ledger entry,
// after the usage event has been staged. A replayed idempotency key
// returns the original entry without reapplying.
func (e *Engine) Credit(ctx context.Context, tenantID string, amount int64, idempotencyKey string, kind ledger.EntryKind, requestRef string, stage ledger.StageFunc) (*ledger.Entry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d", amount)
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	delta := amount
	if kind == ledger.KindPurchaseCompensate {
		delta = -amount
	}

	cfg := e.snapshot()
	var entry *ledger.Entry
	var err error
	for attempt := 0; ; attempt++ {
		entry, err = e.store.ApplyDelta(ctx, tenantID, delta, idempotencyKey, kind, requestRef, stage)
		if !errors.Is(err, ledger.ErrVersionConflict) {
			break
		}
		if e.metrics != nil {
			e.metrics.VersionConflictsTotal.Inc()
		}
		if attempt+1 >= cfg.MaxConflictRetries {
			return nil, fmt.Errorf("balance update contention for tenant %s: %w", tenantID, ledger.ErrUnavailable)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.ConflictRetryDelay):
		}
	}
	if errors.Is(err, ledger.ErrDuplicateOperation) {
		e.logger.WithFields(map[string]interface{}{
			"tenant_id":       tenantID,
			"idempotency_key": idempotencyKey,
		}).Info("duplicate credit replayed from ledger")
		return entry, nil
	}
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		e.cache.Invalidate(ctx, tenantID)
	}
	if e.metrics != nil {
		e.metrics.RecordLedgerEntry(string(kind))
	}
	return entry, nil
}

// History returns recent ledger entries for the tenant.
func (e *Engine) History(ctx context.Context, tenantID string, limit int) ([]*ledger.Entry, error) {
	return e.store.History(ctx, tenantID, limit)
}

// FindEntry returns the tenant's ledger entry for the idempotency key,
// or nil when the key was never applied.
func (e *Engine) FindEntry(ctx context.Context, tenantID, idempotencyKey string) (*ledger.Entry, error) {
	return e.store.FindEntry(ctx, tenantID, idempotencyKey)
}

func (e *Engine) admit(ctx context.Context, tenantID string, params Params, amount int64) (*AdmissionResult, error) {
	now := time.Now()
	state, err := e.buckets.Load(ctx, tenantID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to load admission bucket: %w", err)
	}
	result := TryConsume(state, params, amount, now)
	if err := e.buckets.Save(ctx, tenantID, state); err != nil {
		return nil, fmt.Errorf("failed to save admission bucket: %w", err)
	}
	return &result, nil
}

// applyWithRetry runs ApplyDelta, retrying bounded times on version
// conflicts. Duplicate operations surface the prior entry as success.
func (e *Engine) applyWithRetry(ctx context.Context, tenantID string, delta int64, idempotencyKey string, kind ledger.EntryKind, requestRef string) (*ledger.Entry, error) {
	cfg := e.snapshot()
	stage := e.usageStage(tenantID, delta, idempotencyKey)

	for attempt := 0; ; attempt++ {
		entry, err := e.store.ApplyDelta(ctx, tenantID, delta, idempotencyKey, kind, requestRef, stage)
		switch {
		case err == nil:
			return entry, nil
		case errors.Is(err, ledger.ErrDuplicateOperation):
			e.logger.WithFields(map[string]interface{}{
				"tenant_id":       tenantID,
				"idempotency_key": idempotencyKey,
			}).Info("duplicate consume replayed from ledger")
			return entry, nil
		case errors.Is(err, ledger.ErrVersionConflict):
			if e.metrics != nil {
				e.metrics.VersionConflictsTotal.Inc()
			}
			if attempt+1 >= cfg.MaxConflictRetries {
				return nil, fmt.Errorf("balance update contention for tenant %s: %w", tenantID, ledger.ErrUnavailable)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(cfg.ConflictRetryDelay):
			}
		default:
			return nil, err
		}
	}
}

// usageStage stages the usage event in the ledger transaction, so the
// event exists if and only if the entry committed.
func (e *Engine) usageStage(tenantID string, delta int64, idempotencyKey string) ledger.StageFunc {
	if e.events == nil {
		return nil
	}
	return func(ctx context.Context, tx *sql.Tx, entry *ledger.Entry) error {
		rec, err := outbox.NewUsageRecord(outbox.UsageEvent{
			TenantID:       tenantID,
			Amount:         -delta,
			Allowed:        true,
			Remaining:      entry.ResultingBalance,
			IdempotencyKey: idempotencyKey,
			Timestamp:      time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		return e.events.StageTx(ctx, tx, rec)
	}
}
