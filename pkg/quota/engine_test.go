package quota

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leakytokens/tokend/pkg/ledger"
	"github.com/leakytokens/tokend/pkg/observability"
	"github.com/leakytokens/tokend/pkg/outbox"
	"github.com/leakytokens/tokend/pkg/quotacache"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

type engineFixture struct {
	engine *Engine
	store  *ledger.MemoryStore
	events *outbox.MemoryStore
	cache  *quotacache.Cache
}

func newEngineFixture(t *testing.T, cfg EngineConfig) *engineFixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	events := outbox.NewMemoryStore()
	cache := quotacache.New(nil, quotacache.Config{})
	buckets := NewMemoryBucketStore(0)
	engine := NewEngine(store, cache, buckets, events, cfg, testLogger(), nil)
	return &engineFixture{engine: engine, store: store, events: events, cache: cache}
}

func seedBalance(t *testing.T, f *engineFixture, tenantID string, amount int64) {
	t.Helper()
	_, err := f.engine.Credit(context.Background(), tenantID, amount, "seed-"+tenantID, ledger.KindPurchaseCredit, "", nil)
	require.NoError(t, err)
}

func TestEngine_ConsumeDeductsAndStagesUsageEvent(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 100)

	decision, err := f.engine.Consume(ctx, ConsumeRequest{
		TenantID:       "tenant-1",
		Amount:         30,
		IdempotencyKey: "op-1",
	})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonOK, decision.Reason)
	assert.Equal(t, int64(70), decision.Remaining)

	records := f.events.Snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, outbox.TopicUsage, records[0].Topic)
	assert.Equal(t, "tenant-1", records[0].TenantID)
}

func TestEngine_ConcurrentConsumeNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 100)

	// Two concurrent consumes of 60 against a balance of 100: exactly one
	// may be allowed, the other is denied for insufficient balance.
	var wg sync.WaitGroup
	decisions := make([]*Decision, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = f.engine.Consume(ctx, ConsumeRequest{
				TenantID:       "tenant-1",
				Amount:         60,
				IdempotencyKey: fmt.Sprintf("op-%d", i),
			})
		}(i)
	}
	wg.Wait()

	allowed := 0
	for i := range decisions {
		require.NoError(t, errs[i])
		if decisions[i].Allowed {
			allowed++
		} else {
			assert.Equal(t, ReasonInsufficientBalance, decisions[i].Reason)
		}
	}
	assert.Equal(t, 1, allowed)

	bal, err := f.store.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal.Balance)
}

func TestEngine_DuplicateIdempotencyKeyReplaysDecision(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 100)

	first, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 25, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	second, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 25, IdempotencyKey: "op-1"})
	require.NoError(t, err)

	assert.True(t, second.Allowed)
	assert.Equal(t, first.Remaining, second.Remaining)

	bal, err := f.store.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), bal.Balance)

	// Only the original attempt staged a usage event.
	usage := 0
	for _, rec := range f.events.Snapshot() {
		if rec.Topic == outbox.TopicUsage {
			usage++
		}
	}
	assert.Equal(t, 1, usage)
}

func TestEngine_IdempotencyKeysScopedPerTenant(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-a", 100)

	first, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-a", Amount: 60, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	// Tenant B presenting tenant A's key gets its own decision against
	// its own (empty) balance, never a replay of tenant A's entry.
	second, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-b", Amount: 60, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonInsufficientBalance, second.Reason)
	assert.Equal(t, int64(0), second.Remaining)

	bal, err := f.store.GetBalance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(40), bal.Balance)
}

func TestEngine_InsufficientBalanceIsADecisionNotAnError(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 10)

	decision, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 50, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonInsufficientBalance, decision.Reason)
	assert.Equal(t, int64(10), decision.Remaining)

	// The denied attempt left no ledger entry behind.
	entries, err := f.store.History(ctx, "tenant-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.KindPurchaseCredit, entries[0].Kind)
}

func TestEngine_UnknownTenantConsumeDenied(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())

	decision, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "ghost", Amount: 5, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonInsufficientBalance, decision.Reason)
}

func TestEngine_AdmissionDenialShortCircuitsLedger(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultEngineConfig()
	cfg.Defaults = Params{Strategy: StrategyLeakyBucket, Capacity: 10, LeakRatePerSecond: 1}
	f := newEngineFixture(t, cfg)
	seedBalance(t, f, "tenant-1", 1000)

	first, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 10, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 10, IdempotencyKey: "op-2"})
	require.NoError(t, err)
	assert.False(t, second.Allowed)
	assert.Equal(t, ReasonAdmissionDenied, second.Reason)
	assert.Greater(t, second.RetryAfterSeconds, int64(0))

	// The denied attempt never reached the ledger.
	bal, err := f.store.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(990), bal.Balance)
}

func TestEngine_StaleCacheNeverAllowsOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 10)

	// Poison the cache with an optimistic snapshot. The ledger still has
	// the final say.
	require.NoError(t, f.cache.Set(ctx, "tenant-1", quotacache.Balance{Balance: 1000000, Version: 999}))

	decision, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 500, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonInsufficientBalance, decision.Reason)
}

func TestEngine_TierCapsSingleRequestAmount(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultEngineConfig()
	cfg.Tiers = TierSet{
		DefaultTier: "basic",
		Levels: map[string]TierConfig{
			"BASIC": {Priority: 0, MaxAmountPerRequest: 20},
			"PRO":   {Priority: 10, CapacityMultiplier: 5},
		},
	}
	f := newEngineFixture(t, cfg)
	seedBalance(t, f, "tenant-1", 1000)

	decision, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 50, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonAmountTooLarge, decision.Reason)

	// A pro scope lifts the cap.
	decision, err = f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 50, IdempotencyKey: "op-2", Scopes: []string{"ROLE_PRO"}})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestEngine_EnforcementOffAllowsWithoutLedger(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultEngineConfig()
	cfg.Enforce = false
	f := newEngineFixture(t, cfg)

	decision, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 5, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, ReasonEnforcementOff, decision.Reason)

	_, err = f.store.GetBalance(ctx, "tenant-1")
	assert.ErrorIs(t, err, ledger.ErrTenantNotFound)
}

// conflictStore wraps a ledger store and forces version conflicts for the
// first n ApplyDelta calls.
type conflictStore struct {
	ledger.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictStore) ApplyDelta(ctx context.Context, tenantID string, delta int64, idempotencyKey string, kind ledger.EntryKind, requestRef string, stage ledger.StageFunc) (*ledger.Entry, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, ledger.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.ApplyDelta(ctx, tenantID, delta, idempotencyKey, kind, requestRef, stage)
}

func TestEngine_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	_, err := mem.ApplyDelta(ctx, "tenant-1", 100, "seed", ledger.KindPurchaseCredit, "", nil)
	require.NoError(t, err)

	store := &conflictStore{Store: mem, conflicts: 2}
	engine := NewEngine(store, nil, nil, nil, DefaultEngineConfig(), testLogger(), nil)

	decision, err := engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 10, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, int64(90), decision.Remaining)
}

func TestEngine_GivesUpAfterBoundedConflictRetries(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemoryStore()
	_, err := mem.ApplyDelta(ctx, "tenant-1", 100, "seed", ledger.KindPurchaseCredit, "", nil)
	require.NoError(t, err)

	store := &conflictStore{Store: mem, conflicts: 100}
	engine := NewEngine(store, nil, nil, nil, DefaultEngineConfig(), testLogger(), nil)

	_, err = engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 10, IdempotencyKey: "op-1"})
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
}

func TestEngine_CheckIsAdvisoryAndNonMutating(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 100)

	decision, err := f.engine.Check(ctx, "tenant-1", 50)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	decision, err = f.engine.Check(ctx, "tenant-1", 150)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	decision, err = f.engine.Check(ctx, "ghost", 1)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)

	// Checks never change the balance.
	bal, err := f.store.GetBalance(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)
}

func TestEngine_StatusFallsBackToLedgerAndRepopulatesCache(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 100)

	// A consume invalidates the cached balance.
	_, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 40, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	_, ok := f.cache.Peek(ctx, "tenant-1")
	assert.False(t, ok)

	bal, err := f.engine.Status(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal.Balance)

	cached, ok := f.cache.Peek(ctx, "tenant-1")
	assert.True(t, ok)
	assert.Equal(t, int64(60), cached.Balance)
}

func TestEngine_CompensateKindDebitsBalance(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 100)

	entry, err := f.engine.Credit(ctx, "tenant-1", 30, "comp-1", ledger.KindPurchaseCompensate, "saga-1", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(70), entry.ResultingBalance)
	assert.Equal(t, int64(-30), entry.Delta)
}

func TestEngine_UpdateTunablesSwapsAdmissionDefaults(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, DefaultEngineConfig())
	seedBalance(t, f, "tenant-1", 1000)

	f.engine.UpdateTunables(Params{Strategy: StrategyFixedWindow, Capacity: 5, WindowSeconds: 60}, TierSet{})

	decision, err := f.engine.Consume(ctx, ConsumeRequest{TenantID: "tenant-1", Amount: 6, IdempotencyKey: "op-1"})
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, ReasonAdmissionDenied, decision.Reason)
}
