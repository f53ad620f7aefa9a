package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBucketStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBucketStore(time.Hour)
	now := time.Now()

	state, err := store.Load(ctx, "tenant-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentTokens)

	state.CurrentTokens = 42
	state.LastUpdated = now
	require.NoError(t, store.Save(ctx, "tenant-1", state))

	loaded, err := store.Load(ctx, "tenant-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), loaded.CurrentTokens)

	// Load returns a copy; mutating it must not affect the store.
	loaded.CurrentTokens = 0
	again, err := store.Load(ctx, "tenant-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(42), again.CurrentTokens)
}

func TestMemoryBucketStore_CleanupDropsIdleBuckets(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryBucketStore(time.Minute)
	now := time.Now()

	require.NoError(t, store.Save(ctx, "idle", &BucketState{CurrentTokens: 1}))
	require.NoError(t, store.Save(ctx, "active", &BucketState{CurrentTokens: 2}))
	assert.Equal(t, 2, store.Len())

	// Touching a bucket refreshes its idle clock.
	future := now.Add(2 * time.Minute)
	_, err := store.Load(ctx, "active", future)
	require.NoError(t, err)

	removed := store.Cleanup(future)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func newTestRedisBucketStore(t *testing.T) (*RedisBucketStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBucketStore(client, "test:bucket", time.Hour), mr
}

func TestRedisBucketStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisBucketStore(t)
	now := time.Now()

	state, err := store.Load(ctx, "tenant-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentTokens)

	state.CurrentTokens = 17
	state.LastUpdated = now.UTC()
	require.NoError(t, store.Save(ctx, "tenant-1", state))

	loaded, err := store.Load(ctx, "tenant-1", now)
	require.NoError(t, err)
	assert.Equal(t, int64(17), loaded.CurrentTokens)
}

func TestRedisBucketStore_CorruptStateResetsBucket(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisBucketStore(t)

	require.NoError(t, mr.Set("test:bucket:tenant-1", "not json"))

	state, err := store.Load(ctx, "tenant-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentTokens)

	// The corrupt key is gone.
	assert.False(t, mr.Exists("test:bucket:tenant-1"))
}

func TestRedisBucketStore_IdleBucketsExpire(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisBucketStore(t)

	require.NoError(t, store.Save(ctx, "tenant-1", &BucketState{CurrentTokens: 5}))
	mr.FastForward(2 * time.Hour)

	state, err := store.Load(ctx, "tenant-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), state.CurrentTokens)
}
