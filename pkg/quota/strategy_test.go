package quota

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLeakyBucket_FillsAndDenies(t *testing.T) {
	params := Params{Strategy: StrategyLeakyBucket, Capacity: 100, LeakRatePerSecond: 10}
	state := &BucketState{}
	now := time.Now()

	res := TryConsume(state, params, 60, now)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(60), res.Used)
	assert.Equal(t, int64(40), res.Remaining)

	res = TryConsume(state, params, 60, now)
	assert.False(t, res.Allowed)
	// 20 over capacity at 10 tokens/s means a 2 second wait.
	assert.Equal(t, int64(2), res.WaitSeconds)
}

func TestLeakyBucket_DrainsOverTime(t *testing.T) {
	params := Params{Strategy: StrategyLeakyBucket, Capacity: 100, LeakRatePerSecond: 10}
	state := &BucketState{}
	now := time.Now()

	res := TryConsume(state, params, 100, now)
	assert.True(t, res.Allowed)

	res = TryConsume(state, params, 1, now)
	assert.False(t, res.Allowed)

	// 5 seconds later 50 tokens have leaked.
	later := now.Add(5 * time.Second)
	res = TryConsume(state, params, 50, later)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(100), res.Used)
}

func TestLeakyBucket_PartialSecondsDoNotLeak(t *testing.T) {
	params := Params{Strategy: StrategyLeakyBucket, Capacity: 10, LeakRatePerSecond: 1}
	state := &BucketState{}
	now := time.Now()

	TryConsume(state, params, 10, now)

	// 900ms at 1 token/s leaks nothing; drain is floored to whole tokens.
	res := TryConsume(state, params, 1, now.Add(900*time.Millisecond))
	assert.False(t, res.Allowed)
}

func TestLeakyBucket_ClockBackwardsResetsReference(t *testing.T) {
	params := Params{Strategy: StrategyLeakyBucket, Capacity: 100, LeakRatePerSecond: 10}
	now := time.Now()
	state := &BucketState{CurrentTokens: 50, LastUpdated: now}

	res := TryConsume(state, params, 10, now.Add(-time.Minute))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(60), res.Used)
}

func TestTokenBucket_StartsFullAndRefills(t *testing.T) {
	params := Params{Strategy: StrategyTokenBucket, Capacity: 100, LeakRatePerSecond: 10}
	state := &BucketState{}
	now := time.Now()

	// A fresh bucket starts at capacity.
	res := TryConsume(state, params, 100, now)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)

	res = TryConsume(state, params, 10, now)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(1), res.WaitSeconds)

	res = TryConsume(state, params, 10, now.Add(time.Second))
	assert.True(t, res.Allowed)
}

func TestTokenBucket_RefillCapsAtCapacity(t *testing.T) {
	params := Params{Strategy: StrategyTokenBucket, Capacity: 50, LeakRatePerSecond: 10}
	now := time.Now()
	state := &BucketState{CurrentTokens: 40, LastUpdated: now}

	res := TryConsume(state, params, 50, now.Add(time.Hour))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Remaining)
}

func TestFixedWindow_ResetsOnBoundary(t *testing.T) {
	params := Params{Strategy: StrategyFixedWindow, Capacity: 100, WindowSeconds: 60}
	state := &BucketState{}
	now := time.Now()

	res := TryConsume(state, params, 100, now)
	assert.True(t, res.Allowed)

	res = TryConsume(state, params, 1, now.Add(30*time.Second))
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(30), res.WaitSeconds)

	res = TryConsume(state, params, 100, now.Add(61*time.Second))
	assert.True(t, res.Allowed)
}

func TestEstimateWaitSeconds(t *testing.T) {
	assert.Equal(t, int64(2), estimateWaitSeconds(20, 10))
	assert.Equal(t, int64(3), estimateWaitSeconds(21, 10))
	assert.Equal(t, int64(math.MaxInt64), estimateWaitSeconds(1, 0))
}

func TestTryConsume_DefaultsToLeakyBucket(t *testing.T) {
	state := &BucketState{}
	res := TryConsume(state, Params{Strategy: "bogus", Capacity: 10, LeakRatePerSecond: 1}, 5, time.Now())
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(5), state.CurrentTokens)
}
