package quota

import (
	"math"
	"time"
)

// Strategy selects the admission model applied before the balance check.
type Strategy string

const (
	StrategyLeakyBucket Strategy = "leaky_bucket"
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyFixedWindow Strategy = "fixed_window"
)

// Params are the effective admission settings for one decision. Tier
// multipliers are already applied.
type Params struct {
	Strategy          Strategy
	Capacity          int64
	LeakRatePerSecond float64
	WindowSeconds     int64
}

// DefaultParams returns the stock admission settings.
func DefaultParams() Params {
	return Params{
		Strategy:          StrategyLeakyBucket,
		Capacity:          1000,
		LeakRatePerSecond: 10.0,
		WindowSeconds:     60,
	}
}

// BucketState is the persisted state of one tenant's admission bucket.
// CurrentTokens/LastUpdated serve the leak/refill strategies; WindowStart/
// WindowCount serve the fixed-window strategy.
type BucketState struct {
	CurrentTokens int64     `json:"current_tokens"`
	LastUpdated   time.Time `json:"last_updated"`
	WindowStart   time.Time `json:"window_start,omitempty"`
	WindowCount   int64     `json:"window_count"`
}

// AdmissionResult is the outcome of one admission decision.
type AdmissionResult struct {
	Allowed     bool      `json:"allowed"`
	Capacity    int64     `json:"capacity"`
	Used        int64     `json:"used"`
	Remaining   int64     `json:"remaining"`
	WaitSeconds int64     `json:"wait_seconds"`
	Timestamp   time.Time `json:"timestamp"`
}

func admitted(capacity, used, waitSeconds int64, now time.Time) AdmissionResult {
	return AdmissionResult{Allowed: true, Capacity: capacity, Used: used, Remaining: capacity - used, WaitSeconds: waitSeconds, Timestamp: now}
}

func denied(capacity, used, waitSeconds int64, now time.Time) AdmissionResult {
	return AdmissionResult{Allowed: false, Capacity: capacity, Used: used, Remaining: capacity - used, WaitSeconds: waitSeconds, Timestamp: now}
}

// TryConsume applies the configured strategy to state, mutating it in
// place. The caller persists the state afterwards.
func TryConsume(state *BucketState, params Params, tokens int64, now time.Time) AdmissionResult {
	switch params.Strategy {
	case StrategyFixedWindow:
		return tryFixedWindow(state, params.Capacity, params.WindowSeconds, tokens, now)
	case StrategyTokenBucket:
		return tryTokenBucket(state, params.Capacity, params.LeakRatePerSecond, tokens, now)
	default:
		return tryLeakyBucket(state, params.Capacity, params.LeakRatePerSecond, tokens, now)
	}
}

func tryLeakyBucket(state *BucketState, capacity int64, leakRate float64, tokens int64, now time.Time) AdmissionResult {
	leak(state, leakRate, now)
	available := capacity - state.CurrentTokens
	if tokens <= available {
		state.CurrentTokens += tokens
		return admitted(capacity, state.CurrentTokens, 0, now)
	}
	overflow := tokens - available
	return denied(capacity, state.CurrentTokens, estimateWaitSeconds(overflow, leakRate), now)
}

func tryFixedWindow(state *BucketState, capacity, windowSeconds, tokens int64, now time.Time) AdmissionResult {
	if windowSeconds < 1 {
		windowSeconds = 1
	}
	if state.WindowStart.IsZero() {
		state.WindowStart = now
		state.WindowCount = 0
	}
	windowEnd := state.WindowStart.Add(time.Duration(windowSeconds) * time.Second)
	if !now.Before(windowEnd) {
		state.WindowStart = now
		state.WindowCount = 0
		windowEnd = state.WindowStart.Add(time.Duration(windowSeconds) * time.Second)
	}

	if state.WindowCount+tokens <= capacity {
		state.WindowCount += tokens
		return admitted(capacity, state.WindowCount, 0, now)
	}

	waitSeconds := int64(windowEnd.Sub(now).Seconds())
	if waitSeconds < 0 {
		waitSeconds = 0
	}
	return denied(capacity, state.WindowCount, waitSeconds, now)
}

func tryTokenBucket(state *BucketState, capacity int64, refillRate float64, tokens int64, now time.Time) AdmissionResult {
	refill(state, capacity, refillRate, now)
	available := state.CurrentTokens
	if tokens <= available {
		state.CurrentTokens = available - tokens
		return admitted(capacity, capacity-state.CurrentTokens, 0, now)
	}
	deficit := tokens - available
	return denied(capacity, capacity-available, estimateWaitSeconds(deficit, refillRate), now)
}

func refill(state *BucketState, capacity int64, refillRate float64, now time.Time) {
	if state.LastUpdated.IsZero() {
		state.CurrentTokens = capacity
		state.LastUpdated = now
		return
	}
	if now.Before(state.LastUpdated) {
		state.LastUpdated = now
		return
	}
	elapsed := now.Sub(state.LastUpdated)
	refilled := int64(math.Floor(elapsed.Seconds() * refillRate))
	if refilled <= 0 {
		return
	}
	next := state.CurrentTokens + refilled
	if next > capacity {
		next = capacity
	}
	state.CurrentTokens = next
	state.LastUpdated = now
}

func leak(state *BucketState, leakRate float64, now time.Time) {
	if state.LastUpdated.IsZero() {
		state.LastUpdated = now
		return
	}
	if now.Before(state.LastUpdated) {
		state.LastUpdated = now
		return
	}
	elapsed := now.Sub(state.LastUpdated)
	leaked := int64(math.Floor(elapsed.Seconds() * leakRate))
	if leaked <= 0 {
		return
	}
	state.CurrentTokens -= leaked
	if state.CurrentTokens < 0 {
		state.CurrentTokens = 0
	}
	state.LastUpdated = now
}

func estimateWaitSeconds(overflow int64, ratePerSecond float64) int64 {
	if ratePerSecond <= 0 {
		return math.MaxInt64
	}
	return int64(math.Ceil(float64(overflow) / ratePerSecond))
}
