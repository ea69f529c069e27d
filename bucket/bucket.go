// Package bucket implements the token-bucket state machine: the persisted
// per-key state, the pure refill calculation, and the algorithm that turns a
// state plus a policy into an admission decision.
package bucket

import (
	"math"
	"time"

	"github.com/gatelink/throttle/policy"
)

// State is the persisted state of one bucket. Tokens is tracked as a
// continuous quantity to avoid systematic under-refill over many small
// windows; only the admission check compares against a whole-token cost.
type State struct {
	Tokens       float64
	LastRefillAt time.Time
}

// NewState returns the state of a freshly created bucket: full, refilled now.
func NewState(pol policy.Policy, now time.Time) State {
	return State{
		Tokens:       float64(pol.Capacity),
		LastRefillAt: now,
	}
}

// Refill computes the tokens available at 'now' given the last-known state.
// Pure: no side effects, no I/O. Negative elapsed time (clock skew between
// instances) is clamped to zero so a skewed reader never loses tokens.
func Refill(st State, capacity, ratePerSecond float64, now time.Time) float64 {
	elapsed := now.Sub(st.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens := st.Tokens + elapsed*ratePerSecond
	if tokens > capacity {
		tokens = capacity
	}
	if tokens < 0 {
		tokens = 0
	}
	return tokens
}

// Decision is the result of one admission check. It is transient and never
// persisted. RetryAfter is meaningful only when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Algorithm evaluates one admission check against a bucket state. It returns
// the state to persist and the decision to report. Implementations must be
// pure so stores can re-run them on commit conflicts.
//
// TokenBucket is the shipped variant; alternate limiting strategies (sliding
// window, leaky bucket) plug in here without changing the facade or the
// store protocol.
type Algorithm interface {
	Evaluate(st State, pol policy.Policy, now time.Time, cost float64) (State, Decision)
}

// TokenBucket is the token-bucket admission algorithm.
type TokenBucket struct{}

// Evaluate refills the bucket to 'now' and consumes 'cost' tokens if enough
// are available. On denial the refill progress is still recorded in the
// returned state so it is not recomputed from stale data next time.
// LastRefillAt never moves backward, even when 'now' is behind it.
func (TokenBucket) Evaluate(st State, pol policy.Policy, now time.Time, cost float64) (State, Decision) {
	rate := pol.RatePerSecond()
	available := Refill(st, float64(pol.Capacity), rate, now)
	at := now
	if st.LastRefillAt.After(at) {
		at = st.LastRefillAt
	}

	if available >= cost {
		next := State{Tokens: available - cost, LastRefillAt: at}
		return next, Decision{Allowed: true, Remaining: next.Tokens}
	}

	next := State{Tokens: available, LastRefillAt: at}
	return next, Decision{
		Allowed:    false,
		Remaining:  available,
		RetryAfter: RetryAfter(cost-available, rate),
	}
}

// RetryAfter returns how long until 'missing' tokens will have been refilled
// at 'ratePerSecond', rounded up to whole seconds.
func RetryAfter(missing, ratePerSecond float64) time.Duration {
	if missing <= 0 {
		return 0
	}
	if ratePerSecond <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil(missing/ratePerSecond)) * time.Second
}
