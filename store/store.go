// Package store implements the atomic update protocol against the shared
// bucket state: one indivisible fetch-compute-commit cycle per request, so
// concurrent requests for the same key never double-spend a token.
//
// Three backends cover the three atomicity strategies: a server-side Lua
// script (Redis, the default), an optimistic compare-and-swap transaction
// (RedisCAS), and a per-key exclusive lock (RedisLocked). Memory is an
// in-process backend for tests, single-instance deployments and the
// facade's degraded-mode fallback.
package store

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/gatelink/throttle/bucket"
	"github.com/gatelink/throttle/policy"
)

// Namespace prefixes every bucket key so limiter state never collides with
// unrelated data in a shared Redis.
const Namespace = "throttle:"

var (
	// ErrConflict is returned when an optimistic commit keeps losing to
	// concurrent writers beyond the configured retry budget.
	ErrConflict = errors.New("store: commit conflict")
	// ErrUnavailable wraps connection and protocol failures talking to the
	// backing store. A take that fails with it has consumed nothing.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is the atomic update protocol. Take runs one linearizable
// read-modify-write cycle for the key: fetch the state (a missing key is a
// fresh, full bucket), refill to now, consume 'cost' tokens if available,
// and commit. Credit returns previously consumed tokens to the bucket,
// clamped to capacity; the facade uses it to roll back partial multi-policy
// consumption. Takes on different keys never block one another.
type Store interface {
	Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error)
	Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error
	Close() error
}

// BucketKey builds the store key for one (identity, policy) pair. The pair
// is injective as long as identities do not contain '|'.
func BucketKey(identity, policyName string) string {
	return identity + "|" + policyName
}

// keyTTL is how long a bucket may sit idle before the store may expire it:
// the time to refill completely from empty, so an expired-and-recreated
// bucket is indistinguishable from the one that was dropped.
func keyTTL(pol policy.Policy) time.Duration {
	ttl := pol.FullRefillTime()
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// jitteredBackoff returns the wait before retry 'attempt' (0-based):
// exponential growth from 'base' with up to 50% random jitter.
func jitteredBackoff(base time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	return d/2 + time.Duration(rand.Int63n(int64(d/2+1)))
}
