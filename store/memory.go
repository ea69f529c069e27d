package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/bucket"
	"github.com/gatelink/throttle/policy"
)

// Memory implements Store with an in-process map. State is local to the
// process, so it approximates rather than enforces a global limit; it is
// meant for tests, single-instance deployments and the facade's fallback
// cache. The critical section under the mutex is a pure computation, so
// takes on different keys contend only briefly.
type Memory struct {
	mu      sync.Mutex
	algo    bucket.Algorithm
	buckets map[string]bucket.State
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithAlgorithm substitutes the admission algorithm. Default is TokenBucket.
func WithAlgorithm(algo bucket.Algorithm) MemoryOption {
	return func(m *Memory) {
		if algo != nil {
			m.algo = algo
		}
	}
}

// WithNowFunc substitutes the clock, for deterministic tests.
func WithNowFunc(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMemory creates an in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		algo:    bucket.TokenBucket{},
		buckets: make(map[string]bucket.State),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Take implements Store.
func (m *Memory) Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st, ok := m.buckets[key]
	if !ok {
		st = bucket.NewState(pol, now)
		log.Debug().Str("key", key).Str("policy", pol.Name).Msg("created fresh bucket")
	}

	next, dec := m.algo.Evaluate(st, pol, now, cost)
	m.buckets[key] = next
	return dec, nil
}

// Credit implements Store. Crediting a bucket that has already been evicted
// is a no-op: a missing bucket is recreated full, so the tokens are not owed.
func (m *Memory) Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error {
	if tokens <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.buckets[key]
	if !ok {
		return nil
	}
	st.Tokens += tokens
	if st.Tokens > float64(pol.Capacity) {
		st.Tokens = float64(pol.Capacity)
	}
	m.buckets[key] = st
	return nil
}

// Sweep removes buckets that have not been touched within maxIdle and
// returns how many were dropped. The facade's fallback janitor calls this
// periodically; Redis backends expire keys server-side instead.
func (m *Memory) Sweep(maxIdle time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxIdle)
	removed := 0
	for key, st := range m.buckets {
		if st.LastRefillAt.Before(cutoff) {
			delete(m.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Dur("max_idle", maxIdle).Msg("swept idle buckets")
	}
	return removed
}

// Len returns the number of live buckets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
