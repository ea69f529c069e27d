// Package limiter is the admission-control facade: it maps a request
// identity and category to the governing policies, runs the atomic update
// protocol against the shared store for each of them, and folds the results
// into a single allow/deny decision with a retry hint.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/policy"
	"github.com/gatelink/throttle/store"
)

var (
	// ErrInvalidArgument is returned for an empty identity or negative cost.
	ErrInvalidArgument = errors.New("limiter: invalid argument")
	// ErrStoreUnavailable is returned alongside a degraded Decision when the
	// shared store cannot be reached (or stayed contended beyond the retry
	// budget). The Decision is still valid and reflects the configured
	// fail-open/fail-closed policy.
	ErrStoreUnavailable = errors.New("limiter: store unavailable")
)

// FailMode selects what happens when the shared store is unreachable.
type FailMode int

const (
	// FailClosed denies requests while the store is down, with a small fixed
	// retry hint. The safe default.
	FailClosed FailMode = iota
	// FailOpen allows requests while the store is down, consulting the local
	// fallback cache first when one is configured.
	FailOpen
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Limit is the smallest capacity across the governing policies, the
	// effective burst ceiling for this category.
	Limit int64
	// Remaining is the lowest token balance across the governing policies
	// after this check.
	Remaining float64
	// RetryAfter is how long to wait before retrying. Meaningful only when
	// denied; on a multi-policy denial it is the maximum across the denying
	// policies.
	RetryAfter time.Duration
	// Degraded is set when the decision was made without the shared store,
	// via the fail policy or the local fallback cache.
	Degraded bool
}

// defaultDegradedRetryAfter is the retry hint handed out while failing
// closed: try again soon, the service is degraded.
const defaultDegradedRetryAfter = 1 * time.Second

// Limiter composes the policy registry and a store into the single entry
// point callers use. It holds no cross-request lock of its own; the store is
// the only synchronization point, so it is safe for unlimited concurrent
// invocation. TryAcquire can block on store I/O; callers apply their own
// deadline through ctx.
type Limiter struct {
	registry           *policy.Registry
	store              store.Store
	failMode           FailMode
	degradedRetryAfter time.Duration
	fallback           *fallbackCache
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailMode sets the store-unavailable policy. Default FailClosed.
func WithFailMode(mode FailMode) Option {
	return func(l *Limiter) {
		l.failMode = mode
	}
}

// WithDegradedRetryAfter sets the retry hint handed out while failing
// closed. Default 1s.
func WithDegradedRetryAfter(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.degradedRetryAfter = d
		}
	}
}

// WithFallback enables the in-process fallback cache consulted when failing
// open. Its counts are per-instance approximations, not the shared truth.
func WithFallback() Option {
	return func(l *Limiter) {
		l.fallback = newFallbackCache()
	}
}

// New creates a Limiter. The registry must already be validated and the
// store remains owned by the caller.
func New(registry *policy.Registry, st store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		registry:           registry,
		store:              st,
		failMode:           FailClosed,
		degradedRetryAfter: defaultDegradedRetryAfter,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AcquireOption configures a single TryAcquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	cost float64
}

// WithCost sets the token cost of this request. Default 1.
func WithCost(cost float64) AcquireOption {
	return func(o *acquireOptions) {
		o.cost = cost
	}
}

// TryAcquire runs one admission check for (identity, category). Every
// policy governing the category is checked against its own bucket; the
// request is admitted only if all of them allow it, and tokens consumed
// from policies that allowed are re-credited when any other denies, so the
// check is all-or-nothing across the policy set.
func (l *Limiter) TryAcquire(ctx context.Context, identity, category string, opts ...AcquireOption) (Decision, error) {
	if identity == "" {
		return Decision{}, fmt.Errorf("%w: empty identity", ErrInvalidArgument)
	}
	o := acquireOptions{cost: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.cost < 0 {
		return Decision{}, fmt.Errorf("%w: negative cost %f", ErrInvalidArgument, o.cost)
	}

	policies := l.registry.Resolve(category)

	dec, err := l.acquireFrom(ctx, l.store, identity, policies, o.cost)
	if err != nil {
		return l.degrade(ctx, identity, policies, o.cost, err)
	}
	return dec, nil
}

// granted records one successful per-policy take, pending the outcome of
// the rest of the policy set.
type granted struct {
	pol policy.Policy
	key string
}

// acquireFrom runs the per-policy protocol against one store and folds the
// results. On a store error everything already consumed is rolled back
// before the error is returned, so a failed check never leaks tokens.
func (l *Limiter) acquireFrom(ctx context.Context, st store.Store, identity string, policies []policy.Policy, cost float64) (Decision, error) {
	var (
		consumed   []granted
		anyDenied  bool
		limit      int64
		remaining  float64
		retryAfter time.Duration
	)
	remaining = -1

	for _, pol := range policies {
		if limit == 0 || pol.Capacity < limit {
			limit = pol.Capacity
		}

		key := store.BucketKey(identity, pol.Name)
		dec, err := st.Take(ctx, key, pol, cost)
		if err != nil {
			l.rollback(ctx, st, consumed, cost)
			return Decision{}, err
		}

		if remaining < 0 || dec.Remaining < remaining {
			remaining = dec.Remaining
		}
		if dec.Allowed {
			consumed = append(consumed, granted{pol: pol, key: key})
			continue
		}
		anyDenied = true
		if dec.RetryAfter > retryAfter {
			retryAfter = dec.RetryAfter
		}
	}
	if remaining < 0 {
		remaining = 0
	}

	if anyDenied {
		l.rollback(ctx, st, consumed, cost)
		return Decision{Allowed: false, Limit: limit, Remaining: remaining, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Limit: limit, Remaining: remaining}, nil
}

// rollback re-credits tokens consumed by policies that allowed, after some
// other policy denied or errored. A credit that fails is logged and
// abandoned; the bucket's TTL eventually repairs the balance.
func (l *Limiter) rollback(ctx context.Context, st store.Store, consumed []granted, cost float64) {
	for _, g := range consumed {
		if err := st.Credit(ctx, g.key, g.pol, cost); err != nil {
			log.Warn().Err(err).Str("key", g.key).Str("policy", g.pol.Name).Msg("failed to re-credit tokens on rollback")
		}
	}
}

// degrade produces the decision for a store failure per the configured fail
// mode. The store error is surfaced alongside a usable Decision.
func (l *Limiter) degrade(ctx context.Context, identity string, policies []policy.Policy, cost float64, cause error) (Decision, error) {
	wrapped := fmt.Errorf("%w: %v", ErrStoreUnavailable, cause)

	if l.failMode == FailOpen {
		if l.fallback != nil {
			dec, err := l.acquireFrom(ctx, l.fallback.store, identity, policies, cost)
			if err == nil {
				dec.Degraded = true
				log.Warn().Err(cause).Str("identity", identity).Bool("allowed", dec.Allowed).Msg("store unavailable, decided from fallback cache")
				return dec, wrapped
			}
		}
		log.Warn().Err(cause).Str("identity", identity).Msg("store unavailable, failing open")
		return Decision{Allowed: true, Degraded: true}, wrapped
	}

	log.Warn().Err(cause).Str("identity", identity).Msg("store unavailable, failing closed")
	return Decision{
		Allowed:    false,
		RetryAfter: l.degradedRetryAfter,
		Degraded:   true,
	}, wrapped
}

// Close releases resources owned by the limiter (the fallback janitor). The
// store and registry remain owned by the caller.
func (l *Limiter) Close() error {
	if l.fallback != nil {
		l.fallback.stop()
	}
	return nil
}
