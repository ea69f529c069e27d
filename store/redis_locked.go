package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/bucket"
	"github.com/gatelink/throttle/lock"
	"github.com/gatelink/throttle/policy"
)

// RedisLocked implements Store with a per-key exclusive lock: acquire the
// key's lock, GET/evaluate/SET the codec-encoded state, release. The lock
// is held for exactly one update cycle and expires on its own if the holder
// dies, so an abandoned call never leaves the key wedged or the state
// half-applied. Locks are per key, so takes on different keys proceed in
// parallel. A fallback for deployments where neither scripting nor
// transactions are available.
type RedisLocked struct {
	client   redis.Cmdable
	prefix   string
	algo     bucket.Algorithm
	lockOpts []lock.Option
}

// LockedOption configures a RedisLocked store.
type LockedOption func(*RedisLocked)

// WithLockedPrefix overrides the key namespace. Default is Namespace.
func WithLockedPrefix(prefix string) LockedOption {
	return func(s *RedisLocked) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLockedAlgorithm substitutes the admission algorithm. Default is
// TokenBucket.
func WithLockedAlgorithm(algo bucket.Algorithm) LockedOption {
	return func(s *RedisLocked) {
		if algo != nil {
			s.algo = algo
		}
	}
}

// WithLockOptions passes options through to each per-key lock.
func WithLockOptions(opts ...lock.Option) LockedOption {
	return func(s *RedisLocked) {
		s.lockOpts = opts
	}
}

// NewRedisLocked creates a lock-based Redis store.
func NewRedisLocked(client redis.Cmdable, opts ...LockedOption) *RedisLocked {
	s := &RedisLocked{
		client: client,
		prefix: Namespace,
		algo:   bucket.TokenBucket{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take implements Store.
func (s *RedisLocked) Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error) {
	var dec bucket.Decision
	err := s.withLock(ctx, key, func(fullKey string) error {
		now := time.Now()
		st, err := s.fetchState(ctx, fullKey, pol, now)
		if err != nil {
			return err
		}

		next, d := s.algo.Evaluate(st, pol, now, cost)
		if err := s.client.Set(ctx, fullKey, bucket.EncodeState(next), keyTTL(pol)).Err(); err != nil {
			return err
		}
		dec = d
		return nil
	})
	if err != nil {
		return bucket.Decision{}, fmt.Errorf("%w: take for key %s: %v", ErrUnavailable, key, err)
	}
	return dec, nil
}

// Credit implements Store.
func (s *RedisLocked) Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error {
	if tokens <= 0 {
		return nil
	}
	err := s.withLock(ctx, key, func(fullKey string) error {
		raw, err := s.client.Get(ctx, fullKey).Result()
		if errors.Is(err, redis.Nil) {
			// bucket expired; it will be recreated full
			return nil
		}
		if err != nil {
			return err
		}

		st, err := bucket.DecodeState(raw)
		if err != nil {
			return err
		}
		st.Tokens += tokens
		if st.Tokens > float64(pol.Capacity) {
			st.Tokens = float64(pol.Capacity)
		}
		return s.client.Set(ctx, fullKey, bucket.EncodeState(st), keyTTL(pol)).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: credit for key %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Close implements Store. The client is owned by the caller.
func (s *RedisLocked) Close() error {
	return nil
}

func (s *RedisLocked) withLock(ctx context.Context, key string, fn func(fullKey string) error) error {
	fullKey := s.prefix + key
	l := lock.New(s.client, fullKey+":lock", s.lockOpts...)

	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotHeld) {
			log.Warn().Err(err).Str("key", key).Msg("failed to release bucket lock")
		}
	}()

	return fn(fullKey)
}

func (s *RedisLocked) fetchState(ctx context.Context, fullKey string, pol policy.Policy, now time.Time) (bucket.State, error) {
	raw, err := s.client.Get(ctx, fullKey).Result()
	if errors.Is(err, redis.Nil) {
		return bucket.NewState(pol, now), nil
	}
	if err != nil {
		return bucket.State{}, err
	}

	st, err := bucket.DecodeState(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", fullKey).Msg("resetting undecodable bucket state")
		return bucket.NewState(pol, now), nil
	}
	return st, nil
}
