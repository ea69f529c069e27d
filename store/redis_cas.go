package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/bucket"
	"github.com/gatelink/throttle/policy"
)

const (
	// defaultCASAttempts bounds the optimistic commit loop. Contention on a
	// single key beyond this surfaces as ErrConflict rather than spinning.
	defaultCASAttempts = 3
	// defaultCASBackoff is the base delay between commit attempts.
	defaultCASBackoff = 5 * time.Millisecond
)

// TxClient is the subset of the go-redis client needed for optimistic
// transactions. *redis.Client, *redis.ClusterClient and
// redis.UniversalClient all satisfy it.
type TxClient interface {
	redis.Cmdable
	Watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error
}

// RedisCAS implements Store with an optimistic compare-and-swap cycle:
// WATCH the key, fetch and decode the state, evaluate the algorithm
// client-side, then commit the new state in a MULTI/EXEC that fails if the
// key changed underneath. A failed commit re-runs the whole cycle (re-fetch,
// recompute, re-commit) with jittered backoff, bounded by a small attempt
// budget. Useful where server-side scripting is disabled.
type RedisCAS struct {
	client      TxClient
	prefix      string
	algo        bucket.Algorithm
	maxAttempts int
	backoff     time.Duration
}

// CASOption configures a RedisCAS store.
type CASOption func(*RedisCAS)

// WithCASPrefix overrides the key namespace. Default is Namespace.
func WithCASPrefix(prefix string) CASOption {
	return func(s *RedisCAS) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithCASAlgorithm substitutes the admission algorithm. Default is
// TokenBucket.
func WithCASAlgorithm(algo bucket.Algorithm) CASOption {
	return func(s *RedisCAS) {
		if algo != nil {
			s.algo = algo
		}
	}
}

// WithCASRetry sets the attempt budget and base backoff for contended
// commits.
func WithCASRetry(attempts int, backoff time.Duration) CASOption {
	return func(s *RedisCAS) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
		if backoff > 0 {
			s.backoff = backoff
		}
	}
}

// NewRedisCAS creates a compare-and-swap Redis store.
func NewRedisCAS(client TxClient, opts ...CASOption) *RedisCAS {
	s := &RedisCAS{
		client:      client,
		prefix:      Namespace,
		algo:        bucket.TokenBucket{},
		maxAttempts: defaultCASAttempts,
		backoff:     defaultCASBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take implements Store.
func (s *RedisCAS) Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error) {
	full := s.prefix + key
	var dec bucket.Decision

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			now := time.Now()
			st, err := s.fetchState(ctx, tx, full, pol, now)
			if err != nil {
				return err
			}

			next, d := s.algo.Evaluate(st, pol, now, cost)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, full, bucket.EncodeState(next), keyTTL(pol))
				return nil
			})
			if err == nil {
				dec = d
			}
			return err
		}, full)

		switch {
		case err == nil:
			return dec, nil
		case errors.Is(err, redis.TxFailedErr):
			if waitErr := s.waitBeforeRetry(ctx, key, attempt); waitErr != nil {
				return bucket.Decision{}, waitErr
			}
		default:
			return bucket.Decision{}, fmt.Errorf("%w: take for key %s: %v", ErrUnavailable, key, err)
		}
	}

	log.Warn().Str("key", key).Int("attempts", s.maxAttempts).Msg("take lost every commit attempt")
	return bucket.Decision{}, fmt.Errorf("%w: key %s contended beyond %d attempts", ErrConflict, key, s.maxAttempts)
}

// Credit implements Store.
func (s *RedisCAS) Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error {
	if tokens <= 0 {
		return nil
	}
	full := s.prefix + key

	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, full).Result()
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

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, full, bucket.EncodeState(st), keyTTL(pol))
				return nil
			})
			return err
		}, full)

		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			if waitErr := s.waitBeforeRetry(ctx, key, attempt); waitErr != nil {
				return waitErr
			}
		default:
			return fmt.Errorf("%w: credit for key %s: %v", ErrUnavailable, key, err)
		}
	}

	return fmt.Errorf("%w: credit for key %s contended beyond %d attempts", ErrConflict, key, s.maxAttempts)
}

// Close implements Store. The client is owned by the caller.
func (s *RedisCAS) Close() error {
	return nil
}

// fetchState reads and decodes the watched key. A missing key is a fresh,
// full bucket. An undecodable value is replaced by a fresh bucket rather
// than wedging the key forever.
func (s *RedisCAS) fetchState(ctx context.Context, tx *redis.Tx, fullKey string, pol policy.Policy, now time.Time) (bucket.State, error) {
	raw, err := tx.Get(ctx, fullKey).Result()
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

func (s *RedisCAS) waitBeforeRetry(ctx context.Context, key string, attempt int) error {
	wait := jitteredBackoff(s.backoff, attempt)
	log.Debug().Str("key", key).Int("attempt", attempt+1).Dur("backoff", wait).Msg("commit conflict, retrying cycle")

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
	case <-time.After(wait):
		return nil
	}
}
