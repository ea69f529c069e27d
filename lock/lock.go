// Package lock provides a single-node Redis lock used to serialize
// read-modify-write cycles on one bucket key. Each acquisition writes a
// unique fencing value, and unlock deletes the key only if that value still
// matches, so an expired lock re-acquired by another instance is never
// released by the original holder.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	// defaultTTL bounds how long a crashed holder can block a key. It only
	// needs to cover one update cycle, so it stays short.
	defaultTTL = 1 * time.Second
	// defaultRetryDelay is the wait between acquisition attempts in Acquire.
	defaultRetryDelay = 10 * time.Millisecond
	// defaultMaxRetries bounds Acquire; context deadlines usually fire first.
	defaultMaxRetries = 50
)

var (
	// ErrNotAcquired is returned when TryAcquire finds the lock held.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrNotHeld is returned when Release finds the lock expired or owned
	// by another holder.
	ErrNotHeld = errors.New("lock: not held")
	// ErrWaitExhausted is returned when Acquire runs out of retries or its
	// context expires.
	ErrWaitExhausted = errors.New("lock: gave up waiting")
)

// releaseScript deletes the key only if the fencing value matches.
// KEYS[1]: lock key, ARGV[1]: fencing value. Returns 1 if deleted.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Lock guards one resource key. A Lock value is not safe for concurrent
// use; create one per acquisition.
type Lock struct {
	client     redis.Cmdable
	key        string
	value      string // fencing value, set while held
	ttl        time.Duration
	retryDelay time.Duration
	maxRetries int
}

// Option configures a Lock.
type Option func(*Lock)

// WithTTL sets the lock expiry. Default 1s.
func WithTTL(ttl time.Duration) Option {
	return func(l *Lock) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithRetryDelay sets the wait between Acquire attempts. Default 10ms.
func WithRetryDelay(delay time.Duration) Option {
	return func(l *Lock) {
		if delay > 0 {
			l.retryDelay = delay
		}
	}
}

// WithMaxRetries bounds Acquire attempts. Default 50.
func WithMaxRetries(retries int) Option {
	return func(l *Lock) {
		if retries > 0 {
			l.maxRetries = retries
		}
	}
}

// New creates a lock for the given resource key.
func New(client redis.Cmdable, key string, opts ...Option) *Lock {
	l := &Lock{
		client:     client,
		key:        key,
		ttl:        defaultTTL,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire attempts to take the lock without waiting. Returns
// ErrNotAcquired if it is held elsewhere.
func (l *Lock) TryAcquire(ctx context.Context) error {
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		log.Error().Err(err).Str("key", l.key).Msg("setnx failed")
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	l.value = value
	return nil
}

// Acquire takes the lock, retrying until it succeeds, the context expires,
// or the retry budget runs out.
func (l *Lock) Acquire(ctx context.Context) error {
	err := l.TryAcquire(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotAcquired) {
		return err
	}

	ticker := time.NewTicker(l.retryDelay)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			log.Debug().Str("key", l.key).Int("attempts", attempt).Msg("context expired waiting for lock")
			return ErrWaitExhausted
		case <-ticker.C:
			err := l.TryAcquire(ctx)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrNotAcquired) {
				return err
			}
			if attempt >= l.maxRetries {
				log.Warn().Str("key", l.key).Int("attempts", attempt).Msg("lock retry budget exhausted")
				return ErrWaitExhausted
			}
		}
	}
}

// Release frees the lock if this instance still holds it.
func (l *Lock) Release(ctx context.Context) error {
	if l.value == "" {
		return ErrNotHeld
	}
	value := l.value
	l.value = ""

	res, err := l.client.Eval(ctx, releaseScript, []string{l.key}, value).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// key already expired, nothing left to release
			return nil
		}
		log.Error().Err(err).Str("key", l.key).Msg("release script failed")
		return err
	}

	if deleted, ok := res.(int64); !ok || deleted != 1 {
		log.Warn().Str("key", l.key).Msg("lock expired or taken over before release")
		return ErrNotHeld
	}
	return nil
}
