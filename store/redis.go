package store

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gatelink/throttle/bucket"
	"github.com/gatelink/throttle/policy"
)

//go:embed take.lua
var takeScriptSource string

//go:embed credit.lua
var creditScriptSource string

var (
	takeScript   = redis.NewScript(takeScriptSource)
	creditScript = redis.NewScript(creditScriptSource)
)

// Redis implements Store with server-side Lua scripts: the whole
// fetch-refill-consume-commit cycle runs inside Redis, so it is atomic per
// key without any client-side locking or retries. This is the default
// backend for multi-instance deployments.
type Redis struct {
	client redis.Cmdable // Cmdable for ClusterClient / SentinelClient compatibility
	prefix string
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the key namespace. Default is Namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewRedis creates a script-based Redis store. It expects a pre-configured
// redis.Cmdable (e.g. redis.Client or redis.ClusterClient); the scripts are
// sent with EVALSHA and re-sent transparently on NOSCRIPT.
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	s := &Redis{
		client: client,
		prefix: Namespace,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Take implements Store.
func (s *Redis) Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error) {
	now := float64(time.Now().UnixNano()) / 1e9

	keys := []string{s.prefix + key}
	args := []any{
		float64(pol.Capacity),
		pol.RatePerSecond(),
		now,
		cost,
		keyTTL(pol).Milliseconds(),
	}

	result, err := takeScript.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		log.Error().Err(err).Str("key", key).Str("policy", pol.Name).Msg("take script failed")
		return bucket.Decision{}, fmt.Errorf("%w: take for key %s: %v", ErrUnavailable, key, err)
	}

	return parseTakeReply(key, result)
}

// Credit implements Store.
func (s *Redis) Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error {
	if tokens <= 0 {
		return nil
	}

	keys := []string{s.prefix + key}
	args := []any{
		float64(pol.Capacity),
		tokens,
		keyTTL(pol).Milliseconds(),
	}

	if err := creditScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Str("policy", pol.Name).Msg("credit script failed")
		return fmt.Errorf("%w: credit for key %s: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Close implements Store. The client is owned by the caller.
func (s *Redis) Close() error {
	return nil
}

// parseTakeReply converts the script reply {allowed, remaining, retry_after}
// into a Decision. Remaining and retry_after come back as strings to keep
// their fractional precision across the Lua boundary.
func parseTakeReply(key string, result any) (bucket.Decision, error) {
	values, ok := result.([]any)
	if !ok || len(values) != 3 {
		return bucket.Decision{}, fmt.Errorf("%w: unexpected take reply for key %s: %T", ErrUnavailable, key, result)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return bucket.Decision{}, fmt.Errorf("%w: unexpected allowed flag for key %s: %T", ErrUnavailable, key, values[0])
	}
	remaining, err := replyFloat(values[1])
	if err != nil {
		return bucket.Decision{}, fmt.Errorf("%w: bad remaining for key %s: %v", ErrUnavailable, key, err)
	}
	retryAfter, err := replyFloat(values[2])
	if err != nil {
		return bucket.Decision{}, fmt.Errorf("%w: bad retry_after for key %s: %v", ErrUnavailable, key, err)
	}

	return bucket.Decision{
		Allowed:    allowed == 1,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfter * float64(time.Second)),
	}, nil
}

func replyFloat(v any) (float64, error) {
	switch t := v.(type) {
	case string:
		return strconv.ParseFloat(t, 64)
	case int64:
		return float64(t), nil
	case float64:
		return t, nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}
