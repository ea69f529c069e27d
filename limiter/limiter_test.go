package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatelink/throttle/bucket"
	"github.com/gatelink/throttle/policy"
	"github.com/gatelink/throttle/store"
)

func testRegistry(t *testing.T, table *policy.Table) *policy.Registry {
	t.Helper()
	reg, err := policy.NewRegistry(table)
	require.NoError(t, err)
	return reg
}

func singlePolicyTable() *policy.Table {
	return &policy.Table{
		Default: []policy.Policy{
			{Name: "burst", Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute},
		},
	}
}

func TestTryAcquire_InvalidArguments(t *testing.T) {
	t.Parallel()

	l := New(testRegistry(t, singlePolicyTable()), store.NewMemory())
	defer l.Close()

	_, err := l.TryAcquire(context.Background(), "", "api")
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = l.TryAcquire(context.Background(), "client-1", "api", WithCost(-1))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTryAcquire_ExactlyCapacityAllowed(t *testing.T) {
	t.Parallel()

	l := New(testRegistry(t, singlePolicyTable()), store.NewMemory())
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		dec, err := l.TryAcquire(ctx, "client-1", "api")
		require.NoError(t, err)
		require.True(t, dec.Allowed, "call %d should be allowed", i+1)
		assert.Equal(t, int64(5), dec.Limit)
		assert.InDelta(t, float64(4-i), dec.Remaining, 0.01)
	}

	dec, err := l.TryAcquire(ctx, "client-1", "api")
	require.NoError(t, err)
	assert.False(t, dec.Allowed)
	assert.Equal(t, 12*time.Second, dec.RetryAfter)
	assert.False(t, dec.Degraded)
}

func TestTryAcquire_MultiPolicyAllOrNothing(t *testing.T) {
	t.Parallel()

	polA := policy.Policy{Name: "a", Capacity: 1, RefillTokens: 1, RefillPeriod: time.Hour}
	polB := policy.Policy{Name: "b", Capacity: 1, RefillTokens: 1, RefillPeriod: time.Hour}
	reg := testRegistry(t, &policy.Table{
		Default: []policy.Policy{polA},
		Categories: map[string][]policy.Policy{
			"both":   {polA, polB},
			"a-only": {polA},
			"b-only": {polB},
		},
	})

	l := New(reg, store.NewMemory())
	defer l.Close()
	ctx := context.Background()

	// drain B so the combined check must fail on it
	dec, err := l.TryAcquire(ctx, "client-1", "b-only")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	// A has 1 token, B has 0: the combined check consumes from neither
	dec, err = l.TryAcquire(ctx, "client-1", "both")
	require.NoError(t, err)
	require.False(t, dec.Allowed)

	// A's token must still be there
	dec, err = l.TryAcquire(ctx, "client-1", "a-only")
	require.NoError(t, err)
	assert.True(t, dec.Allowed, "the failed combined check must not have consumed A's token")
}

func TestTryAcquire_MaxRetryAfterAcrossDenials(t *testing.T) {
	t.Parallel()

	fast := policy.Policy{Name: "fast", Capacity: 1, RefillTokens: 1, RefillPeriod: 10 * time.Second}
	slow := policy.Policy{Name: "slow", Capacity: 1, RefillTokens: 1, RefillPeriod: time.Minute}
	reg := testRegistry(t, &policy.Table{
		Default: []policy.Policy{fast},
		Categories: map[string][]policy.Policy{
			"both": {fast, slow},
		},
	})

	l := New(reg, store.NewMemory())
	defer l.Close()
	ctx := context.Background()

	dec, err := l.TryAcquire(ctx, "client-1", "both")
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = l.TryAcquire(ctx, "client-1", "both")
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	assert.Equal(t, time.Minute, dec.RetryAfter, "the slowest denying policy sets the hint")
}

func TestTryAcquire_LimitIsSmallestCapacity(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, &policy.Table{
		Default: []policy.Policy{
			{Name: "burst", Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute},
			{Name: "sustained", Capacity: 100, RefillTokens: 100, RefillPeriod: time.Hour},
		},
	})

	l := New(reg, store.NewMemory())
	defer l.Close()

	dec, err := l.TryAcquire(context.Background(), "client-1", "api")
	require.NoError(t, err)
	assert.Equal(t, int64(5), dec.Limit)
}

// failingStore simulates an unreachable shared store.
type failingStore struct {
	err error
}

func (s failingStore) Take(context.Context, string, policy.Policy, float64) (bucket.Decision, error) {
	return bucket.Decision{}, s.err
}

func (s failingStore) Credit(context.Context, string, policy.Policy, float64) error {
	return s.err
}

func (s failingStore) Close() error { return nil }

func TestTryAcquire_FailClosed(t *testing.T) {
	t.Parallel()

	l := New(testRegistry(t, singlePolicyTable()), failingStore{err: store.ErrUnavailable})
	defer l.Close()

	dec, err := l.TryAcquire(context.Background(), "client-1", "api")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, dec.Allowed)
	assert.True(t, dec.Degraded)
	assert.Equal(t, 1*time.Second, dec.RetryAfter)
}

func TestTryAcquire_FailClosedCustomRetryAfter(t *testing.T) {
	t.Parallel()

	l := New(testRegistry(t, singlePolicyTable()), failingStore{err: store.ErrUnavailable},
		WithDegradedRetryAfter(5*time.Second))
	defer l.Close()

	dec, err := l.TryAcquire(context.Background(), "client-1", "api")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, 5*time.Second, dec.RetryAfter)
}

func TestTryAcquire_FailOpen(t *testing.T) {
	t.Parallel()

	l := New(testRegistry(t, singlePolicyTable()), failingStore{err: store.ErrUnavailable},
		WithFailMode(FailOpen))
	defer l.Close()

	dec, err := l.TryAcquire(context.Background(), "client-1", "api")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Degraded)
}

func TestTryAcquire_FailOpenWithFallbackStillLimits(t *testing.T) {
	t.Parallel()

	reg := testRegistry(t, &policy.Table{
		Default: []policy.Policy{
			{Name: "tiny", Capacity: 1, RefillTokens: 1, RefillPeriod: time.Hour},
		},
	})
	l := New(reg, failingStore{err: store.ErrUnavailable},
		WithFailMode(FailOpen), WithFallback())
	defer l.Close()
	ctx := context.Background()

	dec, err := l.TryAcquire(ctx, "client-1", "api")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, dec.Allowed)
	assert.True(t, dec.Degraded)

	// the local approximation keeps counting while the store is down
	dec, err = l.TryAcquire(ctx, "client-1", "api")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, dec.Allowed)
	assert.True(t, dec.Degraded)
}

func TestTryAcquire_ConflictTreatedAsUnavailable(t *testing.T) {
	t.Parallel()

	l := New(testRegistry(t, singlePolicyTable()), failingStore{err: store.ErrConflict})
	defer l.Close()

	dec, err := l.TryAcquire(context.Background(), "client-1", "api")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, dec.Allowed)
	assert.True(t, dec.Degraded)
}

// partialStore allows takes against one policy and errors on another, to
// exercise rollback on mid-set failures.
type partialStore struct {
	inner    *store.Memory
	failName string
	credited map[string]float64
}

func (s *partialStore) Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error) {
	if pol.Name == s.failName {
		return bucket.Decision{}, store.ErrUnavailable
	}
	return s.inner.Take(ctx, key, pol, cost)
}

func (s *partialStore) Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error {
	s.credited[key] += tokens
	return s.inner.Credit(ctx, key, pol, tokens)
}

func (s *partialStore) Close() error { return nil }

func TestTryAcquire_RollbackOnStoreError(t *testing.T) {
	t.Parallel()

	polA := policy.Policy{Name: "a", Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute}
	polB := policy.Policy{Name: "b", Capacity: 5, RefillTokens: 5, RefillPeriod: time.Minute}
	reg := testRegistry(t, &policy.Table{
		Default: []policy.Policy{polA, polB},
	})

	ps := &partialStore{
		inner:    store.NewMemory(),
		failName: "b",
		credited: make(map[string]float64),
	}
	l := New(reg, ps)
	defer l.Close()

	dec, err := l.TryAcquire(context.Background(), "client-1", "api")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, dec.Degraded)

	keyA := store.BucketKey("client-1", "a")
	assert.InDelta(t, 1.0, ps.credited[keyA], 1e-9, "the token taken from A must be re-credited")
}

func TestTryAcquire_ErrorIsNotConsumption(t *testing.T) {
	t.Parallel()

	// a failed commit must never count as a successful consumption: after
	// the store recovers, the full capacity is still available
	mem := store.NewMemory()
	flaky := &flakyStore{inner: mem, failures: 3}
	l := New(testRegistry(t, singlePolicyTable()), flaky)
	defer l.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.TryAcquire(ctx, "client-1", "api")
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	}

	for i := 0; i < 5; i++ {
		dec, err := l.TryAcquire(ctx, "client-1", "api")
		require.NoError(t, err)
		assert.True(t, dec.Allowed, "call %d after recovery should be allowed", i+1)
	}
}

// flakyStore fails its first N takes, then recovers.
type flakyStore struct {
	inner    *store.Memory
	failures int
}

func (s *flakyStore) Take(ctx context.Context, key string, pol policy.Policy, cost float64) (bucket.Decision, error) {
	if s.failures > 0 {
		s.failures--
		return bucket.Decision{}, store.ErrUnavailable
	}
	return s.inner.Take(ctx, key, pol, cost)
}

func (s *flakyStore) Credit(ctx context.Context, key string, pol policy.Policy, tokens float64) error {
	return s.inner.Credit(ctx, key, pol, tokens)
}

func (s *flakyStore) Close() error { return nil }
