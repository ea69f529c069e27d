package lock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping integration test: redis not available (%v)", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func testKey(name string) string {
	return fmt.Sprintf("throttle:lock:test:%s:%d", name, time.Now().UnixNano())
}

func TestLock_TryAcquireAndRelease(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := testKey("basic")

	first := New(client, key)
	require.NoError(t, first.TryAcquire(ctx))

	second := New(client, key)
	assert.ErrorIs(t, second.TryAcquire(ctx), ErrNotAcquired)

	require.NoError(t, first.Release(ctx))
	assert.NoError(t, second.TryAcquire(ctx))
	_ = second.Release(ctx)
}

func TestLock_AcquireWaitsForHolder(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := testKey("wait")

	holder := New(client, key)
	require.NoError(t, holder.TryAcquire(ctx))

	released := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Release(ctx)
		close(released)
	}()

	waiter := New(client, key, WithRetryDelay(5*time.Millisecond))
	require.NoError(t, waiter.Acquire(ctx))
	<-released
	_ = waiter.Release(ctx)
}

func TestLock_AcquireGivesUpOnContext(t *testing.T) {
	client := redisClient(t)
	key := testKey("ctx")

	holder := New(client, key)
	require.NoError(t, holder.TryAcquire(context.Background()))
	defer holder.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	waiter := New(client, key, WithRetryDelay(10*time.Millisecond))
	assert.ErrorIs(t, waiter.Acquire(ctx), ErrWaitExhausted)
}

func TestLock_ReleaseWithoutHolding(t *testing.T) {
	client := redisClient(t)

	l := New(client, testKey("nothold"))
	assert.ErrorIs(t, l.Release(context.Background()), ErrNotHeld)
}

func TestLock_ExpiredLockNotReleasedByOldHolder(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	key := testKey("expire")

	old := New(client, key, WithTTL(50*time.Millisecond))
	require.NoError(t, old.TryAcquire(ctx))
	time.Sleep(100 * time.Millisecond)

	// lock expired and was re-acquired by someone else
	next := New(client, key)
	require.NoError(t, next.TryAcquire(ctx))
	defer next.Release(ctx)

	assert.ErrorIs(t, old.Release(ctx), ErrNotHeld)
}
