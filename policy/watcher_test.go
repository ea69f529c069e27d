package policy

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

func TestWatcher_Integration(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	channel := fmt.Sprintf("throttle:policy:test:%d", time.Now().UnixNano())

	reg, err := NewRegistry(validTable())
	require.NoError(t, err)

	w, err := Watch(ctx, client, reg, channel)
	require.NoError(t, err)
	defer w.Close()

	next := validTable()
	next.Categories["upload"] = []Policy{
		{Name: "upload", Capacity: 7, RefillTokens: 7, RefillPeriod: time.Minute},
	}
	require.NoError(t, Publish(ctx, client, channel, next))

	require.Eventually(t, func() bool {
		got := reg.Resolve("upload")
		return len(got) == 1 && got[0].Capacity == 7
	}, 5*time.Second, 20*time.Millisecond, "published table should be applied")
}

func TestWatcher_IgnoresInvalidPayload(t *testing.T) {
	client := redisClient(t)
	ctx := context.Background()
	channel := fmt.Sprintf("throttle:policy:test:%d", time.Now().UnixNano())

	reg, err := NewRegistry(validTable())
	require.NoError(t, err)

	w, err := Watch(ctx, client, reg, channel)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, client.Publish(ctx, channel, "not: [valid").Err())

	// give the listener a moment, then confirm the old table survived
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int64(100), reg.Resolve("anything")[0].Capacity)
}

func TestPublish_RejectsInvalidTable(t *testing.T) {
	t.Parallel()

	bad := validTable()
	bad.Default = nil
	err := Publish(context.Background(), nil, "chan", bad)
	assert.ErrorContains(t, err, "invalid policy table")
}
