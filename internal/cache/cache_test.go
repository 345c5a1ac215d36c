package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/reframe/internal/cache"
)

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func TestRedisPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestRedisIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := rc.IncrWithExpiry(ctx, "test:incr", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func TestRedisIncrWithExpiry_Expires(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	_, err := rc.IncrWithExpiry(ctx, "test:expire", 1*time.Second)
	require.NoError(t, err)
	time.Sleep(1500 * time.Millisecond)

	n, err := rc.IncrWithExpiry(ctx, "test:expire", 1*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNewRedisCache_BadURL(t *testing.T) {
	_, err := cache.NewRedisCache("not-a-url://")
	assert.Error(t, err)
}

func TestMemoryCache_IncrWithExpiry(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	n, err := c.IncrWithExpiry(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, _ = c.IncrWithExpiry(ctx, "a", time.Minute)
	assert.Equal(t, int64(2), n)
	n, _ = c.IncrWithExpiry(ctx, "b", time.Minute)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCache_Expires(t *testing.T) {
	c := cache.NewMemoryCache()
	ctx := context.Background()

	_, err := c.IncrWithExpiry(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	n, err := c.IncrWithExpiry(ctx, "k", 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRateLimitKey(t *testing.T) {
	assert.Equal(t, "reframe:ratelimit:10.0.0.1:42", cache.RateLimitKey("10.0.0.1", 42))
	assert.NotEqual(t, cache.RateLimitKey("a", 1), cache.RateLimitKey("a", 2))
}
