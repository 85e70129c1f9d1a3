//go:build integration

package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return endpoint
}

func TestRedisCacheRoundTrip(t *testing.T) {
	addr := setupRedis(t)
	ctx := context.Background()

	cache, err := NewRedisCache(ctx, RedisConfig{Addr: addr, TTL: time.Minute, KeyPrefix: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	_, ok, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	standings := []Standing{{Position: 1, UserID: "u1", Value: 42, JoinedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}}
	require.NoError(t, cache.Set(ctx, "c1", standings))

	got, ok, err := cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, standings, got)

	require.NoError(t, cache.Invalidate(ctx, "c1"))
	_, ok, err = cache.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)
}
