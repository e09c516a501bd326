package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	var nilLimiter *Limiter
	ok, _, err := nilLimiter.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	l := New(nil, 10, nil)
	assert.False(t, l.Enabled())
	ok, _, err = l.Allow(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
			Labels:       map[string]string{"test": "levergame-ratelimit"},
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestLimiter_FixedWindow(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	l := New(client, 3, nil)
	now := time.Date(2024, 6, 10, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _, err := l.Allow(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, retryAfter, err := l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 50*time.Second, retryAfter)

	ok, _, err = l.Allow(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _, err = l.Allow(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ok, "a new window starts fresh")
}
