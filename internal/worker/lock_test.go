package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = l.Acquire(ctx, "other", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
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
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client, err := NewRedisClient("redis://" + endpoint)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(client)
	b := NewRedisLocker(client)

	release, ok, err := a.Acquire(ctx, lockKey, 200*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.Acquire(ctx, lockKey, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// after expiry another holder takes over and the stale release is a no-op
	time.Sleep(300 * time.Millisecond)
	releaseB, ok, err := b.Acquire(ctx, lockKey, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, release(ctx))
	_, ok, err = a.Acquire(ctx, lockKey, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, releaseB(ctx))
	_, ok, err = a.Acquire(ctx, lockKey, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
