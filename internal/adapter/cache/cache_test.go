package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisCache_RefreshAndGet(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	c := NewRedisCache(client, time.Minute)

	_, err := c.Get(ctx, "p-worker")
	assert.ErrorIs(t, err, ErrMiss)

	info := &TenantInfo{ProjectID: "p1", WorkerName: "p-worker", DatabaseID: "db-1", Tier: "free", Status: "active", DeploymentID: "d1"}
	require.NoError(t, c.Refresh(ctx, info))

	got, err := c.Get(ctx, "p-worker")
	require.NoError(t, err)
	assert.Equal(t, "db-1", got.DatabaseID)
	assert.Equal(t, "d1", got.DeploymentID)

	mr.FastForward(2 * time.Minute)
	_, err = c.Get(ctx, "p-worker")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)

	release, ok, err := l.Acquire(ctx, "deploy:p1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "deploy:p1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire must be rejected while held")

	_, ok, err = l.Acquire(ctx, "deploy:p2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	release()
	_, ok, err = l.Acquire(ctx, "deploy:p1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("lock:deploy:p1"))
}
