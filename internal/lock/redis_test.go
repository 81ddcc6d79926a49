package lock

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
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return mr, client
}

func TestRedisLock_Exclusive(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	a, b := NewRedisLock(client), NewRedisLock(client)
	require.NotEqual(t, a.owner, b.owner)

	ok, err := a.TryAcquire(ctx, "store", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, "store", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not acquire a held lock")

	require.NoError(t, a.Release(ctx, "store"))
	ok, err = b.TryAcquire(ctx, "store", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseByNonOwnerIsNoop(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	a, b := NewRedisLock(client), NewRedisLock(client)

	ok, err := a.TryAcquire(ctx, "store", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.Release(ctx, "store"))
	assert.True(t, mr.Exists(keyPrefix+"store"), "foreign release must not delete the key")
}

func TestRedisLock_Expires(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	a, b := NewRedisLock(client), NewRedisLock(client)

	ok, err := a.TryAcquire(ctx, "store", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.TryAcquire(ctx, "store", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "an expired lock must be acquirable")
}

func TestDial(t *testing.T) {
	mr, _ := newTestRedis(t)
	l, err := Dial(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	defer l.Close()
	assert.NoError(t, l.Ping(context.Background()))

	_, err = Dial(context.Background(), "127.0.0.1:1", "")
	assert.Error(t, err)
}
