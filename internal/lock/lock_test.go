package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	locker := NewRedis(client, 30*time.Second)

	release, err := locker.TryLock(ctx, AdminKey(7))
	require.NoError(t, err)
	assert.True(t, mr.Exists("saga:admin:7"))
	assert.Equal(t, 30*time.Second, mr.TTL("saga:admin:7"))

	_, err = locker.TryLock(ctx, AdminKey(7))
	assert.ErrorIs(t, err, ErrHeld)

	other, err := locker.TryLock(ctx, AdminKey(8))
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("saga:admin:7"))

	again, err := locker.TryLock(ctx, AdminKey(7))
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestRedisLockExpires(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	locker := NewRedis(client, time.Second)

	stale, err := locker.TryLock(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.TryLock(ctx, "k")
	require.NoError(t, err)

	// the expired holder must not free the new holder's lock
	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("k"))
	require.NoError(t, fresh(ctx))
	assert.False(t, mr.Exists("k"))
}

func TestRedisLockUnavailable(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	_, err := NewRedis(client, time.Second).TryLock(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrHeld)
}

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	locker := NewLocal(time.Minute)
	locker.now = func() time.Time { return now }

	release, err := locker.TryLock(ctx, "k")
	require.NoError(t, err)
	_, err = locker.TryLock(ctx, "k")
	assert.ErrorIs(t, err, ErrHeld)

	require.NoError(t, release(ctx))
	_, err = locker.TryLock(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = locker.TryLock(ctx, "k")
	assert.NoError(t, err)
}
