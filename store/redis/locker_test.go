package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nylta/bulk-filing/filing"
	"github.com/nylta/bulk-filing/store/redis"
)

func newLocker(t *testing.T) (*redis.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewWithClient(client, "test:"), mr
}

func TestLocker_ExclusiveUntilUnlocked(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	unlock, err := l.Lock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:key-1"))

	_, err = l.Lock(ctx, "key-1", time.Minute)
	assert.ErrorIs(t, err, filing.ErrIntentInFlight)

	other, err := l.Lock(ctx, "key-2", time.Minute)
	require.NoError(t, err, "different keys do not contend")
	require.NoError(t, other(ctx))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("test:key-1"))

	again, err := l.Lock(ctx, "key-1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
}

func TestLocker_ExpiredLockIsNotStolenBack(t *testing.T) {
	// GIVEN: A lock whose TTL ran out and was taken by a second holder
	// WHEN: The first holder unlocks late
	// THEN: The second holder's lock survives

	ctx := context.Background()
	l, mr := newLocker(t)

	first, err := l.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	second, err := l.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, first(ctx))
	assert.True(t, mr.Exists("test:k"), "late unlock must not release someone else's lock")
	require.NoError(t, second(ctx))
}

func TestLocker_DownIsExternalError(t *testing.T) {
	l, mr := newLocker(t)
	mr.Close()

	_, err := l.Lock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, filing.ErrExternalService)
	assert.Error(t, l.Ping(context.Background()))
}
