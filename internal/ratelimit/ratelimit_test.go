package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockerIsExclusive(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(lockKeyPrefix+"sweep"))

	_, ok, err = locker.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "sweep", "someone-else"))
	assert.True(t, mr.Exists(lockKeyPrefix+"sweep"))

	require.NoError(t, locker.Release(ctx, "sweep", token))
	assert.False(t, mr.Exists(lockKeyPrefix+"sweep"))
}

func TestLockerExpires(t *testing.T) {
	mr, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)
	_, ok, err = locker.TryLock(ctx, "sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithLock(t *testing.T) {
	_, client := setupRedis(t)
	locker := NewLocker(client)
	ctx := context.Background()

	ran := 0
	ok, err := locker.WithLock(ctx, "job", time.Minute, func(ctx context.Context) error {
		nested, err := locker.WithLock(ctx, "job", time.Minute, func(context.Context) error {
			ran += 10
			return nil
		})
		assert.False(t, nested)
		ran++
		return err
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, ran)

	ok, err = locker.WithLock(ctx, "job", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilLocker(t *testing.T) {
	var locker *Locker
	assert.Nil(t, NewLocker(nil))
	_, _, err := locker.TryLock(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "x", "t"))
}

func TestTokenBucket(t *testing.T) {
	_, client := setupRedis(t)
	bucket := NewTokenBucket(client)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := bucket.Allow(ctx, "k", 0.001, 2)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := bucket.Allow(ctx, "k", 0.001, 2)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	d, err = bucket.Allow(ctx, "other", 0.001, 2)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = bucket.Allow(ctx, "", 1, 1)
	assert.Error(t, err)
}

func TestPollThrottleLocal(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Config{Poll: config.PollConfig{RatePerSecond: 0.5, Burst: 2}}
	throttle := NewPollThrottle(cfg, nil, clk, zap.NewNop())
	ctx := context.Background()

	assert.True(t, throttle.Allow(ctx, "job-1"))
	assert.True(t, throttle.Allow(ctx, "job-1"))
	assert.False(t, throttle.Allow(ctx, "job-1"))
	assert.True(t, throttle.Allow(ctx, "job-2"))

	clk.Advance(2 * time.Second)
	assert.True(t, throttle.Allow(ctx, "job-1"))
	assert.False(t, throttle.Allow(ctx, "job-1"))

	clk.Advance(time.Hour)
	throttle.Allow(ctx, "job-3")
	assert.Equal(t, 1, throttle.local.Len())
	_, kept := throttle.local.Get("job-2")
	assert.False(t, kept)
}

func TestPollThrottleShared(t *testing.T) {
	_, client := setupRedis(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := config.Config{Poll: config.PollConfig{RatePerSecond: 0.001, Burst: 1}}
	a := NewPollThrottle(cfg, client, clk, zap.NewNop())
	b := NewPollThrottle(cfg, client, clk, zap.NewNop())
	ctx := context.Background()

	assert.True(t, a.Allow(ctx, "job-1"))
	assert.False(t, b.Allow(ctx, "job-1"))
}
