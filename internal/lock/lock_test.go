package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"kasirledger/internal/lock"
)

func newRedisLocker(t *testing.T) (lock.RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.RedisLocker{R: client, Prefix: "till:"}, mr
}

func lockers(t *testing.T) map[string]lock.Locker {
	redisLocker, _ := newRedisLocker(t)
	return map[string]lock.Locker{
		"local": lock.NewLocalLocker(),
		"redis": redisLocker,
	}
}

func TestTryLockRejectsSecondHolder(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, err := l.TryLock(ctx, "T1", time.Second)
			require.NoError(t, err)

			_, err = l.TryLock(ctx, "T1", time.Second)
			require.ErrorIs(t, err, lock.ErrHeld)

			other, err := l.TryLock(ctx, "T2", time.Second)
			require.NoError(t, err)
			other()

			release()
			release()

			again, err := l.TryLock(ctx, "T1", time.Second)
			require.NoError(t, err)
			again()
		})
	}
}

func TestTryLockSingleWinnerUnderContention(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			var wins atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			releases := make(chan func(), 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					release, err := l.TryLock(context.Background(), "busy-till", time.Second)
					if err == nil {
						wins.Add(1)
						releases <- release
					}
				}()
			}
			close(start)
			wg.Wait()
			close(releases)
			for release := range releases {
				release()
			}
			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestRedisLockExpiresAfterTTL(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	staleRelease, err := l.TryLock(ctx, "T9", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, mr.Exists("till:T9"))

	mr.FastForward(100 * time.Millisecond)
	release, err := l.TryLock(ctx, "T9", time.Second)
	require.NoError(t, err)

	// a holder whose ttl lapsed must not delete the new holder's key
	staleRelease()
	require.True(t, mr.Exists("till:T9"))
	release()
	require.False(t, mr.Exists("till:T9"))
}

func TestLocalLockHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lock.NewLocalLocker().TryLock(ctx, "T1", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedisLockerRequiresClient(t *testing.T) {
	_, err := lock.RedisLocker{}.TryLock(context.Background(), "T1", time.Second)
	require.Error(t, err)
}
