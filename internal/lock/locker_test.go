package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runExclusive(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "patient-1", time.Second)
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			require.NoError(t, unlock(ctx))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	km := NewKeyedMutex()
	runExclusive(t, km)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	a, err := km.Lock(ctx, "a", 0)
	require.NoError(t, err)
	b, err := km.Lock(ctx, "b", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, km.Len())

	require.NoError(t, a(ctx))
	require.NoError(t, a(ctx), "unlock is idempotent")
	require.NoError(t, b(ctx))
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	held, err := km.Lock(context.Background(), "k", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k", 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, held(context.Background()))
	assert.Equal(t, 0, km.Len())
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLocker(client, "karflow:"), mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l, _ := newRedisLocker(t)
	runExclusive(t, l)
}

func TestRedisLocker_UnlockReleasesKey(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("karflow:lock:k"))

	require.NoError(t, unlock(ctx))
	assert.False(t, mr.Exists("karflow:lock:k"))
}

func TestRedisLocker_StaleUnlockKeepsNewOwner(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	stale, err := l.Lock(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Lock(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale(ctx))
	assert.True(t, mr.Exists("karflow:lock:k"), "expired holder must not release the new owner's lock")
	require.NoError(t, fresh(ctx))
}

func TestRedisLocker_Timeout(t *testing.T) {
	l, _ := newRedisLocker(t)
	_, err := l.Lock(context.Background(), "k", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_RejectsZeroTTL(t *testing.T) {
	l, _ := newRedisLocker(t)
	_, err := l.Lock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrLockAcquire)
}
