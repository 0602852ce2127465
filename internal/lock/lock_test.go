package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_Exclusive(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := l.Acquire(ctx, "primary-1", time.Second)
			require.NoError(t, err)
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxSeen)
				if n <= m || atomic.CompareAndSwapInt32(&maxSeen, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			assert.NoError(t, lease.Release(ctx))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxSeen)
	assert.Empty(t, l.sems, "entries are dropped once unused")
}

func TestLocalLocker_IndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	a, err := l.Acquire(ctx, "a", 0)
	require.NoError(t, err)
	b, err := l.Acquire(ctx, "b", 0)
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestLocalLocker_ContextTimeout(t *testing.T) {
	l := NewLocalLocker()
	held, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAcquired))

	require.NoError(t, held.Release(context.Background()))
	assert.ErrorIs(t, held.Release(context.Background()), ErrNotHeld)
}

type failingLocker struct{}

func (failingLocker) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return nil, ErrNotAcquired
}

func TestMulti_UnwindsOnFailure(t *testing.T) {
	local := NewLocalLocker()
	m := Multi{local, failingLocker{}}

	_, err := m.Acquire(context.Background(), "k", time.Second)
	require.Error(t, err)

	// The local lock must have been released during unwind.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	lease, err := local.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	require.NoError(t, lease.Release(ctx))
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("LEADS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEADS_TEST_REDIS_ADDR not set, skipping")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() }) //nolint:errcheck

	var cmd redis.Cmdable = rdb
	l := NewRedisLocker(cmd, "lead-dedupe-test:")

	lease, err := l.Acquire(ctx, "p1", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(short, "p1", 5*time.Second)
	assert.ErrorIs(t, err, ErrNotAcquired)

	require.NoError(t, lease.Release(ctx))
	assert.ErrorIs(t, lease.Release(ctx), ErrNotHeld)
}
