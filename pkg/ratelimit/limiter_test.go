package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test")
}

func stores(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(0),
		"redis":  newRedisStore(t),
	}
}

func TestLimiterWindowing(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
			limiter := NewLimiter(store, WithClock(clock.Now))
			ctx := context.Background()
			window := 60000 * time.Millisecond

			prev := 10
			for i := 0; i < 10; i++ {
				d, err := limiter.Check(ctx, "K", window, 10)
				require.NoError(t, err)
				assert.True(t, d.Allowed, "call %d", i+1)
				assert.Less(t, d.Remaining, prev)
				prev = d.Remaining
				clock.Advance(time.Second)
			}
			assert.Equal(t, 0, prev)

			// 10s after the first call the oldest timestamp leaves in 50s
			d, err := limiter.Check(ctx, "K", window, 10)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)
			assert.InDelta(t, (50 * time.Second).Seconds(), d.RetryAfter.Seconds(), 0.01)

			clock.Advance(50*time.Second + time.Millisecond)
			d, err = limiter.Check(ctx, "K", window, 10)
			require.NoError(t, err)
			assert.True(t, d.Allowed)

			// other keys are independent
			d, err = limiter.Check(ctx, "other", window, 10)
			require.NoError(t, err)
			assert.Equal(t, 9, d.Remaining)
		})
	}
}

func TestLimiterRetryAfterFloor(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			clock := &testClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
			limiter := NewLimiter(store, WithClock(clock.Now))
			ctx := context.Background()

			_, err := limiter.Check(ctx, "K", time.Second, 1)
			require.NoError(t, err)
			clock.Advance(time.Second - 10*time.Millisecond)

			d, err := limiter.Check(ctx, "K", time.Second, 1)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, MinRetryAfter, d.RetryAfter)
		})
	}
}

func TestLimiterRejectsInvalidArguments(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(10))
	ctx := context.Background()

	_, err := limiter.Check(ctx, "", time.Second, 1)
	assert.Error(t, err)
	_, err = limiter.Check(ctx, "K", 0, 1)
	assert.Error(t, err)
	_, err = limiter.Check(ctx, "K", time.Second, 0)
	assert.Error(t, err)
}

func TestLimiterConcurrentCallsNeverExceedMax(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(0))
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(ctx, "K", time.Minute, 25)
			if !assert.NoError(t, err) {
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 25, allowed)
}

func TestMemoryStoreCompact(t *testing.T) {
	store := NewMemoryStore(0)
	clock := &testClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	limiter := NewLimiter(store, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := limiter.Check(ctx, fmt.Sprintf("idle-%d", i), time.Minute, 10)
		require.NoError(t, err)
	}
	clock.Advance(10 * time.Minute)
	_, err := limiter.Check(ctx, "busy", time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, store.Len())

	removed, err := limiter.Compact(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Equal(t, 1, store.Len())

	// a compacted key starts a fresh window
	d, err := limiter.Check(ctx, "idle-0", time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 9, d.Remaining)
}

func TestMemoryStoreEvictsLeastRecentlyUsed(t *testing.T) {
	store := NewMemoryStore(2)
	limiter := NewLimiter(store)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		_, err := limiter.Check(ctx, k, time.Minute, 1)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.Len())

	// "a" was evicted so its window starts over
	d, err := limiter.Check(ctx, "a", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestStartCompaction(t *testing.T) {
	store := NewMemoryStore(0)
	limiter := NewLimiter(store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Take(ctx, "old", time.Now().Add(-time.Hour), time.Minute, 5)
	require.NoError(t, err)

	limiter.StartCompaction(ctx, 10*time.Millisecond, time.Minute, nil)
	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRedisStoreReset(t *testing.T) {
	store := newRedisStore(t)
	limiter := NewLimiter(store)
	ctx := context.Background()

	_, err := limiter.Check(ctx, "K", time.Minute, 1)
	require.NoError(t, err)
	d, err := limiter.Check(ctx, "K", time.Minute, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	require.NoError(t, store.Reset(ctx, "K"))
	d, err = limiter.Check(ctx, "K", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, -1, store.Len())
}
