package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (Counter, error) {
	return Counter{}, errors.New("store down")
}

func newRedisStore(t *testing.T) (*RedisCounterStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounterStore(client), mr
}

func TestRateLimitService_IsRateLimited(t *testing.T) {
	ctx := context.Background()

	stores := map[string]func(t *testing.T) CounterStore{
		"memory": func(t *testing.T) CounterStore { return NewMemoryCounterStore() },
		"redis": func(t *testing.T) CounterStore {
			store, _ := newRedisStore(t)
			return store
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			svc := NewRateLimitService(newStore(t), Config{Enabled: true}, zap.NewNop())

			for i := 1; i <= 3; i++ {
				assert.False(t, svc.IsRateLimited(ctx, "k", 3, time.Minute), "request %d", i)
			}
			assert.True(t, svc.IsRateLimited(ctx, "k", 3, time.Minute))
			assert.True(t, svc.IsRateLimited(ctx, "k", 3, time.Minute))

			// Keys are independent
			assert.False(t, svc.IsRateLimited(ctx, "other", 3, time.Minute))
		})
	}
}

func TestRateLimitService_WindowResets(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store := NewMemoryCounterStore()
		now := time.Unix(1700000000, 0)
		store.now = func() time.Time { return now }
		svc := NewRateLimitService(store, Config{Enabled: true}, zap.NewNop())

		assert.False(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))
		assert.True(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))

		now = now.Add(61 * time.Second)
		assert.False(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))
	})

	t.Run("redis", func(t *testing.T) {
		store, mr := newRedisStore(t)
		svc := NewRateLimitService(store, Config{Enabled: true}, zap.NewNop())

		assert.False(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))
		assert.True(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))

		mr.FastForward(61 * time.Second)
		assert.False(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))
	})
}

func TestRedisCounterStore_ExpirySetOnFirstIncrement(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	counter, err := store.Incr(ctx, "rate:a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counter.Count)
	assert.Equal(t, 30*time.Second, mr.TTL("rate:a"))

	mr.FastForward(10 * time.Second)
	counter, err = store.Incr(ctx, "rate:a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counter.Count)

	// Second increment does not extend the window
	assert.Equal(t, 20*time.Second, mr.TTL("rate:a"))
}

func TestRedisCounterStore_RearmsLostExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	require.NoError(t, mr.Set("rate:b", "5"))

	counter, err := store.Incr(ctx, "rate:b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(6), counter.Count)
	assert.Equal(t, time.Minute, mr.TTL("rate:b"))
}

func TestRateLimitService_FailsOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("store error", func(t *testing.T) {
		svc := NewRateLimitService(failingStore{}, Config{Enabled: true}, zap.NewNop())
		for i := 0; i < 5; i++ {
			assert.False(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		t.Cleanup(func() { _ = client.Close() })
		mr.Close()

		svc := NewRateLimitService(NewRedisCounterStore(client), Config{Enabled: true}, zap.NewNop())
		assert.False(t, svc.IsRateLimited(ctx, "k", 0, time.Minute))
	})
}

func TestRateLimitService_Disabled(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounterStore()
	svc := NewRateLimitService(store, Config{Enabled: false}, zap.NewNop())

	for i := 0; i < 5; i++ {
		assert.False(t, svc.IsRateLimited(ctx, "k", 1, time.Minute))
	}
	assert.Equal(t, 0, store.Len())
}

func TestRateLimitService_Check(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounterStore()
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	svc := NewRateLimitService(store, Config{Enabled: true, MaxRequests: 2, Window: time.Minute}, zap.NewNop())

	first := svc.Check(ctx, "client-a")
	assert.False(t, first.Limited)
	assert.Equal(t, 2, first.Limit)
	assert.Equal(t, 1, first.Remaining)
	assert.Equal(t, now.Add(time.Minute), first.ResetAt)

	second := svc.Check(ctx, "client-a")
	assert.False(t, second.Limited)
	assert.Equal(t, 0, second.Remaining)

	third := svc.Check(ctx, "client-a")
	assert.True(t, third.Limited)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, time.Minute, third.RetryAfter(now))
	assert.Equal(t, time.Second, third.RetryAfter(now.Add(2*time.Minute)))

	// Stored under the rate: prefix
	_, err := store.Incr(ctx, "rate:client-a", time.Minute)
	require.NoError(t, err)
}

func TestNewRateLimitService_Defaults(t *testing.T) {
	svc := NewRateLimitService(NewMemoryCounterStore(), Config{Enabled: true}, zap.NewNop())
	assert.Equal(t, 100, svc.config.MaxRequests)
	assert.Equal(t, 60*time.Second, svc.config.Window)
	assert.True(t, svc.Enabled())

	assert.False(t, NewRateLimitService(nil, Config{Enabled: true}, zap.NewNop()).Enabled())
}

func TestMemoryCounterStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounterStore()
	now := time.Unix(1700000000, 0)
	store.now = func() time.Time { return now }

	_, _ = store.Incr(ctx, "a", time.Second)
	_, _ = store.Incr(ctx, "b", time.Hour)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, store.CleanupExpired())
	assert.Equal(t, 1, store.Len())
}

func TestMemoryCounterStore_CleanupWorkerStops(t *testing.T) {
	store := NewMemoryCounterStore()
	_, _ = store.Incr(context.Background(), "a", 5*time.Millisecond)

	stopCh := make(chan struct{})
	done := make(chan struct{})
	go func() {
		store.StartCleanupWorker(5*time.Millisecond, stopCh)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	close(stopCh)
	<-done
}

func TestMemoryCounterStore_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCounterStore()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.Incr(ctx, "shared", time.Minute)
		}()
	}
	wg.Wait()

	counter, err := store.Incr(ctx, "shared", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(101), counter.Count)
}
