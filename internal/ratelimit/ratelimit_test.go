package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetcharr/fetcharr/internal/ratelimit"
	"github.com/fetcharr/fetcharr/internal/testutil"
)

func TestAcquireWithinCapacityDoesNotBlock(t *testing.T) {
	l := ratelimit.New(map[string]int{"tmdb": 3}, testutil.NopLogger())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx, "tmdb"))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireBlocksWhenExhausted(t *testing.T) {
	l := ratelimit.New(map[string]int{"tmdb": 1}, testutil.NopLogger())
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "tmdb"))

	start := time.Now()
	require.NoError(t, l.Acquire(ctx, "tmdb"))
	// The second caller waits for the next second-boundary refill.
	assert.Greater(t, time.Since(start), 10*time.Millisecond)
}

func TestAcquireRespectsCapacityPerWindow(t *testing.T) {
	const capacity = 4
	l := ratelimit.New(map[string]int{"indexer": capacity}, testutil.NopLogger())
	ctx := context.Background()

	// Warm up: drain the initial allocation.
	for i := 0; i < capacity; i++ {
		require.NoError(t, l.Acquire(ctx, "indexer"))
	}

	var done atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < capacity*3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(ctx, "indexer"); err == nil {
				done.Add(1)
			}
		}()
	}

	// Within a hair over one refill window, at most capacity+1 callers
	// can have been admitted.
	time.Sleep(1050 * time.Millisecond)
	assert.LessOrEqual(t, done.Load(), int64(capacity+1))

	wg.Wait()
	assert.Equal(t, int64(capacity*3), done.Load())
}

func TestAcquireCancellation(t *testing.T) {
	l := ratelimit.New(map[string]int{"slow": 1}, testutil.NopLogger())

	require.NoError(t, l.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Acquire(ctx, "slow")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPenalizeDrainsBucket(t *testing.T) {
	l := ratelimit.New(map[string]int{"api": 10}, testutil.NopLogger())
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "api"))
	l.Penalize("api")

	stats := l.Stats()
	require.Contains(t, stats, "api")
	assert.Equal(t, 0, stats["api"].Tokens)
}

func TestFIFOOrdering(t *testing.T) {
	l := ratelimit.New(map[string]int{"queue": 1}, testutil.NopLogger())
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "queue"))

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			require.NoError(t, l.Acquire(ctx, "queue"))
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}(i)
		// Stagger arrivals so queue order is deterministic.
		time.Sleep(50 * time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestCleanupRemovesIdleBuckets(t *testing.T) {
	l := ratelimit.New(nil, testutil.NopLogger())
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "stale"))
	require.NoError(t, l.Acquire(ctx, "fresh"))

	time.Sleep(50 * time.Millisecond)
	removed := l.Cleanup(10 * time.Millisecond)
	assert.Equal(t, 2, removed)
	assert.Empty(t, l.Stats())
}

func TestUnknownNameGetsDefaultCapacity(t *testing.T) {
	l := ratelimit.New(nil, testutil.NopLogger())
	require.NoError(t, l.Acquire(context.Background(), "mystery"))

	stats := l.Stats()
	require.Contains(t, stats, "mystery")
	assert.Equal(t, ratelimit.DefaultCapacity, stats["mystery"].Capacity)
}
