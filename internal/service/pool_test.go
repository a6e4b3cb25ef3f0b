package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// slowRefresh tracks how many refreshes run at once.
type slowRefresh struct {
	inFlight    int32
	maxInFlight int32
	delay       time.Duration
}

func (s *slowRefresh) refresh(ctx context.Context, symbol string) RefreshResult {
	n := atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&s.maxInFlight)
		if n <= seen || atomic.CompareAndSwapInt32(&s.maxInFlight, seen, n) {
			break
		}
	}

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return RefreshResult{Symbol: symbol, Err: ctx.Err()}
	}
	if symbol == "FAIL" {
		return RefreshResult{Symbol: symbol, Err: errors.New("refresh failed")}
	}
	return RefreshResult{Symbol: symbol, Trades: len(symbol)}
}

func startPool(t *testing.T, workers int, limiter *rate.Limiter, fn RefreshFunc) *WorkerPool {
	t.Helper()
	pool := NewWorkerPool(workers, limiter, fn, nil)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return pool
}

func TestWorkerPool_RefreshAll(t *testing.T) {
	sr := &slowRefresh{delay: 20 * time.Millisecond}
	pool := startPool(t, 3, nil, sr.refresh)

	symbols := []string{"A", "BB", "CCC", "FAIL", "EEEEE", "FFFFFF", "G"}
	results := pool.RefreshAll(context.Background(), symbols, false)

	require.Len(t, results, len(symbols))
	for i, r := range results {
		assert.Equal(t, symbols[i], r.Symbol, "results keep submission order")
		if r.Symbol == "FAIL" {
			assert.Error(t, r.Err)
			continue
		}
		assert.NoError(t, r.Err)
		assert.Equal(t, len(r.Symbol), r.Trades)
	}

	assert.LessOrEqual(t, atomic.LoadInt32(&sr.maxInFlight), int32(3))
	assert.Greater(t, atomic.LoadInt32(&sr.maxInFlight), int32(1), "workers run concurrently")

	stats := pool.GetStats()
	assert.Equal(t, int64(6), stats.CompletedJobs)
	assert.Equal(t, int64(1), stats.FailedJobs)
	assert.Equal(t, 3, stats.ActiveWorkers)
	assert.Zero(t, stats.QueuedJobs)
	assert.Greater(t, stats.AvgJobDuration, time.Duration(0))
}

func TestWorkerPool_RateLimited(t *testing.T) {
	sr := &slowRefresh{}
	// One token up front, then one every 30ms.
	pool := startPool(t, 4, rate.NewLimiter(rate.Every(30*time.Millisecond), 1), sr.refresh)

	start := time.Now()
	results := pool.RefreshAll(context.Background(), []string{"A", "B", "C"}, false)
	elapsed := time.Since(start)

	for _, r := range results {
		assert.NoError(t, r.Err)
	}
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestWorkerPool_Lifecycle(t *testing.T) {
	sr := &slowRefresh{}
	pool := NewWorkerPool(0, nil, sr.refresh, nil)

	var got RefreshResult
	pool.Submit(context.Background(), &RefreshJob{Symbol: "A"}, func(r RefreshResult) { got = r })
	assert.ErrorContains(t, got.Err, "not running")

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.Error(t, pool.Start(ctx), "double start")
	assert.Equal(t, 1, pool.GetStats().ActiveWorkers, "worker count is at least one")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(stopCtx))
	assert.Error(t, pool.Stop(stopCtx), "double stop")
	assert.Zero(t, pool.GetStats().ActiveWorkers)

	results := pool.RefreshAll(ctx, []string{"A", "B"}, false)
	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestWorkerPool_CanceledContext(t *testing.T) {
	sr := &slowRefresh{delay: time.Second}
	pool := startPool(t, 1, nil, sr.refresh)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	var results []RefreshResult
	go func() {
		defer wg.Done()
		results = pool.RefreshAll(ctx, []string{"A", "B", "C", "D", "E", "F"}, false)
	}()
	wg.Wait()

	require.Len(t, results, 6)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
	}
}
