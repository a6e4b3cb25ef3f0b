package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RefreshJob asks a worker to refetch one symbol.
type RefreshJob struct {
	Symbol string
	// Scheduled is true for refreshes issued by the Scheduler.
	Scheduled bool
}

// RefreshFunc performs one refresh.
type RefreshFunc func(ctx context.Context, symbol string) RefreshResult

// WorkerPool refreshes symbols concurrently, pacing requests with a shared
// rate limiter.
type WorkerPool struct {
	workerCount int
	rateLimiter *rate.Limiter
	refresh     RefreshFunc
	logger      *slog.Logger

	jobQueue    chan *jobWrapper
	workerQueue chan chan *jobWrapper
	quit        chan struct{}
	wg          sync.WaitGroup

	stats     poolStats
	isStarted int32
}

type jobWrapper struct {
	job      *RefreshJob
	callback func(RefreshResult)
	ctx      context.Context
}

type worker struct {
	id          int
	workerQueue chan chan *jobWrapper
	jobChannel  chan *jobWrapper
	quit        chan struct{}
	pool        *WorkerPool
}

type poolStats struct {
	activeWorkers int32
	queuedJobs    int32
	completedJobs int64
	failedJobs    int64
	totalJobTime  int64 // nanoseconds
}

// PoolStats is a snapshot of pool activity.
type PoolStats struct {
	ActiveWorkers  int
	QueuedJobs     int
	CompletedJobs  int64
	FailedJobs     int64
	AvgJobDuration time.Duration
}

// NewWorkerPool creates a pool of workerCount workers. A nil rateLimiter
// does not pace requests.
func NewWorkerPool(workerCount int, rateLimiter *rate.Limiter, refresh RefreshFunc, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if rateLimiter == nil {
		rateLimiter = rate.NewLimiter(rate.Inf, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		rateLimiter: rateLimiter,
		refresh:     refresh,
		logger:      logger,
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		workerQueue: make(chan chan *jobWrapper, workerCount),
		quit:        make(chan struct{}),
	}
}

// Start launches the workers and the dispatcher.
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 0, 1) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Debug("starting worker pool", "worker_count", wp.workerCount)

	for i := 0; i < wp.workerCount; i++ {
		w := &worker{
			id:          i + 1,
			workerQueue: wp.workerQueue,
			jobChannel:  make(chan *jobWrapper),
			quit:        wp.quit,
			pool:        wp,
		}
		wp.wg.Add(1)
		go w.start(wp.wg.Done)
		atomic.AddInt32(&wp.stats.activeWorkers, 1)
	}

	wp.wg.Add(1)
	go wp.dispatch()

	return nil
}

// Stop shuts the pool down, waiting for in-flight jobs until ctx expires.
// A stopped pool cannot be restarted.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&wp.isStarted, 1, 2) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.drain()
		wp.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues job. callback is invoked exactly once with the outcome,
// including when ctx ends or the pool shuts down before the job runs.
func (wp *WorkerPool) Submit(ctx context.Context, job *RefreshJob, callback func(RefreshResult)) {
	if atomic.LoadInt32(&wp.isStarted) != 1 {
		callback(RefreshResult{Symbol: job.Symbol, Err: fmt.Errorf("worker pool is not running")})
		return
	}

	atomic.AddInt32(&wp.stats.queuedJobs, 1)
	wrapper := &jobWrapper{job: job, callback: callback, ctx: ctx}

	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		callback(RefreshResult{Symbol: job.Symbol, Err: ctx.Err()})
	case <-wp.quit:
		atomic.AddInt32(&wp.stats.queuedJobs, -1)
		callback(RefreshResult{Symbol: job.Symbol, Err: fmt.Errorf("worker pool is shutting down")})
	}
}

// RefreshAll submits one job per symbol and waits for every result. Results
// are returned in the order of symbols.
func (wp *WorkerPool) RefreshAll(ctx context.Context, symbols []string, scheduled bool) []RefreshResult {
	results := make([]RefreshResult, len(symbols))

	var wg sync.WaitGroup
	for i, symbol := range symbols {
		wg.Add(1)
		wp.Submit(ctx, &RefreshJob{Symbol: symbol, Scheduled: scheduled}, func(r RefreshResult) {
			results[i] = r
			wg.Done()
		})
	}
	wg.Wait()

	return results
}

// GetStats returns current pool statistics.
func (wp *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&wp.stats.completedJobs)
	failed := atomic.LoadInt64(&wp.stats.failedJobs)

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(atomic.LoadInt64(&wp.stats.totalJobTime) / n)
	}

	return PoolStats{
		ActiveWorkers:  int(atomic.LoadInt32(&wp.stats.activeWorkers)),
		QueuedJobs:     int(atomic.LoadInt32(&wp.stats.queuedJobs)),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)

			select {
			case jobChannel := <-wp.workerQueue:
				select {
				case jobChannel <- job:
					continue
				case <-wp.quit:
				}
				job.callback(RefreshResult{Symbol: job.job.Symbol, Err: fmt.Errorf("worker pool is shutting down")})
				wp.drain()
				return
			case <-wp.quit:
				job.callback(RefreshResult{Symbol: job.job.Symbol, Err: fmt.Errorf("worker pool is shutting down")})
				wp.drain()
				return
			}

		case <-wp.quit:
			wp.drain()
			return
		}
	}
}

// drain fails jobs still queued at shutdown so no caller waits forever.
func (wp *WorkerPool) drain() {
	for {
		select {
		case job := <-wp.jobQueue:
			atomic.AddInt32(&wp.stats.queuedJobs, -1)
			job.callback(RefreshResult{Symbol: job.job.Symbol, Err: fmt.Errorf("worker pool is shutting down")})
		default:
			return
		}
	}
}

func (w *worker) start(done func()) {
	defer done()
	defer atomic.AddInt32(&w.pool.stats.activeWorkers, -1)

	for {
		select {
		case w.workerQueue <- w.jobChannel:
		case <-w.quit:
			return
		}

		select {
		case job := <-w.jobChannel:
			w.process(job)
		case <-w.quit:
			return
		}
	}
}

func (w *worker) process(job *jobWrapper) {
	start := time.Now()
	logger := w.pool.logger

	logger.Debug("processing refresh",
		"worker_id", w.id,
		"symbol", job.job.Symbol,
		"scheduled", job.job.Scheduled)

	if err := w.pool.rateLimiter.Wait(job.ctx); err != nil {
		w.record(false, time.Since(start))
		job.callback(RefreshResult{Symbol: job.job.Symbol, Err: fmt.Errorf("rate limiting failed: %w", err)})
		return
	}

	result := w.pool.refresh(job.ctx, job.job.Symbol)
	duration := time.Since(start)

	if result.Err != nil {
		w.record(false, duration)
		logger.Error("refresh failed",
			"worker_id", w.id,
			"symbol", job.job.Symbol,
			"error", result.Err,
			"duration", duration)
	} else {
		w.record(true, duration)
		logger.Debug("refresh completed",
			"worker_id", w.id,
			"symbol", job.job.Symbol,
			"trades", result.Trades,
			"duration", duration)
	}

	job.callback(result)
}

func (w *worker) record(ok bool, duration time.Duration) {
	if ok {
		atomic.AddInt64(&w.pool.stats.completedJobs, 1)
	} else {
		atomic.AddInt64(&w.pool.stats.failedJobs, 1)
	}
	atomic.AddInt64(&w.pool.stats.totalJobTime, duration.Nanoseconds())
}

// NewWorkerPool returns a pool refreshing through s.
func (s *Service) NewWorkerPool(workers int, limiter *rate.Limiter) *WorkerPool {
	return NewWorkerPool(workers, limiter, s.RefreshOne, s.logger)
}

// Refresh refetches symbols with up to workers refreshes in flight and
// returns one result per symbol, in order.
func (s *Service) Refresh(ctx context.Context, symbols []string, workers int) ([]RefreshResult, error) {
	pool := s.NewWorkerPool(workers, nil)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}
	results := pool.RefreshAll(ctx, symbols, false)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := pool.Stop(stopCtx); err != nil {
		return results, fmt.Errorf("failed to stop worker pool: %w", err)
	}
	return results, nil
}
