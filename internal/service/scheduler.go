package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-market-history/internal/metrics"
)

// SchedulerConfig configures periodic refreshes.
type SchedulerConfig struct {
	Symbols []string
	// Frequency is the time between rounds. Rounds start on multiples of
	// Frequency as computed by time.Time.Truncate, so a frequency dividing a
	// day runs on the clock (6m runs at :00, :06, :12 and so on).
	Frequency time.Duration
	// RunImmediately starts a round before waiting for the first boundary.
	RunImmediately bool
	// RoundTimeout bounds a single round. Zero means Frequency.
	RoundTimeout time.Duration
}

// SchedulerStats reports scheduler activity.
type SchedulerStats struct {
	Rounds      int64
	Refreshed   int64
	Failed      int64
	LastRunTime time.Time
	NextRunTime time.Time
	Uptime      time.Duration
}

// Scheduler refreshes a fixed set of symbols on aligned boundaries through a
// WorkerPool.
type Scheduler struct {
	config  SchedulerConfig
	pool    *WorkerPool
	health  metrics.HealthChecker
	onRound func([]RefreshResult)
	logger  *slog.Logger
	now     func() time.Time

	isRunning int32
	rounds    int64
	refreshed int64
	failed    int64

	statsMu     sync.Mutex
	startTime   time.Time
	lastRunTime time.Time
	nextRunTime time.Time
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithHealthChecker checks health before each round and logs failures.
func WithHealthChecker(h metrics.HealthChecker) SchedulerOption {
	return func(s *Scheduler) { s.health = h }
}

// WithRoundHook is called with the results of every completed round.
func WithRoundHook(fn func([]RefreshResult)) SchedulerOption {
	return func(s *Scheduler) { s.onRound = fn }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// NewScheduler creates a scheduler submitting to pool. The pool must be
// started by the caller.
func NewScheduler(cfg SchedulerConfig, pool *WorkerPool, opts ...SchedulerOption) (*Scheduler, error) {
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one symbol")
	}
	if cfg.Frequency <= 0 {
		return nil, fmt.Errorf("scheduler frequency must be positive, got %s", cfg.Frequency)
	}
	if pool == nil {
		return nil, fmt.Errorf("scheduler worker pool is required")
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = cfg.Frequency
	}

	s := &Scheduler{config: cfg, pool: pool, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run refreshes on every boundary until ctx ends. It returns nil when ctx is
// canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.isRunning, 0, 1) {
		return fmt.Errorf("scheduler is already running")
	}
	defer atomic.StoreInt32(&s.isRunning, 0)

	s.statsMu.Lock()
	s.startTime = s.now()
	s.statsMu.Unlock()

	s.logger.Info("scheduler started",
		"symbols", s.config.Symbols,
		"frequency", s.config.Frequency)

	if s.config.RunImmediately {
		s.round(ctx)
	}

	for {
		next := nextBoundary(s.now(), s.config.Frequency)
		s.statsMu.Lock()
		s.nextRunTime = next
		s.statsMu.Unlock()

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
			s.round(ctx)
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("scheduler stopped", "rounds", atomic.LoadInt64(&s.rounds))
			return nil
		}
	}
}

// IsRunning reports whether Run is active.
func (s *Scheduler) IsRunning() bool {
	return atomic.LoadInt32(&s.isRunning) == 1
}

// GetStats returns scheduler statistics.
func (s *Scheduler) GetStats() SchedulerStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = s.now().Sub(s.startTime)
	}
	return SchedulerStats{
		Rounds:      atomic.LoadInt64(&s.rounds),
		Refreshed:   atomic.LoadInt64(&s.refreshed),
		Failed:      atomic.LoadInt64(&s.failed),
		LastRunTime: s.lastRunTime,
		NextRunTime: s.nextRunTime,
		Uptime:      uptime,
	}
}

func (s *Scheduler) round(ctx context.Context) {
	start := s.now()
	s.statsMu.Lock()
	s.lastRunTime = start
	s.statsMu.Unlock()

	roundCtx, cancel := context.WithTimeout(ctx, s.config.RoundTimeout)
	defer cancel()

	if s.health != nil {
		if err := s.health.HealthCheck(roundCtx); err != nil {
			s.logger.Warn("feed health check failed", "error", err)
		}
	}

	results := s.pool.RefreshAll(roundCtx, s.config.Symbols, true)

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	atomic.AddInt64(&s.rounds, 1)
	atomic.AddInt64(&s.refreshed, int64(len(results)-failed))
	atomic.AddInt64(&s.failed, int64(failed))

	s.logger.Info("refresh round completed",
		"symbols", len(results),
		"failed", failed,
		"duration", s.now().Sub(start))

	if s.onRound != nil {
		s.onRound(results)
	}
}

// nextBoundary returns the first boundary of every strictly after current.
func nextBoundary(current time.Time, every time.Duration) time.Time {
	return current.Truncate(every).Add(every)
}
