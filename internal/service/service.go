// Package service wires the cache, the aggregation engine, storage and the
// presentation helpers into the operations the command line exposes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/go-market-history/internal/cache"
	"github.com/johnayoung/go-market-history/internal/candles"
	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/feed"
	"github.com/johnayoung/go-market-history/internal/gaps"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/storage"
	"github.com/johnayoung/go-market-history/internal/window"
)

const component = "service"

// Loader returns market history bodies, cached or fresh.
type Loader interface {
	Load(ctx context.Context, symbol string) (*cache.Entry, error)
	Refresh(ctx context.Context, symbol string) (*cache.Entry, error)
}

// Config holds the behavior switches of a Service.
type Config struct {
	// Persist stores every loaded snapshot and every detected gap.
	Persist bool
	// DropPartialLeading removes a first bucket the feed only partly covers.
	DropPartialLeading bool
	// FeedHours is the history depth requested from the feed. When positive,
	// the feed is known to start FeedHours before the snapshot was taken.
	FeedHours int
}

// Service runs the market history operations.
type Service struct {
	loader     Loader
	store      storage.FullStorage
	summarizer *candles.Summarizer
	detector   gaps.GapDetector
	metrics    *metrics.Metrics
	logger     *slog.Logger
	config     Config
}

// Option customizes a Service.
type Option func(*Service)

// WithStorage enables persistence and stored-range reads.
func WithStorage(store storage.FullStorage) Option {
	return func(s *Service) { s.store = store }
}

// WithMetrics records operation metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithGapDetector replaces the default gap detector.
func WithGapDetector(d gaps.GapDetector) Option {
	return func(s *Service) { s.detector = d }
}

// New creates a Service reading through loader.
func New(loader Loader, cfg Config, opts ...Option) (*Service, error) {
	if loader == nil {
		return nil, fmt.Errorf("service loader is required")
	}

	s := &Service{loader: loader, config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	if cfg.Persist && s.store == nil {
		return nil, fmt.Errorf("persist requires a storage backend")
	}
	if s.summarizer == nil {
		s.summarizer = candles.NewSummarizer(candles.WithLogger(s.logger), candles.WithMetrics(s.metrics))
	}
	if s.detector == nil {
		s.detector = gaps.NewGapDetector(gaps.WithLogger(s.logger), gaps.WithMetrics(s.metrics))
	}
	return s, nil
}

// Snapshot is a decoded market history together with its cache provenance.
type Snapshot struct {
	Symbol    string
	UpdatedAt time.Time
	Fetched   bool
	Stale     bool
	History   *history.MarketHistory
	// FeedStart is the earliest time the feed covers, or 0 when unknown.
	FeedStart int64
	Stored    *storage.StoreResult
}

// WindowSet is one windowed view of a snapshot.
type WindowSet struct {
	Snapshot    *Snapshot
	Granularity history.Granularity
	Windows     []*window.TimeWindow
	// DroppedLeading is true when a partially covered first bucket was removed.
	DroppedLeading bool
}

// Trades returns the number of trades across the windows.
func (ws *WindowSet) Trades() int {
	n := 0
	for _, w := range ws.Windows {
		n += w.Len()
	}
	return n
}

// Snapshot loads the history of symbol through the cache and, when persistence
// is enabled, stores its trades.
func (s *Service) Snapshot(ctx context.Context, symbol string) (*Snapshot, error) {
	symbol = strings.ToUpper(symbol)
	if err := feed.ValidateSymbol(symbol); err != nil {
		return nil, errs.NewClassifiedError(err, errs.ErrorTypeValidation, component, "snapshot")
	}

	entry, err := s.loader.Load(ctx, symbol)
	if err != nil {
		s.observeError(err)
		return nil, fmt.Errorf("failed to load market history for %s: %w", symbol, err)
	}

	snap, err := s.decode(entry)
	if err != nil {
		s.observeError(err)
		return nil, err
	}

	if s.config.Persist {
		result, err := s.store.StoreTrades(ctx, symbol, snap.History.Trades())
		if err != nil {
			s.observeError(err)
			return nil, fmt.Errorf("failed to persist %s snapshot: %w", symbol, err)
		}
		s.metrics.ObserveStored(result.Inserted, result.Duplicates)
		snap.Stored = result
	}

	s.logger.Debug("snapshot loaded",
		"symbol", symbol,
		"trades", snap.History.Len(),
		"fetched", snap.Fetched,
		"stale", snap.Stale)

	return snap, nil
}

// Windows groups the history of symbol at granularity g.
func (s *Service) Windows(ctx context.Context, symbol string, g history.Granularity) (*WindowSet, error) {
	if err := g.Validate(); err != nil {
		return nil, errs.NewClassifiedError(err, errs.ErrorTypeValidation, component, "windows")
	}

	snap, err := s.Snapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return s.windowSnapshot(snap, g)
}

// StoredWindows groups trades previously stored for symbol within [start, end).
// Zero times leave that side unbounded.
func (s *Service) StoredWindows(ctx context.Context, symbol string, g history.Granularity, start, end time.Time) (*WindowSet, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no storage backend configured")
	}
	if err := g.Validate(); err != nil {
		return nil, errs.NewClassifiedError(err, errs.ErrorTypeValidation, component, "stored_windows")
	}

	symbol = strings.ToUpper(symbol)
	resp, err := s.store.QueryTrades(ctx, storage.QueryRequest{
		Symbol:  symbol,
		Start:   start,
		End:     end,
		OrderBy: "timestamp_asc",
	})
	if err != nil {
		s.observeError(err)
		return nil, fmt.Errorf("failed to query stored trades for %s: %w", symbol, err)
	}

	h, err := history.New(resp.Trades)
	if err != nil {
		return nil, fmt.Errorf("stored trades for %s: %w", symbol, err)
	}

	snap := &Snapshot{Symbol: symbol, History: h}
	if !start.IsZero() {
		snap.FeedStart = start.Unix()
	}
	return s.windowSnapshot(snap, g)
}

// Candles summarizes the windows of symbol at granularity g.
func (s *Service) Candles(ctx context.Context, symbol string, g history.Granularity) ([]models.Candle, error) {
	ws, err := s.Windows(ctx, symbol, g)
	if err != nil {
		return nil, err
	}
	return s.summarizer.Summarize(ws.Windows, ws.Snapshot.Symbol, g), nil
}

// Gaps reports trade-free buckets in the history of symbol at granularity g.
// The partial leading bucket is always reported, whether or not windows drop it.
func (s *Service) Gaps(ctx context.Context, symbol string, g history.Granularity) (*gaps.Report, error) {
	if err := g.Validate(); err != nil {
		return nil, errs.NewClassifiedError(err, errs.ErrorTypeValidation, component, "gaps")
	}

	snap, err := s.Snapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	windows, err := snap.History.Windows(g)
	if err != nil {
		return nil, s.aggregationError(err, "gaps")
	}

	report, err := s.detector.Detect(snap.Symbol, windows, g, snap.FeedStart)
	if err != nil {
		return nil, s.aggregationError(err, "gaps")
	}

	if s.config.Persist && len(report.Gaps) > 0 {
		if err := s.store.StoreGaps(ctx, report.Gaps); err != nil {
			s.observeError(err)
			return nil, fmt.Errorf("failed to record gaps for %s: %w", snap.Symbol, err)
		}
	}

	return report, nil
}

// Store loads symbol through the cache and stores its trades, regardless of
// the Persist setting.
func (s *Service) Store(ctx context.Context, symbol string) (*storage.StoreResult, error) {
	if s.store == nil {
		return nil, fmt.Errorf("no storage backend configured")
	}

	snap, err := s.Snapshot(ctx, symbol)
	if err != nil {
		return nil, err
	}
	result := snap.Stored
	if result == nil {
		result, err = s.store.StoreTrades(ctx, snap.Symbol, snap.History.Trades())
		if err != nil {
			s.observeError(err)
			return nil, fmt.Errorf("failed to store %s snapshot: %w", snap.Symbol, err)
		}
		s.metrics.ObserveStored(result.Inserted, result.Duplicates)
	}

	s.logger.Info("snapshot stored",
		"symbol", snap.Symbol,
		"inserted", result.Inserted,
		"duplicates", result.Duplicates)

	return result, nil
}

// RefreshResult is the outcome of refreshing one symbol.
type RefreshResult struct {
	Symbol    string
	UpdatedAt time.Time
	Trades    int
	Err       error
}

// RefreshOne bypasses the cache and refetches symbol.
func (s *Service) RefreshOne(ctx context.Context, symbol string) RefreshResult {
	symbol = strings.ToUpper(symbol)
	result := RefreshResult{Symbol: symbol}

	if err := feed.ValidateSymbol(symbol); err != nil {
		result.Err = errs.NewClassifiedError(err, errs.ErrorTypeValidation, component, "refresh")
		return result
	}

	entry, err := s.loader.Refresh(ctx, symbol)
	if err != nil {
		s.observeError(err)
		result.Err = fmt.Errorf("failed to refresh %s: %w", symbol, err)
		return result
	}

	snap, err := s.decode(entry)
	if err != nil {
		s.observeError(err)
		result.Err = err
		return result
	}
	result.UpdatedAt = snap.UpdatedAt
	result.Trades = snap.History.Len()

	if s.config.Persist {
		stored, err := s.store.StoreTrades(ctx, symbol, snap.History.Trades())
		if err != nil {
			s.observeError(err)
			result.Err = fmt.Errorf("failed to persist %s snapshot: %w", symbol, err)
			return result
		}
		s.metrics.ObserveStored(stored.Inserted, stored.Duplicates)
	}

	return result
}

func (s *Service) decode(entry *cache.Entry) (*Snapshot, error) {
	trades, err := feed.Decode(entry.Symbol, entry.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s market history: %w", entry.Symbol, err)
	}

	h, err := history.New(trades)
	if err != nil {
		return nil, s.aggregationError(err, "decode")
	}

	snap := &Snapshot{
		Symbol:    strings.ToUpper(entry.Symbol),
		UpdatedAt: entry.UpdatedAt,
		Fetched:   entry.Fetched,
		Stale:     entry.Stale,
		History:   h,
	}
	if s.config.FeedHours > 0 && !entry.UpdatedAt.IsZero() {
		snap.FeedStart = entry.UpdatedAt.Add(-time.Duration(s.config.FeedHours) * time.Hour).Unix()
	}
	return snap, nil
}

func (s *Service) windowSnapshot(snap *Snapshot, g history.Granularity) (*WindowSet, error) {
	windows, err := snap.History.Windows(g)
	if err != nil {
		return nil, s.aggregationError(err, "windows")
	}

	ws := &WindowSet{Snapshot: snap, Granularity: g, Windows: windows}

	if s.config.DropPartialLeading {
		partial, err := s.detector.LeadingPartial(snap.Symbol, windows, g, snap.FeedStart)
		if err != nil {
			return nil, s.aggregationError(err, "windows")
		}
		if partial != nil {
			ws.Windows = windows[1:]
			ws.DroppedLeading = true
			s.logger.Debug("dropped partial leading bucket",
				"symbol", snap.Symbol,
				"granularity", g.String(),
				"gap", partial.String())
		}
	}

	s.metrics.ObserveWindows(g.String(), len(ws.Windows), ws.Trades())
	return ws, nil
}

// aggregationError marks err as a non-retryable validation failure.
func (s *Service) aggregationError(err error, operation string) error {
	s.metrics.ObserveError(component, string(errs.ErrorTypeValidation))
	return errs.NewClassifiedError(err, errs.ErrorTypeValidation, component, operation)
}

func (s *Service) observeError(err error) {
	errorType := errs.GetErrorType(err)
	var storageErr *storage.StorageError
	if errorType == errs.ErrorTypeUnknown && errors.As(err, &storageErr) {
		errorType = errs.ErrorTypeStorage
	}
	s.metrics.ObserveError(component, string(errorType))
}
