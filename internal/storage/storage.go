// Package storage defines the persistence layer for market trade history.
// Snapshots fetched from the feed overlap heavily, so every backend keys a
// trade by (symbol, timestamp, seq) and silently skips rows it already holds.
// Queries return trades in ascending order so a stored range can be handed
// straight to the history aggregator.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-market-history/internal/models"
)

// TradeStorer persists trades.
type TradeStorer interface {
	// StoreTrades persists trades for symbol. trades must be in ascending
	// timestamp order; seq is assigned per timestamp in slice order.
	// Rows already stored are counted as duplicates rather than failing.
	StoreTrades(ctx context.Context, symbol string, trades []models.Trade) (*StoreResult, error)
}

// TradeReader retrieves stored trades.
type TradeReader interface {
	// QueryTrades returns trades matching req, ordered by (timestamp, seq).
	QueryTrades(ctx context.Context, req QueryRequest) (*QueryResponse, error)

	// GetLatest returns the most recent trade for symbol, or nil if none is stored.
	GetLatest(ctx context.Context, symbol string) (*models.Trade, error)
}

// GapStorage records gaps found while charting a history.
type GapStorage interface {
	// StoreGaps persists gaps. Gaps whose ID is already stored are ignored.
	StoreGaps(ctx context.Context, gaps []models.Gap) error

	// GetGaps returns gaps for symbol and interval ordered by start time.
	// An empty interval matches every interval.
	GetGaps(ctx context.Context, symbol, interval string) ([]models.Gap, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize prepares the backend. Safe to call more than once.
	Initialize(ctx context.Context) error

	// Close releases the backend. The instance must not be used afterwards.
	Close() error

	// GetStats returns volume and timing statistics.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// TradeStorage combines trade writes and reads.
type TradeStorage interface {
	TradeStorer
	TradeReader
}

// FullStorage is implemented by every backend.
type FullStorage interface {
	TradeStorage
	GapStorage
	StorageManager
}

// QueryRequest defines parameters for querying stored trades.
type QueryRequest struct {
	// Symbol is the market symbol (e.g., "NEBL")
	Symbol string

	// Start is the earliest timestamp to include (inclusive); zero means unbounded
	Start time.Time

	// End is the latest timestamp to include (exclusive); zero means unbounded
	End time.Time

	// Limit is the maximum number of results to return (0 = no limit)
	Limit int

	// Offset is the number of results to skip for pagination
	Offset int

	// OrderBy is "timestamp_asc" (default) or "timestamp_desc"
	OrderBy string
}

// Validate rejects a missing symbol, negative paging values and inverted ranges.
func (r QueryRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	if r.Offset < 0 {
		return fmt.Errorf("offset cannot be negative")
	}
	if !r.Start.IsZero() && !r.End.IsZero() && !r.Start.Before(r.End) {
		return fmt.Errorf("start time must be before end time")
	}
	switch r.OrderBy {
	case "", "timestamp_asc", "timestamp_desc":
	default:
		return fmt.Errorf("invalid order %q", r.OrderBy)
	}
	return nil
}

// QueryResponse contains the results of a trade query.
type QueryResponse struct {
	Trades []models.Trade

	// Total is the number of matches before limit/offset
	Total int

	HasMore    bool
	NextOffset int
	QueryTime  time.Duration
}

// StoreResult reports how a batch was applied.
type StoreResult struct {
	Inserted   int
	Duplicates int
}

// StorageStats provides operational statistics about storage.
type StorageStats struct {
	TotalTrades  int64
	TotalSymbols int
	TotalGaps    int64
	EarliestData time.Time
	LatestData   time.Time

	// QueryPerformance contains average durations by operation
	QueryPerformance map[string]time.Duration
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL query or operation details (may be empty)
	Query string

	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

type options struct {
	logger *slog.Logger
}

// Option customizes a backend.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func buildOptions(opts []Option) options {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// New returns the backend named by storageType ("duckdb" or "memory").
func New(storageType, databaseURL string, opts ...Option) (FullStorage, error) {
	switch storageType {
	case "duckdb":
		return NewDuckDBStorage(databaseURL, opts...)
	case "memory", "":
		return NewMemoryStorage(opts...), nil
	default:
		return nil, NewStorageError("open", "", "", fmt.Errorf("unsupported storage type %q", storageType))
	}
}

// sequence assigns each trade its ordinal among trades sharing its timestamp.
func sequence(trades []models.Trade) []int32 {
	seqs := make([]int32, len(trades))
	for i := 1; i < len(trades); i++ {
		if trades[i].Timestamp == trades[i-1].Timestamp {
			seqs[i] = seqs[i-1] + 1
		}
	}
	return seqs
}

func checkAscending(trades []models.Trade) error {
	for i := 1; i < len(trades); i++ {
		if trades[i].Timestamp < trades[i-1].Timestamp {
			return fmt.Errorf("trade %d at %d precedes trade %d at %d", i, trades[i].Timestamp, i-1, trades[i-1].Timestamp)
		}
	}
	return nil
}

func recordDuration(times map[string][]time.Duration, operation string, d time.Duration) {
	samples := times[operation]
	// Keep only the last 100 samples.
	if len(samples) >= 100 {
		samples = samples[1:]
	}
	times[operation] = append(samples, d)
}

func averageDurations(times map[string][]time.Duration) map[string]time.Duration {
	out := make(map[string]time.Duration, len(times))
	for operation, samples := range times {
		if len(samples) == 0 {
			continue
		}
		var total time.Duration
		for _, s := range samples {
			total += s
		}
		out[operation] = total / time.Duration(len(samples))
	}
	return out
}

func encodePayload(payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

// decodePayload keeps numbers as json.Number so prices survive unchanged.
func decodePayload(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}
