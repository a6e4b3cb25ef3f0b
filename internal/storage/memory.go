package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-market-history/internal/models"
)

type tradeKey struct {
	timestamp int64
	seq       int32
}

type tradeRow struct {
	tradeKey
	payload string
}

// MemoryStorage keeps trades and gaps in process memory. It is safe for
// concurrent use and is the default backend when nothing needs to outlive
// a single run.
type MemoryStorage struct {
	mu sync.RWMutex

	// rows per symbol, ordered by (timestamp, seq)
	trades map[string][]tradeRow
	// index of stored keys per symbol
	keys map[string]map[tradeKey]struct{}

	gaps map[string]models.Gap

	logger *slog.Logger

	initialized bool
	closed      bool

	queryTimes map[string][]time.Duration
}

// NewMemoryStorage creates an empty in-memory backend.
func NewMemoryStorage(opts ...Option) *MemoryStorage {
	o := buildOptions(opts)
	return &MemoryStorage{
		trades:     make(map[string][]tradeRow),
		keys:       make(map[string]map[tradeKey]struct{}),
		gaps:       make(map[string]models.Gap),
		logger:     o.logger,
		queryTimes: make(map[string][]time.Duration),
	}
}

// StoreTrades implements TradeStorer.
func (m *MemoryStorage) StoreTrades(ctx context.Context, symbol string, trades []models.Trade) (*StoreResult, error) {
	start := time.Now()

	if ctx.Err() != nil {
		return nil, NewStorageError("store", "trades", "", ctx.Err())
	}
	if symbol == "" {
		return nil, NewInsertError("trades", errors.New("symbol cannot be empty"))
	}
	if len(trades) == 0 {
		return &StoreResult{}, nil
	}
	if err := checkAscending(trades); err != nil {
		return nil, NewInsertError("trades", err)
	}

	rows := make([]tradeRow, len(trades))
	for i, seq := range sequence(trades) {
		payload, err := encodePayload(trades[i].Payload)
		if err != nil {
			return nil, NewInsertError("trades", fmt.Errorf("trade %d: %w", i, err))
		}
		rows[i] = tradeRow{tradeKey: tradeKey{timestamp: trades[i].Timestamp, seq: seq}, payload: payload}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewStorageError("store", "trades", "", errors.New("storage is closed"))
	}

	symbol = strings.ToUpper(symbol)
	if m.keys[symbol] == nil {
		m.keys[symbol] = make(map[tradeKey]struct{})
	}

	result := &StoreResult{}
	for _, row := range rows {
		if _, exists := m.keys[symbol][row.tradeKey]; exists {
			result.Duplicates++
			continue
		}
		m.keys[symbol][row.tradeKey] = struct{}{}
		m.trades[symbol] = append(m.trades[symbol], row)
		result.Inserted++
	}

	if result.Inserted > 0 {
		slices.SortFunc(m.trades[symbol], compareRows)
	}

	recordDuration(m.queryTimes, "store_trades", time.Since(start))
	m.logger.Debug("stored trades", "symbol", symbol, "inserted", result.Inserted, "duplicates", result.Duplicates)
	return result, nil
}

// QueryTrades implements TradeReader.
func (m *MemoryStorage) QueryTrades(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	start := time.Now()

	if ctx.Err() != nil {
		return nil, NewQueryError("trades", "", ctx.Err())
	}
	if err := req.Validate(); err != nil {
		return nil, NewQueryError("trades", "", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, NewQueryError("trades", "", errors.New("storage is closed"))
	}

	var matched []tradeRow
	for _, row := range m.trades[strings.ToUpper(req.Symbol)] {
		if !req.Start.IsZero() && row.timestamp < req.Start.Unix() {
			continue
		}
		if !req.End.IsZero() && row.timestamp >= req.End.Unix() {
			continue
		}
		matched = append(matched, row)
	}
	if req.OrderBy == "timestamp_desc" {
		slices.Reverse(matched)
	}

	total := len(matched)
	lo := min(req.Offset, total)
	hi := total
	if req.Limit > 0 {
		hi = min(lo+req.Limit, total)
	}

	trades := make([]models.Trade, 0, hi-lo)
	for _, row := range matched[lo:hi] {
		trade, err := row.trade()
		if err != nil {
			return nil, NewQueryError("trades", "", err)
		}
		trades = append(trades, trade)
	}

	queryTime := time.Since(start)
	recordDuration(m.queryTimes, "query", queryTime)

	return &QueryResponse{
		Trades:     trades,
		Total:      total,
		HasMore:    hi < total,
		NextOffset: hi,
		QueryTime:  queryTime,
	}, nil
}

// GetLatest implements TradeReader.
func (m *MemoryStorage) GetLatest(ctx context.Context, symbol string) (*models.Trade, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("trades", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("trades", "", errors.New("storage is closed"))
	}

	rows := m.trades[strings.ToUpper(symbol)]
	if len(rows) == 0 {
		return nil, nil
	}
	trade, err := rows[len(rows)-1].trade()
	if err != nil {
		return nil, NewQueryError("trades", "", err)
	}
	return &trade, nil
}

// StoreGaps implements GapStorage.
func (m *MemoryStorage) StoreGaps(ctx context.Context, gaps []models.Gap) error {
	if ctx.Err() != nil {
		return NewStorageError("store", "gaps", "", ctx.Err())
	}
	for i := range gaps {
		if err := gaps[i].Validate(); err != nil {
			return NewInsertError("gaps", fmt.Errorf("gap %d: %w", i, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("store", "gaps", "", errors.New("storage is closed"))
	}
	for _, gap := range gaps {
		if _, exists := m.gaps[gap.ID]; !exists {
			m.gaps[gap.ID] = gap
		}
	}
	return nil
}

// GetGaps implements GapStorage.
func (m *MemoryStorage) GetGaps(ctx context.Context, symbol, interval string) ([]models.Gap, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("gaps", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("gaps", "", errors.New("storage is closed"))
	}

	var out []models.Gap
	for _, gap := range m.gaps {
		if !strings.EqualFold(gap.Symbol, symbol) {
			continue
		}
		if interval != "" && gap.Interval != interval {
			continue
		}
		out = append(out, gap)
	}
	slices.SortFunc(out, func(a, b models.Gap) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return out, nil
}

// Initialize implements StorageManager.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", errors.New("storage is closed"))
	}
	m.initialized = true
	return nil
}

// Close implements StorageManager. Closing twice is not an error.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.trades = nil
	m.keys = nil
	m.gaps = nil
	return nil
}

// GetStats implements StorageManager.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	if ctx.Err() != nil {
		return nil, NewStorageError("stats", "", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", errors.New("storage is closed"))
	}

	stats := &StorageStats{
		TotalGaps:        int64(len(m.gaps)),
		QueryPerformance: averageDurations(m.queryTimes),
	}
	var earliest, latest int64
	for _, rows := range m.trades {
		if len(rows) == 0 {
			continue
		}
		stats.TotalSymbols++
		stats.TotalTrades += int64(len(rows))
		if first := rows[0].timestamp; earliest == 0 || first < earliest {
			earliest = first
		}
		if last := rows[len(rows)-1].timestamp; last > latest {
			latest = last
		}
	}
	if stats.TotalTrades > 0 {
		stats.EarliestData = time.Unix(earliest, 0).UTC()
		stats.LatestData = time.Unix(latest, 0).UTC()
	}
	return stats, nil
}

// HealthCheck implements HealthChecker.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("health_check", "", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", "", errors.New("storage is closed"))
	}
	return nil
}

func (r tradeRow) trade() (models.Trade, error) {
	payload, err := decodePayload(r.payload)
	if err != nil {
		return models.Trade{}, err
	}
	return models.Trade{Timestamp: r.timestamp, Payload: payload}, nil
}

func compareRows(a, b tradeRow) int {
	if c := cmp.Compare(a.timestamp, b.timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

var _ FullStorage = (*MemoryStorage)(nil)
