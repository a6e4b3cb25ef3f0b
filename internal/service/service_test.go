package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/johnayoung/go-market-history/internal/cache"
	"github.com/johnayoung/go-market-history/internal/config"
	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const t0 = int64(1514764800) // 2018-01-01 00:00:00 UTC

// historyBody renders a GetMarketHistory response, newest trade first.
// Prices rise by 0.0001 per trade in time order.
func historyBody(timestamps ...int64) []byte {
	records := make([]string, 0, len(timestamps))
	for i := len(timestamps) - 1; i >= 0; i-- {
		records = append(records, fmt.Sprintf(
			`{"Label":"NEBL/BTC","Type":"Buy","Price":%.4f,"Amount":2,"Total":0.002,"Timestamp":%d}`,
			0.001+0.0001*float64(i), timestamps[i]))
	}
	return []byte(`{"Success":true,"Message":null,"Data":[` + strings.Join(records, ",") + `]}`)
}

type fakeFeed struct {
	mu     sync.Mutex
	bodies map[string][]byte
	calls  map[string]int
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{bodies: make(map[string][]byte), calls: make(map[string]int)}
}

func (f *fakeFeed) set(symbol string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies[symbol] = body
}

func (f *fakeFeed) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

func (f *fakeFeed) FetchRaw(ctx context.Context, symbol string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	body, ok := f.bodies[symbol]
	if !ok {
		return nil, fmt.Errorf("no market %s", symbol)
	}
	return body, nil
}

type fixture struct {
	svc     *Service
	feed    *fakeFeed
	store   *storage.MemoryStorage
	metrics *metrics.Metrics
	now     time.Time
}

func newFixture(t *testing.T, cfg Config, timestamps ...int64) *fixture {
	t.Helper()

	f := &fixture{
		feed:    newFakeFeed(),
		store:   storage.NewMemoryStorage(),
		metrics: metrics.New(),
		now:     time.Unix(t0+3600, 0),
	}
	require.NoError(t, f.store.Initialize(context.Background()))
	f.feed.set("NEBL", historyBody(timestamps...))

	fc, err := cache.NewFileCache(
		config.CacheConfig{Dir: t.TempDir(), UpdateInterval: "6m"},
		f.feed,
		cache.WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)

	f.svc, err = New(fc, cfg, WithStorage(f.store), WithMetrics(f.metrics))
	require.NoError(t, err)
	return f
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)

	fc, err := cache.NewFileCache(config.CacheConfig{Dir: t.TempDir(), UpdateInterval: "6m"}, newFakeFeed())
	require.NoError(t, err)

	_, err = New(fc, Config{Persist: true})
	assert.ErrorContains(t, err, "storage")

	svc, err := New(fc, Config{})
	require.NoError(t, err)
	assert.NotNil(t, svc)
}

func TestWindows_Granularities(t *testing.T) {
	five, err := history.Minutes(5)
	require.NoError(t, err)

	tests := []struct {
		name        string
		g           history.Granularity
		wantWindows int
	}{
		{name: "seconds", g: history.Second, wantWindows: 5},
		{name: "minutes", g: history.Minute, wantWindows: 3},
		{name: "five minutes", g: five, wantWindows: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, t0+5, t0+30, t0+70, t0+400, t0+401)

			ws, err := f.svc.Windows(context.Background(), "nebl", tt.g)
			require.NoError(t, err)
			assert.Len(t, ws.Windows, tt.wantWindows)
			assert.Equal(t, 5, ws.Trades())
			assert.Equal(t, "NEBL", ws.Snapshot.Symbol)
			assert.False(t, ws.DroppedLeading)

			assert.Equal(t, float64(tt.wantWindows), testutil.ToFloat64(f.metrics.WindowsBuilt.WithLabelValues(tt.g.String())))
			assert.Equal(t, 5.0, testutil.ToFloat64(f.metrics.TradesAggregated))
		})
	}
}

func TestWindows_ServedFromCache(t *testing.T) {
	f := newFixture(t, Config{}, t0, t0+90)
	ctx := context.Background()

	first, err := f.svc.Windows(ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	assert.True(t, first.Snapshot.Fetched)

	f.now = f.now.Add(5 * time.Minute)
	second, err := f.svc.Windows(ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	assert.False(t, second.Snapshot.Fetched)
	assert.Equal(t, 1, f.feed.count("NEBL"))

	f.now = f.now.Add(2 * time.Minute)
	_, err = f.svc.Windows(ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, f.feed.count("NEBL"))
}

func TestWindows_RejectsBadInput(t *testing.T) {
	f := newFixture(t, Config{}, t0)
	ctx := context.Background()

	_, err := f.svc.Windows(ctx, "NEBL", history.Granularity(7*60))
	require.ErrorIs(t, err, history.ErrInvalidGranularity)
	assert.Equal(t, errs.ErrorTypeValidation, errs.GetErrorType(err))

	_, err = f.svc.Windows(ctx, "NE/BL", history.Minute)
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeValidation, errs.GetErrorType(err))

	assert.Zero(t, f.feed.count("NEBL"), "nothing is fetched for rejected requests")
}

func TestWindows_LoadFailure(t *testing.T) {
	f := newFixture(t, Config{}, t0)

	_, err := f.svc.Windows(context.Background(), "ETN", history.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no market ETN")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("service", "unknown")))
}

func TestWindows_UnsuccessfulResponse(t *testing.T) {
	f := newFixture(t, Config{}, t0)
	f.feed.set("ETN", []byte(`{"Success":false,"Message":"Market not found","Data":null}`))

	_, err := f.svc.Windows(context.Background(), "ETN", history.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Market not found")
}

func TestWindows_DropPartialLeading(t *testing.T) {
	five, err := history.Minutes(5)
	require.NoError(t, err)

	t.Run("feed start unknown", func(t *testing.T) {
		f := newFixture(t, Config{DropPartialLeading: true}, t0+130, t0+200, t0+400)

		ws, err := f.svc.Windows(context.Background(), "NEBL", five)
		require.NoError(t, err)
		assert.True(t, ws.DroppedLeading)
		require.Len(t, ws.Windows, 1)
		begin, err := ws.Windows[0].Begin()
		require.NoError(t, err)
		assert.Equal(t, t0+300, begin)
	})

	t.Run("feed covers the first bucket", func(t *testing.T) {
		// The snapshot is taken at t0+1h and covers one hour.
		f := newFixture(t, Config{DropPartialLeading: true, FeedHours: 1}, t0+130, t0+200, t0+400)

		ws, err := f.svc.Windows(context.Background(), "NEBL", five)
		require.NoError(t, err)
		assert.False(t, ws.DroppedLeading)
		assert.Len(t, ws.Windows, 2)
	})

	t.Run("first trade on a boundary", func(t *testing.T) {
		f := newFixture(t, Config{DropPartialLeading: true}, t0+300, t0+400)

		ws, err := f.svc.Windows(context.Background(), "NEBL", five)
		require.NoError(t, err)
		assert.False(t, ws.DroppedLeading)
		assert.Len(t, ws.Windows, 1)
	})
}

func TestCandles(t *testing.T) {
	f := newFixture(t, Config{}, t0+5, t0+30, t0+70)

	candles, err := f.svc.Candles(context.Background(), "NEBL", history.Minute)
	require.NoError(t, err)
	require.Len(t, candles, 2)

	assert.Equal(t, time.Unix(t0, 0).UTC(), candles[0].Timestamp)
	assert.Equal(t, "0.001", candles[0].Open)
	assert.Equal(t, "0.0011", candles[0].Close)
	assert.Equal(t, "4", candles[0].Volume)
	assert.Equal(t, 2, candles[0].Trades)
	assert.Equal(t, "0.0012", candles[1].Open)
	for _, c := range candles {
		assert.NoError(t, c.Validate())
	}
}

func TestGaps(t *testing.T) {
	f := newFixture(t, Config{Persist: true}, t0+30, t0+200, t0+500)
	ctx := context.Background()

	report, err := f.svc.Gaps(ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	assert.True(t, report.LeadingPartial)
	require.Len(t, report.Gaps, 3)
	assert.Equal(t, 6, report.MissingBuckets)

	stored, err := f.store.GetGaps(ctx, "NEBL", "1m")
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	// Re-detection is idempotent in storage.
	_, err = f.svc.Gaps(ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	stats, err := f.store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalGaps)
}

func TestSnapshot_Persist(t *testing.T) {
	f := newFixture(t, Config{Persist: true}, t0, t0, t0+61)
	ctx := context.Background()

	snap, err := f.svc.Snapshot(ctx, "NEBL")
	require.NoError(t, err)
	require.NotNil(t, snap.Stored)
	assert.Equal(t, 3, snap.Stored.Inserted)

	snap, err = f.svc.Snapshot(ctx, "NEBL")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Stored.Inserted)
	assert.Equal(t, 3, snap.Stored.Duplicates)

	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.TradesStored.WithLabelValues("inserted")))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.TradesStored.WithLabelValues("duplicate")))
}

func TestStore(t *testing.T) {
	f := newFixture(t, Config{}, t0, t0+61, t0+62)
	ctx := context.Background()

	result, err := f.svc.Store(ctx, "NEBL")
	require.NoError(t, err)
	assert.Equal(t, 3, result.Inserted)

	latest, err := f.store.GetLatest(ctx, "NEBL")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, t0+62, latest.Timestamp)

	fc, err := cache.NewFileCache(config.CacheConfig{Dir: t.TempDir(), UpdateInterval: "6m"}, f.feed)
	require.NoError(t, err)
	noStore, err := New(fc, Config{})
	require.NoError(t, err)
	_, err = noStore.Store(ctx, "NEBL")
	assert.ErrorContains(t, err, "no storage backend")
}

func TestStoredWindows(t *testing.T) {
	f := newFixture(t, Config{}, t0+10, t0+70, t0+130, t0+190)
	ctx := context.Background()

	_, err := f.svc.Store(ctx, "NEBL")
	require.NoError(t, err)

	ws, err := f.svc.StoredWindows(ctx, "nebl", history.Minute, time.Unix(t0+60, 0), time.Unix(t0+180, 0))
	require.NoError(t, err)
	require.Len(t, ws.Windows, 2)
	assert.Equal(t, 2, ws.Trades())

	all, err := f.svc.StoredWindows(ctx, "NEBL", history.Minute, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all.Windows, 4)

	_, err = f.svc.StoredWindows(ctx, "NEBL", history.Granularity(0), time.Time{}, time.Time{})
	assert.ErrorIs(t, err, history.ErrInvalidGranularity)
}

func TestRefresh(t *testing.T) {
	f := newFixture(t, Config{Persist: true}, t0, t0+1)
	f.feed.set("ETN", historyBody(t0+5))
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, "NEBL")
	require.NoError(t, err)

	results, err := f.svc.Refresh(ctx, []string{"nebl", "ETN", "GONE", "B@D"}, 2)
	require.NoError(t, err)
	require.Len(t, results, 4)

	assert.Equal(t, "NEBL", results[0].Symbol)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Trades)
	assert.Equal(t, 2, f.feed.count("NEBL"), "refresh bypasses a fresh cache")

	assert.NoError(t, results[1].Err)
	assert.Equal(t, 1, results[1].Trades)

	assert.Error(t, results[2].Err)
	assert.Equal(t, errs.ErrorTypeValidation, errs.GetErrorType(results[3].Err))

	resp, err := f.store.QueryTrades(ctx, storage.QueryRequest{Symbol: "ETN"})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Total)
}

func TestObserveError_Storage(t *testing.T) {
	f := newFixture(t, Config{Persist: true}, t0)
	require.NoError(t, f.store.Close())

	_, err := f.svc.Snapshot(context.Background(), "NEBL")
	require.Error(t, err)

	var storageErr *storage.StorageError
	assert.True(t, errors.As(err, &storageErr))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Errors.WithLabelValues("service", "storage")))
}

func TestWindowSet_Trades(t *testing.T) {
	ws := &WindowSet{}
	assert.Zero(t, ws.Trades())

	trades := []models.Trade{{Timestamp: t0, Payload: map[string]any{}}}
	h, err := history.New(trades)
	require.NoError(t, err)
	ws.Windows = h.SecondWindowList()
	assert.Equal(t, 1, ws.Trades())
}
