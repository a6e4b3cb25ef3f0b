package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/johnayoung/go-market-history/internal/cache"
	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/gaps"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/storage"
	"github.com/johnayoung/go-market-history/internal/window"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockLoader is a mock implementation of Loader
type MockLoader struct {
	mock.Mock
}

func (m *MockLoader) Load(ctx context.Context, symbol string) (*cache.Entry, error) {
	args := m.Called(ctx, symbol)
	entry, _ := args.Get(0).(*cache.Entry)
	return entry, args.Error(1)
}

func (m *MockLoader) Refresh(ctx context.Context, symbol string) (*cache.Entry, error) {
	args := m.Called(ctx, symbol)
	entry, _ := args.Get(0).(*cache.Entry)
	return entry, args.Error(1)
}

// MockGapDetector is a mock implementation of gaps.GapDetector
type MockGapDetector struct {
	mock.Mock
}

func (m *MockGapDetector) DetectGapsInSequence(symbol string, windows []*window.TimeWindow, g history.Granularity) ([]models.Gap, error) {
	args := m.Called(symbol, windows, g)
	found, _ := args.Get(0).([]models.Gap)
	return found, args.Error(1)
}

func (m *MockGapDetector) LeadingPartial(symbol string, windows []*window.TimeWindow, g history.Granularity, feedStart int64) (*models.Gap, error) {
	args := m.Called(symbol, windows, g, feedStart)
	gap, _ := args.Get(0).(*models.Gap)
	return gap, args.Error(1)
}

func (m *MockGapDetector) Detect(symbol string, windows []*window.TimeWindow, g history.Granularity, feedStart int64) (*gaps.Report, error) {
	args := m.Called(symbol, windows, g, feedStart)
	report, _ := args.Get(0).(*gaps.Report)
	return report, args.Error(1)
}

func neblEntry(timestamps ...int64) *cache.Entry {
	return &cache.Entry{
		Symbol:    "NEBL",
		Body:      historyBody(timestamps...),
		UpdatedAt: time.Unix(t0+3600, 0),
	}
}

func TestWindows_ClassifiedLoadFailure(t *testing.T) {
	loader := new(MockLoader)
	m := metrics.New()
	loader.On("Load", mock.Anything, "NEBL").
		Return(nil, errs.NewClassifiedError(errors.New("dial tcp: connection refused"), errs.ErrorTypeNetwork, "feed", "fetch_market_history"))

	svc, err := New(loader, Config{}, WithMetrics(m))
	require.NoError(t, err)

	_, err = svc.Windows(context.Background(), "nebl", history.Minute)
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeNetwork, errs.GetErrorType(err))
	assert.True(t, errs.IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Errors.WithLabelValues("service", "network")))

	loader.AssertExpectations(t)
}

func TestGaps_DelegatesToDetector(t *testing.T) {
	loader := new(MockLoader)
	detector := new(MockGapDetector)
	store := storage.NewMemoryStorage()
	require.NoError(t, store.Initialize(context.Background()))

	loader.On("Load", mock.Anything, "NEBL").Return(neblEntry(t0+5, t0+300), nil)

	gap, err := models.NewGap("gap-1", "NEBL", time.Unix(t0+60, 0), time.Unix(t0+300, 0), "1m", models.GapKindEmpty)
	require.NoError(t, err)
	report := &gaps.Report{Symbol: "NEBL", Interval: "1m", Windows: 2, Gaps: []models.Gap{*gap}, MissingBuckets: 4}

	// Two hours of history requested, snapshot taken at t0+3600.
	detector.On("Detect", "NEBL", mock.AnythingOfType("[]*window.TimeWindow"), history.Minute, t0+3600-7200).
		Return(report, nil).Once()

	svc, err := New(loader, Config{Persist: true, FeedHours: 2}, WithStorage(store), WithGapDetector(detector))
	require.NoError(t, err)

	got, err := svc.Gaps(context.Background(), "NEBL", history.Minute)
	require.NoError(t, err)
	assert.Same(t, report, got)

	stored, err := store.GetGaps(context.Background(), "NEBL", "1m")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "gap-1", stored[0].ID)

	loader.AssertExpectations(t)
	detector.AssertExpectations(t)
}

func TestGaps_DetectorFailureIsValidation(t *testing.T) {
	loader := new(MockLoader)
	detector := new(MockGapDetector)
	loader.On("Load", mock.Anything, "NEBL").Return(neblEntry(t0+5), nil)
	detector.On("Detect", "NEBL", mock.Anything, history.Minute, int64(0)).
		Return(nil, window.ErrUninitializedWindow)

	svc, err := New(loader, Config{}, WithGapDetector(detector))
	require.NoError(t, err)

	_, err = svc.Gaps(context.Background(), "NEBL", history.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, window.ErrUninitializedWindow)
	assert.Equal(t, errs.ErrorTypeValidation, errs.GetErrorType(err))
	assert.False(t, errs.IsRetryable(err))
}

func TestWindows_KeepsLeadingBucketWhenCovered(t *testing.T) {
	loader := new(MockLoader)
	detector := new(MockGapDetector)
	loader.On("Load", mock.Anything, "NEBL").Return(neblEntry(t0+5, t0+65), nil)
	detector.On("LeadingPartial", "NEBL", mock.Anything, history.Minute, int64(0)).
		Return(nil, nil).Once()

	svc, err := New(loader, Config{DropPartialLeading: true}, WithGapDetector(detector))
	require.NoError(t, err)

	ws, err := svc.Windows(context.Background(), "NEBL", history.Minute)
	require.NoError(t, err)
	assert.Len(t, ws.Windows, 2)
	assert.False(t, ws.DroppedLeading)

	detector.AssertExpectations(t)
	detector.AssertNotCalled(t, "Detect", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshOne_BypassesCache(t *testing.T) {
	loader := new(MockLoader)
	loader.On("Refresh", mock.Anything, "NEBL").Return(neblEntry(t0+5, t0+6, t0+70), nil).Once()

	svc, err := New(loader, Config{})
	require.NoError(t, err)

	result := svc.RefreshOne(context.Background(), "nebl")
	require.NoError(t, result.Err)
	assert.Equal(t, "NEBL", result.Symbol)
	assert.Equal(t, 3, result.Trades)
	assert.Equal(t, time.Unix(t0+3600, 0), result.UpdatedAt)

	loader.AssertExpectations(t)
	loader.AssertNotCalled(t, "Load", mock.Anything, mock.Anything)
}
