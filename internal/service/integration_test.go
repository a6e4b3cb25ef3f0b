package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/johnayoung/go-market-history/internal/cache"
	"github.com/johnayoung/go-market-history/internal/config"
	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/feed"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// Trades fall into minutes 0, 2, 11 and 12 after t0.
var integrationTimestamps = []int64{t0 + 5, t0 + 20, t0 + 130, t0 + 700, t0 + 720}

// ServiceIntegrationTestSuite runs the service against an HTTP feed, a file
// cache and a DuckDB database.
type ServiceIntegrationTestSuite struct {
	suite.Suite

	ctx      context.Context
	cancel   context.CancelFunc
	server   *httptest.Server
	requests atomic.Int32

	store   *storage.DuckDBStorage
	metrics *metrics.Metrics
	svc     *Service
}

func (suite *ServiceIntegrationTestSuite) SetupSuite() {
	suite.ctx, suite.cancel = context.WithCancel(context.Background())

	body := historyBody(integrationTimestamps...)
	suite.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		suite.requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/GetMarketHistory/NEBL_BTC":
			_, _ = w.Write(body)
		case "/api/GetMarketHistory/GONE_BTC":
			_, _ = w.Write([]byte(`{"Success":false,"Message":"Market GONE_BTC not found","Data":null}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func (suite *ServiceIntegrationTestSuite) TearDownSuite() {
	suite.server.Close()
	suite.cancel()
}

func (suite *ServiceIntegrationTestSuite) SetupTest() {
	t := suite.T()
	dir := t.TempDir()

	var err error
	suite.store, err = storage.NewDuckDBStorage(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	require.NoError(t, suite.store.Initialize(suite.ctx))

	suite.metrics = metrics.New()
	client := feed.NewClient(config.FeedConfig{
		BaseURL:      suite.server.URL,
		BaseCurrency: "BTC",
		Timeout:      "5s",
		RateLimit:    100,
	}, feed.WithMetrics(suite.metrics))

	fc, err := cache.NewFileCache(config.CacheConfig{
		Dir:            filepath.Join(dir, "cache"),
		UpdateInterval: "6m",
	}, client, cache.WithMetrics(suite.metrics))
	require.NoError(t, err)

	suite.svc, err = New(fc, Config{Persist: true},
		WithStorage(suite.store),
		WithMetrics(suite.metrics))
	require.NoError(t, err)

	suite.requests.Store(0)
}

func (suite *ServiceIntegrationTestSuite) TearDownTest() {
	if suite.store != nil {
		suite.store.Close()
	}
}

func (suite *ServiceIntegrationTestSuite) TestWindowsFromFeed() {
	t := suite.T()

	ws, err := suite.svc.Windows(suite.ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	suite.Len(ws.Windows, 4)
	suite.Equal(5, ws.Trades())
	suite.True(ws.Snapshot.Fetched)
	suite.Require().NotNil(ws.Snapshot.Stored)
	suite.Equal(5, ws.Snapshot.Stored.Inserted)

	// The second read is served from the cache and stores nothing new.
	ws, err = suite.svc.Windows(suite.ctx, "nebl", history.Minute)
	require.NoError(t, err)
	suite.False(ws.Snapshot.Fetched)
	suite.Equal(0, ws.Snapshot.Stored.Inserted)
	suite.Equal(5, ws.Snapshot.Stored.Duplicates)
	suite.Equal(int32(1), suite.requests.Load())
}

func (suite *ServiceIntegrationTestSuite) TestStoredWindowsMatchFeed() {
	t := suite.T()
	five, err := history.Minutes(5)
	require.NoError(t, err)

	live, err := suite.svc.Windows(suite.ctx, "NEBL", five)
	require.NoError(t, err)
	stored, err := suite.svc.StoredWindows(suite.ctx, "NEBL", five, time.Time{}, time.Time{})
	require.NoError(t, err)

	suite.Require().Len(stored.Windows, len(live.Windows))
	for i := range live.Windows {
		suite.Equal(live.Windows[i].String(), stored.Windows[i].String())
		suite.Equal(live.Windows[i].Len(), stored.Windows[i].Len())
	}

	// Only the second bucket, [t0+600, t0+900).
	ranged, err := suite.svc.StoredWindows(suite.ctx, "NEBL", five, time.Unix(t0+600, 0), time.Unix(t0+900, 0))
	require.NoError(t, err)
	suite.Require().Len(ranged.Windows, 1)
	suite.Equal(2, ranged.Windows[0].Len())
}

func (suite *ServiceIntegrationTestSuite) TestGapsPersisted() {
	t := suite.T()

	report, err := suite.svc.Gaps(suite.ctx, "NEBL", history.Minute)
	require.NoError(t, err)
	suite.True(report.LeadingPartial)
	suite.Len(report.Gaps, 3)
	suite.Equal(9, report.MissingBuckets)
	suite.Equal(models.GapKindPartial, report.Gaps[0].Kind)

	_, err = suite.svc.Gaps(suite.ctx, "NEBL", history.Minute)
	require.NoError(t, err)

	stored, err := suite.store.GetGaps(suite.ctx, "NEBL", "1m")
	require.NoError(t, err)
	suite.Len(stored, 3)
}

func (suite *ServiceIntegrationTestSuite) TestRefresh() {
	t := suite.T()

	results, err := suite.svc.Refresh(suite.ctx, []string{"NEBL", "GONE"}, 2)
	require.NoError(t, err)
	suite.Require().Len(results, 2)

	suite.NoError(results[0].Err)
	suite.Equal(5, results[0].Trades)

	suite.Error(results[1].Err)
	suite.Equal(errs.ErrorTypeBadRequest, errs.GetErrorType(results[1].Err))
	suite.Equal(1.0, testutil.ToFloat64(suite.metrics.Errors.WithLabelValues("service", "bad_request")))

	stats, err := suite.store.GetStats(suite.ctx)
	require.NoError(t, err)
	suite.Equal(int64(5), stats.TotalTrades)
}

func TestServiceIntegrationSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(ServiceIntegrationTestSuite))
}
