package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/gaps"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWindowsFlags(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    *WindowsFlags
		wantErr string
	}{
		{
			name: "defaults from config",
			args: nil,
			want: &WindowsFlags{Symbol: "NEBL", Granularity: "1m", Format: "table"},
		},
		{
			name: "all flags",
			args: []string{"-s", "ETN", "--granularity", "5m", "-f", "json", "-n", "10", "--from-store", "--start", "2018-01-01", "--end", "2018-01-02"},
			want: &WindowsFlags{Symbol: "ETN", Granularity: "5m", Format: "json", Limit: 10, FromStore: true, Start: "2018-01-01", End: "2018-01-02"},
		},
		{
			name:    "missing value",
			args:    []string{"--symbol"},
			wantErr: "--symbol requires a value",
		},
		{
			name:    "unknown flag",
			args:    []string{"--pair", "BTC-USD"},
			wantErr: "unknown flag: --pair",
		},
		{
			name:    "csv not supported",
			args:    []string{"-f", "csv"},
			wantErr: "unsupported output format",
		},
		{
			name:    "range needs store",
			args:    []string{"--start", "2018-01-01"},
			wantErr: "require --from-store",
		},
		{
			name:    "bad limit",
			args:    []string{"--limit", "0"},
			wantErr: "must be a positive integer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWindowsFlags(tt.args, "NEBL", "1m")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var usage *usageError
				assert.ErrorAs(t, err, &usage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCandlesFlags(t *testing.T) {
	got, err := parseCandlesFlags([]string{"-g", "15m", "-f", "csv"}, "NEBL", "1m")
	require.NoError(t, err)
	assert.Equal(t, &CandlesFlags{Symbol: "NEBL", Granularity: "15m", Format: "csv"}, got)

	_, err = parseCandlesFlags([]string{"-f", "xml"}, "NEBL", "1m")
	assert.Error(t, err)

	_, err = parseCandlesFlags(nil, "", "1m")
	assert.EqualError(t, err, "--symbol is required")
}

func TestParseRefreshFlags(t *testing.T) {
	got, err := parseRefreshFlags([]string{"--symbols", " NEBL, ,ETN ", "-w", "2"}, "XMR")
	require.NoError(t, err)
	assert.Equal(t, []string{"NEBL", "ETN"}, got.Symbols)
	assert.Equal(t, 2, got.Workers)

	got, err = parseRefreshFlags(nil, "XMR")
	require.NoError(t, err)
	assert.Equal(t, []string{"XMR"}, got.Symbols)
	assert.Equal(t, 4, got.Workers)

	_, err = parseRefreshFlags(nil, "")
	assert.EqualError(t, err, "--symbols is required")
}

func TestParseWatchFlags(t *testing.T) {
	got, err := parseWatchFlags([]string{"-s", "NEBL,ETN"}, "", "6m")
	require.NoError(t, err)
	assert.Equal(t, &WatchFlags{Symbols: []string{"NEBL", "ETN"}, Frequency: "6m", Workers: 4}, got)

	got, err = parseWatchFlags([]string{"--frequency", "30s"}, "NEBL", "6m")
	require.NoError(t, err)
	assert.Equal(t, "30s", got.Frequency)
}

func TestParseStoreFlags(t *testing.T) {
	got, err := parseStoreFlags([]string{"--stats"}, "NEBL")
	require.NoError(t, err)
	assert.Equal(t, &StoreFlags{Symbol: "NEBL", Stats: true}, got)
}

func TestParseRange(t *testing.T) {
	start, end, err := parseRange("2018-01-01", "2018-01-01")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2018, 1, 2, 0, 0, 0, 0, time.UTC), end)

	start, end, err = parseRange("2018-01-01T12:00:00+02:00", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2018, 1, 1, 10, 0, 0, 0, time.UTC), start)
	assert.True(t, end.IsZero())

	_, _, err = parseRange("2018-01-02", "2018-01-01T00:00:00Z")
	assert.ErrorContains(t, err, "--start must be before --end")

	_, _, err = parseRange("yesterday", "")
	assert.ErrorContains(t, err, "invalid --start")
}

func TestWantsHelp(t *testing.T) {
	assert.True(t, wantsHelp([]string{"-s", "NEBL", "--help"}))
	assert.True(t, wantsHelp([]string{"-h"}))
	assert.False(t, wantsHelp([]string{"-s", "NEBL"}))
}

func TestExitCode(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want int
	}{
		{"usage", context.Background(), usageErrorf("--symbol is required"), ExitUsageError},
		{"interrupted", canceled, errors.New("fetch aborted"), ExitInterrupt},
		{"canceled error", context.Background(), fmt.Errorf("wrapped: %w", context.Canceled), ExitInterrupt},
		{"network", context.Background(), errs.NewClassifiedError(errors.New("dial"), errs.ErrorTypeNetwork, "feed", "fetch"), ExitConnectionErr},
		{"rate limit", context.Background(), errs.NewClassifiedError(errors.New("429"), errs.ErrorTypeRateLimit, "feed", "fetch"), ExitConnectionErr},
		{"circuit open", context.Background(), errs.NewClassifiedError(errors.New("open"), errs.ErrorTypeCircuitOpen, "feed", "fetch"), ExitConnectionErr},
		{"configuration", context.Background(), errs.NewClassifiedError(errors.New("bad"), errs.ErrorTypeConfiguration, "cli", "init"), ExitConfigError},
		{"validation", context.Background(), errs.NewClassifiedError(errors.New("unsorted"), errs.ErrorTypeValidation, "service", "windows"), ExitDataError},
		{"plain", context.Background(), errors.New("boom"), ExitDataError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.ctx, tt.err))
		})
	}
}

func TestRun_WithoutCommand(t *testing.T) {
	assert.Equal(t, ExitUsageError, run(nil))
	assert.Equal(t, ExitUsageError, run([]string{"collect"}))
	assert.Equal(t, ExitSuccess, run([]string{"--version"}))
	assert.Equal(t, ExitSuccess, run([]string{"windows", "--help"}))
}

func testWindowSet(t *testing.T) *service.WindowSet {
	t.Helper()
	base := int64(1514808000) // 2018-01-01 12:00:00 UTC
	var trades []models.Trade
	for i, ts := range []int64{base + 5, base + 20, base + 130} {
		trades = append(trades, models.Trade{Timestamp: ts, Payload: map[string]any{
			models.FieldTimestamp: ts,
			"Price":               json.Number(fmt.Sprintf("0.00%d", i+1)),
		}})
	}
	h, err := history.New(trades)
	require.NoError(t, err)
	windows, err := h.Windows(history.Minute)
	require.NoError(t, err)
	return &service.WindowSet{
		Snapshot:    &service.Snapshot{Symbol: "NEBL", History: h},
		Granularity: history.Minute,
		Windows:     windows,
	}
}

func TestRenderWindows(t *testing.T) {
	ws := testWindowSet(t)

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, renderWindows(&buf, ws, formatJSON, 0))

		var out windowsOutput
		require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
		assert.Equal(t, "NEBL", out.Symbol)
		assert.Equal(t, "1m", out.Granularity)
		require.Len(t, out.Windows, 2)
		assert.Equal(t, 2, out.Windows[0].Trades)
		assert.Equal(t, "0.001", out.Windows[0].First)
		assert.Equal(t, "0.002", out.Windows[0].Last)
		assert.Equal(t, time.Date(2018, 1, 1, 12, 0, 5, 0, time.UTC), out.Windows[0].Begin)
		assert.Equal(t, time.Date(2018, 1, 1, 12, 0, 20, 0, time.UTC), out.Windows[0].End)
		assert.Equal(t, time.Date(2018, 1, 1, 12, 2, 10, 0, time.UTC), out.Windows[1].Begin)
	})

	t.Run("table with limit", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, renderWindows(&buf, ws, formatTable, 1))
		out := buf.String()
		assert.Contains(t, out, "2018-01-01T12:02:10Z")
		assert.NotContains(t, out, "2018-01-01T12:00:05Z")
		assert.Contains(t, out, "NEBL 1m: 2 windows, 3 trades")
	})
}

func TestPrintGapReport(t *testing.T) {
	var buf bytes.Buffer
	printGapReport(&buf, &gaps.Report{Symbol: "NEBL", Interval: "1m", Windows: 4})
	assert.Contains(t, buf.String(), "No gaps in 4 1m windows for NEBL")

	buf.Reset()
	start := time.Date(2018, 1, 1, 12, 1, 0, 0, time.UTC)
	printGapReport(&buf, &gaps.Report{
		Symbol:         "NEBL",
		Interval:       "1m",
		Windows:        2,
		MissingBuckets: 1,
		Gaps: []models.Gap{{
			Symbol: "NEBL", StartTime: start, EndTime: start.Add(time.Minute), Interval: "1m", Kind: models.GapKindEmpty,
		}},
	})
	assert.Contains(t, buf.String(), "empty")
	assert.Contains(t, buf.String(), "1 gaps, 1 missing buckets across 2 windows")
}

func TestPrintRefreshResults(t *testing.T) {
	var buf bytes.Buffer
	updated := time.Date(2018, 1, 1, 12, 0, 0, 0, time.UTC)
	printRefreshResults(&buf, []service.RefreshResult{
		{Symbol: "NEBL", UpdatedAt: updated, Trades: 42},
		{Symbol: "GONE", Err: errors.New("market history for GONE unavailable")},
	})
	assert.Contains(t, buf.String(), "NEBL: 42 trades (updated 2018-01-01T12:00:00Z)")
	assert.Contains(t, buf.String(), "GONE: market history for GONE unavailable")
	assert.Equal(t, 1, countFailed([]service.RefreshResult{{Err: errors.New("x")}, {}}))
}
