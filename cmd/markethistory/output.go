package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/johnayoung/go-market-history/internal/gaps"
	"github.com/johnayoung/go-market-history/internal/service"
	"github.com/johnayoung/go-market-history/internal/storage"
	"github.com/olekukonko/tablewriter"
)

// windowRow is the printed form of one time window.
type windowRow struct {
	Begin  time.Time `json:"begin"`
	End    time.Time `json:"end"`
	Trades int       `json:"trades"`
	First  string    `json:"first_price,omitempty"`
	Last   string    `json:"last_price,omitempty"`
}

type windowsOutput struct {
	Symbol         string      `json:"symbol"`
	Granularity    string      `json:"granularity"`
	UpdatedAt      time.Time   `json:"updated_at,omitempty"`
	Stale          bool        `json:"stale"`
	DroppedLeading bool        `json:"dropped_leading"`
	Windows        []windowRow `json:"windows"`
}

func windowRows(ws *service.WindowSet, limit int) []windowRow {
	windows := ws.Windows
	if limit > 0 && len(windows) > limit {
		windows = windows[len(windows)-limit:]
	}

	rows := make([]windowRow, 0, len(windows))
	for _, w := range windows {
		begin, end, err := w.Bounds()
		if err != nil {
			continue
		}
		r := windowRow{
			Begin:  time.Unix(begin, 0).UTC(),
			End:    time.Unix(end, 0).UTC(),
			Trades: w.Len(),
		}
		if events := w.Events(); len(events) > 0 {
			if p, err := events[0].Price(); err == nil {
				r.First = p.String()
			}
			if p, err := events[len(events)-1].Price(); err == nil {
				r.Last = p.String()
			}
		}
		rows = append(rows, r)
	}
	return rows
}

// renderWindows prints a window set as a table or JSON document.
func renderWindows(w io.Writer, ws *service.WindowSet, format string, limit int) error {
	rows := windowRows(ws, limit)

	if format == formatJSON {
		return writeJSON(w, windowsOutput{
			Symbol:         ws.Snapshot.Symbol,
			Granularity:    ws.Granularity.String(),
			UpdatedAt:      ws.Snapshot.UpdatedAt,
			Stale:          ws.Snapshot.Stale,
			DroppedLeading: ws.DroppedLeading,
			Windows:        rows,
		})
	}

	if ws.Snapshot.Stale {
		fmt.Fprintf(w, "⚠️  Serving cached history from %s, refresh failed\n", ws.Snapshot.UpdatedAt.Format(time.RFC3339))
	}
	if ws.DroppedLeading {
		fmt.Fprintln(w, "Partially covered first window omitted")
	}

	table := tablewriter.NewWriter(w)
	table.Header("Begin", "End", "Trades", "First", "Last")
	for _, r := range rows {
		if err := table.Append(
			r.Begin.Format(time.RFC3339),
			r.End.Format(time.RFC3339),
			strconv.Itoa(r.Trades),
			r.First,
			r.Last,
		); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}

	fmt.Fprintf(w, "%s %s: %d windows, %d trades\n", ws.Snapshot.Symbol, ws.Granularity, len(ws.Windows), ws.Trades())
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// printGapReport prints detected gaps.
func printGapReport(w io.Writer, report *gaps.Report) {
	if len(report.Gaps) == 0 {
		fmt.Fprintf(w, "✅ No gaps in %d %s windows for %s\n", report.Windows, report.Interval, report.Symbol)
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Kind", "Start", "End", "Duration")
	for _, g := range report.Gaps {
		_ = table.Append(
			string(g.Kind),
			g.StartTime.Format(time.RFC3339),
			g.EndTime.Format(time.RFC3339),
			g.Duration().String(),
		)
	}
	_ = table.Render()

	fmt.Fprintf(w, "⚠️  %s %s: %d gaps, %d missing buckets across %d windows\n",
		report.Symbol, report.Interval, len(report.Gaps), report.MissingBuckets, report.Windows)
	if report.LeadingPartial {
		fmt.Fprintln(w, "The first window is only partially covered by the feed")
	}
}

// printRefreshResults prints the outcome of a refresh round.
func printRefreshResults(w io.Writer, results []service.RefreshResult) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "❌ %s: %v\n", r.Symbol, r.Err)
			continue
		}
		fmt.Fprintf(w, "✅ %s: %d trades (updated %s)\n", r.Symbol, r.Trades, r.UpdatedAt.Format(time.RFC3339))
	}
}

// printStorageStats prints storage statistics.
func printStorageStats(w io.Writer, stats *storage.StorageStats) {
	fmt.Fprintf(w, "\nStorage: %d trades across %d symbols, %d gaps\n", stats.TotalTrades, stats.TotalSymbols, stats.TotalGaps)
	if !stats.EarliestData.IsZero() {
		fmt.Fprintf(w, "Range:   %s to %s\n", stats.EarliestData.Format(time.RFC3339), stats.LatestData.Format(time.RFC3339))
	}
}
