package candles

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/olekukonko/tablewriter"
)

// Output formats accepted by Render.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

var columns = []string{"time", "open", "high", "low", "close", "volume", "trades"}

// ValidateFormat reports whether format is supported.
func ValidateFormat(format string) error {
	switch format {
	case FormatTable, FormatJSON, FormatCSV:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (expected table, json or csv)", format)
	}
}

// Render writes candles to w in the given format.
func Render(w io.Writer, candles []models.Candle, format string) error {
	switch format {
	case FormatTable:
		return renderTable(w, candles)
	case FormatJSON:
		return renderJSON(w, candles)
	case FormatCSV:
		return renderCSV(w, candles)
	default:
		return ValidateFormat(format)
	}
}

func row(c models.Candle) []string {
	return []string{
		c.Timestamp.UTC().Format(time.RFC3339),
		c.Open,
		c.High,
		c.Low,
		c.Close,
		c.Volume,
		strconv.Itoa(c.Trades),
	}
}

func renderTable(w io.Writer, candles []models.Candle) error {
	table := tablewriter.NewWriter(w)
	table.Header("Time", "Open", "High", "Low", "Close", "Volume", "Trades")
	for _, c := range candles {
		r := row(c)
		if err := table.Append(r[0], r[1], r[2], r[3], r[4], r[5], r[6]); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func renderJSON(w io.Writer, candles []models.Candle) error {
	if candles == nil {
		candles = []models.Candle{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(candles); err != nil {
		return fmt.Errorf("failed to encode candles: %w", err)
	}
	return nil
}

func renderCSV(w io.Writer, candles []models.Candle) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, c := range candles {
		if err := cw.Write(row(c)); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
