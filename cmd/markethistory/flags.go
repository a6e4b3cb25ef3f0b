package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-market-history/internal/candles"
)

const (
	formatTable = candles.FormatTable
	formatJSON  = candles.FormatJSON
)

// WindowsFlags holds flags for the windows command
type WindowsFlags struct {
	Symbol      string
	Granularity string
	Format      string
	Limit       int
	FromStore   bool
	Start       string
	End         string
}

// CandlesFlags holds flags for the candles command
type CandlesFlags struct {
	Symbol      string
	Granularity string
	Format      string
	Limit       int
}

// GapsFlags holds flags for the gaps command
type GapsFlags struct {
	Symbol      string
	Granularity string
	Format      string
}

// RefreshFlags holds flags for the refresh command
type RefreshFlags struct {
	Symbols []string
	Workers int
}

// StoreFlags holds flags for the store command
type StoreFlags struct {
	Symbol string
	Stats  bool
}

// WatchFlags holds flags for the watch command
type WatchFlags struct {
	Symbols   []string
	Frequency string
	Workers   int
}

// usageError marks errors caused by bad command line input.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usageErrorf(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// wantsHelp reports whether args ask for command help.
func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// value returns the argument following args[i].
func value(args []string, i int) (string, error) {
	if i+1 >= len(args) {
		return "", usageErrorf("%s requires a value", args[i])
	}
	return args[i+1], nil
}

func intValue(args []string, i int) (int, error) {
	v, err := value(args, i)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, usageErrorf("invalid %s value %q: must be a positive integer", args[i], v)
	}
	return n, nil
}

// parseWindowsFlags parses command line arguments for the windows command
func parseWindowsFlags(args []string, symbol, granularity string) (*WindowsFlags, error) {
	flags := &WindowsFlags{
		Symbol:      symbol,
		Granularity: granularity,
		Format:      formatTable,
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = value(args, i)
			i++
		case "--granularity", "-g":
			flags.Granularity, err = value(args, i)
			i++
		case "--format", "-f":
			flags.Format, err = value(args, i)
			i++
		case "--limit", "-n":
			flags.Limit, err = intValue(args, i)
			i++
		case "--from-store":
			flags.FromStore = true
		case "--start":
			flags.Start, err = value(args, i)
			i++
		case "--end":
			flags.End, err = value(args, i)
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Format != formatTable && flags.Format != formatJSON {
		return nil, usageErrorf("unsupported output format %q (expected table or json)", flags.Format)
	}
	if !flags.FromStore && (flags.Start != "" || flags.End != "") {
		return nil, usageErrorf("--start and --end require --from-store")
	}
	if err := requireSymbol(flags.Symbol); err != nil {
		return nil, err
	}
	return flags, nil
}

// parseCandlesFlags parses command line arguments for the candles command
func parseCandlesFlags(args []string, symbol, granularity string) (*CandlesFlags, error) {
	flags := &CandlesFlags{
		Symbol:      symbol,
		Granularity: granularity,
		Format:      formatTable,
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = value(args, i)
			i++
		case "--granularity", "-g":
			flags.Granularity, err = value(args, i)
			i++
		case "--format", "-f":
			flags.Format, err = value(args, i)
			i++
		case "--limit", "-n":
			flags.Limit, err = intValue(args, i)
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if err := candles.ValidateFormat(flags.Format); err != nil {
		return nil, usageErrorf("%v", err)
	}
	if err := requireSymbol(flags.Symbol); err != nil {
		return nil, err
	}
	return flags, nil
}

// parseGapsFlags parses command line arguments for the gaps command
func parseGapsFlags(args []string, symbol, granularity string) (*GapsFlags, error) {
	flags := &GapsFlags{
		Symbol:      symbol,
		Granularity: granularity,
		Format:      formatTable,
	}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = value(args, i)
			i++
		case "--granularity", "-g":
			flags.Granularity, err = value(args, i)
			i++
		case "--format", "-f":
			flags.Format, err = value(args, i)
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if flags.Format != formatTable && flags.Format != formatJSON {
		return nil, usageErrorf("unsupported output format %q (expected table or json)", flags.Format)
	}
	if err := requireSymbol(flags.Symbol); err != nil {
		return nil, err
	}
	return flags, nil
}

// parseRefreshFlags parses command line arguments for the refresh command
func parseRefreshFlags(args []string, symbol string) (*RefreshFlags, error) {
	flags := &RefreshFlags{Workers: 4}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbols", "-s":
			var v string
			v, err = value(args, i)
			flags.Symbols = splitSymbols(v)
			i++
		case "--workers", "-w":
			flags.Workers, err = intValue(args, i)
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if len(flags.Symbols) == 0 && symbol != "" {
		flags.Symbols = []string{symbol}
	}
	if len(flags.Symbols) == 0 {
		return nil, usageErrorf("--symbols is required")
	}
	return flags, nil
}

// parseStoreFlags parses command line arguments for the store command
func parseStoreFlags(args []string, symbol string) (*StoreFlags, error) {
	flags := &StoreFlags{Symbol: symbol}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbol", "-s":
			flags.Symbol, err = value(args, i)
			i++
		case "--stats":
			flags.Stats = true
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if err := requireSymbol(flags.Symbol); err != nil {
		return nil, err
	}
	return flags, nil
}

// parseWatchFlags parses command line arguments for the watch command
func parseWatchFlags(args []string, symbol, frequency string) (*WatchFlags, error) {
	flags := &WatchFlags{Frequency: frequency, Workers: 4}

	for i := 0; i < len(args); i++ {
		var err error
		switch args[i] {
		case "--symbols", "-s":
			var v string
			v, err = value(args, i)
			flags.Symbols = splitSymbols(v)
			i++
		case "--frequency", "-f":
			flags.Frequency, err = value(args, i)
			i++
		case "--workers", "-w":
			flags.Workers, err = intValue(args, i)
			i++
		default:
			return nil, usageErrorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return nil, err
		}
	}

	if len(flags.Symbols) == 0 && symbol != "" {
		flags.Symbols = []string{symbol}
	}
	if len(flags.Symbols) == 0 {
		return nil, usageErrorf("--symbols is required")
	}
	return flags, nil
}

func requireSymbol(symbol string) error {
	if symbol == "" {
		return usageErrorf("--symbol is required")
	}
	return nil
}

// splitSymbols splits a comma separated list, dropping empty entries.
func splitSymbols(list string) []string {
	var symbols []string
	for _, s := range strings.Split(list, ",") {
		if s = strings.TrimSpace(s); s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

// parseRange parses optional --start/--end values given as RFC 3339
// timestamps or YYYY-MM-DD dates. A date used as the end covers the whole day.
func parseRange(start, end string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error

	if start != "" {
		if from, _, err = parseTime(start); err != nil {
			return time.Time{}, time.Time{}, usageErrorf("invalid --start: %v", err)
		}
	}
	if end != "" {
		var dateOnly bool
		if to, dateOnly, err = parseTime(end); err != nil {
			return time.Time{}, time.Time{}, usageErrorf("invalid --end: %v", err)
		}
		if dateOnly {
			to = to.Add(24 * time.Hour)
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return time.Time{}, time.Time{}, usageErrorf("--start must be before --end")
	}
	return from, to, nil
}

func parseTime(s string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("expected YYYY-MM-DD or RFC 3339, got %q", s)
	}
	return t, true, nil
}
