package main

import "fmt"

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - Market trade history grouped into time windows

USAGE:
    %s <command> [options]

COMMANDS:
    windows     Group the trade history of a symbol into time windows
    candles     Summarize each window as an OHLCV candle
    gaps        Report calendar buckets without trades
    refresh     Refetch market history, bypassing the cache
    store       Persist the current market history
    watch       Refresh symbols on a fixed schedule

GLOBAL OPTIONS:
    --help, -h      Show help information
    --version, -v   Show version information

CONFIGURATION:
    Configuration is read from %s in the current directory, or from the
    file named by %s. Environment variables override file values:
        FEED_BASE_URL, FEED_SYMBOL, CACHE_DIR, CACHE_UPDATE_INTERVAL,
        STORAGE_TYPE, DATABASE_URL, GRANULARITY, LOG_LEVEL, METRICS_ENABLED

Run '%s <command> --help' for more information on a command.
`, AppName, AppName, ConfigFile, ConfigEnv, AppName)
}

// printCommandHelp prints help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "windows":
		fmt.Printf(`%s windows - Group trade history into time windows

USAGE:
    %s windows [options]

OPTIONS:
    --symbol, -s <symbol>       Market symbol (default: feed.symbol)
    --granularity, -g <g>       Window width (default: aggregation.granularity)
                                Supported: 1s, 1m, or minutes dividing an hour
                                such as 5m, 15m, 30m, 1h
    --format, -f <format>       Output format: table, json (default: table)
    --limit, -n <count>         Show only the newest windows
    --from-store                Read trades from storage instead of the feed
    --start <time>              First stored trade to include (with --from-store)
    --end <time>                End of the stored range, exclusive (with --from-store)
    --help, -h                  Show this help message

EXAMPLES:
    # Five minute windows for NEBL
    %s windows --symbol NEBL --granularity 5m

    # Per-second windows as JSON
    %s windows -s NEBL -g 1s -f json

    # Hourly windows over one stored day
    %s windows -s NEBL -g 1h --from-store --start 2018-01-01 --end 2018-01-01

NOTES:
    - Minute windows follow the calendar minute of each trade
    - Larger windows are aligned to the epoch; buckets without trades are omitted
    - Times are UTC; dates given to --end cover the whole day
`, AppName, AppName, AppName, AppName, AppName)

	case "candles":
		fmt.Printf(`%s candles - Summarize windows as OHLCV candles

USAGE:
    %s candles [options]

OPTIONS:
    --symbol, -s <symbol>       Market symbol (default: feed.symbol)
    --granularity, -g <g>       Candle width (default: aggregation.granularity)
    --format, -f <format>       Output format: table, json, csv (default: table)
    --limit, -n <count>         Show only the newest candles
    --help, -h                  Show this help message

EXAMPLES:
    # 15 minute candles as CSV
    %s candles --symbol NEBL --granularity 15m --format csv
`, AppName, AppName, AppName)

	case "gaps":
		fmt.Printf(`%s gaps - Report buckets without trades

USAGE:
    %s gaps [options]

OPTIONS:
    --symbol, -s <symbol>       Market symbol (default: feed.symbol)
    --granularity, -g <g>       Bucket width (default: aggregation.granularity)
    --format, -f <format>       Output format: table, json (default: table)
    --help, -h                  Show this help message

EXAMPLES:
    %s gaps --symbol NEBL --granularity 1m

NOTES:
    - Gaps are stored when storage.persist is enabled
    - A first bucket only partly covered by the feed is reported as partial
`, AppName, AppName, AppName)

	case "refresh":
		fmt.Printf(`%s refresh - Refetch market history

USAGE:
    %s refresh [options]

OPTIONS:
    --symbols, -s <list>        Comma-separated symbols (default: feed.symbol)
    --workers, -w <count>       Concurrent refreshes (default: 4)
    --help, -h                  Show this help message

EXAMPLES:
    %s refresh --symbols NEBL,ETN,XMR
`, AppName, AppName, AppName)

	case "store":
		fmt.Printf(`%s store - Persist the current market history

USAGE:
    %s store [options]

OPTIONS:
    --symbol, -s <symbol>       Market symbol (default: feed.symbol)
    --stats                     Print storage statistics afterwards
    --help, -h                  Show this help message

EXAMPLES:
    %s store --symbol NEBL --stats

NOTES:
    - Trades already stored are skipped
`, AppName, AppName, AppName)

	case "watch":
		fmt.Printf(`%s watch - Refresh symbols on a schedule

USAGE:
    %s watch [options]

OPTIONS:
    --symbols, -s <list>        Comma-separated symbols (default: feed.symbol)
    --frequency, -f <duration>  Time between rounds (default: cache.update_interval)
    --workers, -w <count>       Concurrent refreshes (default: 4)
    --help, -h                  Show this help message

EXAMPLES:
    %s watch --symbols NEBL,ETN --frequency 6m

NOTES:
    - Rounds start on multiples of the frequency
    - Requests are paced by feed.rate_limit
    - Press Ctrl+C to stop
`, AppName, AppName, AppName)

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
