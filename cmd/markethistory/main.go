// Market History CLI
// This application fetches the trade history of a market, caches it on disk
// and groups the trades into time windows for charting: one window per
// second, per calendar minute, or per aligned bucket of minutes.
//
// Usage:
//
//	markethistory windows --symbol NEBL --granularity 5m
//	markethistory candles --symbol NEBL --granularity 15m --format csv
//	markethistory gaps --symbol NEBL --granularity 1m
//	markethistory refresh --symbols NEBL,ETN
//	markethistory watch --symbols NEBL,ETN --frequency 6m
//
// For detailed help on any command, use: markethistory <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-market-history/internal/cache"
	"github.com/johnayoung/go-market-history/internal/candles"
	"github.com/johnayoung/go-market-history/internal/config"
	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/feed"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/logger"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/service"
	"github.com/johnayoung/go-market-history/internal/storage"
	"golang.org/x/time/rate"
)

// CLI version information
const (
	Version    = "1.0.0"
	AppName    = "markethistory"
	ConfigFile = "markethistory.yaml"
	ConfigEnv  = "MARKETHISTORY_CONFIG"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// CLI represents the main CLI application
type CLI struct {
	config  *config.AppConfig
	loggers *logger.LoggerManager
	logger  *slog.Logger
	metrics *metrics.Metrics
	server  *metrics.Server
	feed    *feed.Client
	cache   *cache.FileCache
	storage storage.FullStorage
	service *service.Service
}

// main is the entry point for the CLI application
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage()
		return ExitUsageError
	}

	command := argv[0]
	args := argv[1:]

	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return ExitSuccess
	}

	handler, ok := commands[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		return ExitUsageError
	}
	if wantsHelp(args) {
		printCommandHelp(command)
		return ExitSuccess
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	defer cli.shutdown()
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		return ExitConfigError
	}

	ctx = logger.WithOperation(logger.NewTraceContext(ctx), command)
	cmdLogger := cli.loggers.WithComponentContext(ctx, "cli")

	err := cmdLogger.LogOperation(ctx, command, func() error {
		return handler(cli, ctx, args)
	})
	if err != nil {
		code := exitCode(ctx, err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if code == ExitUsageError {
			fmt.Fprintln(os.Stderr)
			printCommandHelp(command)
		}
		return code
	}
	return ExitSuccess
}

var commands = map[string]func(cli *CLI, ctx context.Context, args []string) error{
	"windows": (*CLI).handleWindows,
	"candles": (*CLI).handleCandles,
	"gaps":    (*CLI).handleGaps,
	"refresh": (*CLI).handleRefresh,
	"store":   (*CLI).handleStore,
	"watch":   (*CLI).handleWatch,
}

// initialize sets up the CLI application components
func (cli *CLI) initialize(ctx context.Context) error {
	configPath := os.Getenv(ConfigEnv)
	if configPath == "" {
		configPath = ConfigFile
	}

	cfg, err := config.NewConfigManager(configPath, slog.New(slog.NewTextHandler(io.Discard, nil))).LoadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	cli.loggers, err = logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logger = cli.loggers.GetLogger()
	slog.SetDefault(cli.logger)

	cli.metrics = metrics.New()
	classifier := errs.NewErrorClassifier(cfg.ErrorHandling, cli.loggers.GetComponentLogger("errors").Logger)

	cli.feed = feed.NewClient(cfg.Feed,
		feed.WithClassifier(classifier),
		feed.WithMetrics(cli.metrics),
		feed.WithLogger(cli.loggers.GetComponentLogger("feed").Logger),
	)

	cli.cache, err = cache.NewFileCache(cfg.Cache, cli.feed,
		cache.WithMetrics(cli.metrics),
		cache.WithLogger(cli.loggers.GetComponentLogger("cache").Logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}

	cli.storage, err = storage.New(cfg.Storage.Type, cfg.Storage.DatabaseURL,
		storage.WithLogger(cli.loggers.GetComponentLogger("storage").Logger))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := cli.storage.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage schema: %w", err)
	}

	cli.service, err = service.New(cli.cache,
		service.Config{
			Persist:            cfg.Storage.Persist,
			DropPartialLeading: cfg.Aggregation.DropPartialLeading,
			FeedHours:          cfg.Feed.Hours,
		},
		service.WithStorage(cli.storage),
		service.WithMetrics(cli.metrics),
		service.WithLogger(cli.loggers.GetComponentLogger("service").Logger),
	)
	if err != nil {
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	cli.server = metrics.NewServer(cfg.Metrics, cli.metrics, cli.feed, cli.loggers)
	if err := cli.server.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	return nil
}

// shutdown releases resources in reverse order of initialization
func (cli *CLI) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if cli.server != nil {
		if err := cli.server.Stop(ctx); err != nil {
			cli.logger.Warn("failed to stop metrics server", "error", err)
		}
	}
	if cli.storage != nil {
		if err := cli.storage.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.loggers != nil {
		_ = cli.loggers.Close()
	}
}

// handleWindows handles the 'windows' command
func (cli *CLI) handleWindows(ctx context.Context, args []string) error {
	flags, err := parseWindowsFlags(args, cli.config.Feed.Symbol, cli.config.Aggregation.Granularity)
	if err != nil {
		return err
	}

	g, err := history.ParseGranularity(flags.Granularity)
	if err != nil {
		return usageErrorf("invalid --granularity: %v", err)
	}

	var ws *service.WindowSet
	if flags.FromStore {
		start, end, err := parseRange(flags.Start, flags.End)
		if err != nil {
			return err
		}
		ws, err = cli.service.StoredWindows(ctx, flags.Symbol, g, start, end)
		if err != nil {
			return err
		}
	} else {
		ws, err = cli.service.Windows(ctx, flags.Symbol, g)
		if err != nil {
			return err
		}
	}

	cli.loggers.WithContext(withWindowContext(ctx, ws.Snapshot.Symbol, g)).Info("windows built",
		"windows", len(ws.Windows),
		"trades", ws.Trades(),
		"stale", ws.Snapshot.Stale)

	return renderWindows(os.Stdout, ws, flags.Format, flags.Limit)
}

// handleCandles handles the 'candles' command
func (cli *CLI) handleCandles(ctx context.Context, args []string) error {
	flags, err := parseCandlesFlags(args, cli.config.Feed.Symbol, cli.config.Aggregation.Granularity)
	if err != nil {
		return err
	}

	g, err := history.ParseGranularity(flags.Granularity)
	if err != nil {
		return usageErrorf("invalid --granularity: %v", err)
	}

	ctx = withWindowContext(ctx, flags.Symbol, g)
	result, err := cli.service.Candles(ctx, flags.Symbol, g)
	if err != nil {
		return err
	}
	cli.loggers.WithContext(ctx).Debug("candles summarized", "candles", len(result))
	if flags.Limit > 0 && len(result) > flags.Limit {
		result = result[len(result)-flags.Limit:]
	}

	return candles.Render(os.Stdout, result, flags.Format)
}

// handleGaps handles the 'gaps' command
func (cli *CLI) handleGaps(ctx context.Context, args []string) error {
	flags, err := parseGapsFlags(args, cli.config.Feed.Symbol, cli.config.Aggregation.Granularity)
	if err != nil {
		return err
	}

	g, err := history.ParseGranularity(flags.Granularity)
	if err != nil {
		return usageErrorf("invalid --granularity: %v", err)
	}

	ctx = withWindowContext(ctx, flags.Symbol, g)
	report, err := cli.service.Gaps(ctx, flags.Symbol, g)
	if err != nil {
		return err
	}
	cli.loggers.WithContext(ctx).Debug("gaps detected",
		"gaps", len(report.Gaps),
		"missing_buckets", report.MissingBuckets)

	if flags.Format == formatJSON {
		return writeJSON(os.Stdout, report)
	}
	printGapReport(os.Stdout, report)
	return nil
}

// handleRefresh handles the 'refresh' command
func (cli *CLI) handleRefresh(ctx context.Context, args []string) error {
	flags, err := parseRefreshFlags(args, cli.config.Feed.Symbol)
	if err != nil {
		return err
	}

	results, err := cli.service.Refresh(ctx, flags.Symbols, flags.Workers)
	if err != nil {
		return err
	}

	printRefreshResults(os.Stdout, results)
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%d of %d symbols failed to refresh", countFailed(results), len(results))
		}
	}
	return nil
}

// handleStore handles the 'store' command
func (cli *CLI) handleStore(ctx context.Context, args []string) error {
	flags, err := parseStoreFlags(args, cli.config.Feed.Symbol)
	if err != nil {
		return err
	}

	result, err := cli.service.Store(ctx, flags.Symbol)
	if err != nil {
		return err
	}

	fmt.Printf("✅ Stored %s: %d new trades, %d already stored\n", flags.Symbol, result.Inserted, result.Duplicates)

	if flags.Stats {
		stats, err := cli.storage.GetStats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read storage stats: %w", err)
		}
		printStorageStats(os.Stdout, stats)
	}
	return nil
}

// handleWatch handles the 'watch' command for periodic refreshes
func (cli *CLI) handleWatch(ctx context.Context, args []string) error {
	flags, err := parseWatchFlags(args, cli.config.Feed.Symbol, cli.config.Cache.UpdateInterval)
	if err != nil {
		return err
	}

	frequency, err := time.ParseDuration(flags.Frequency)
	if err != nil {
		return usageErrorf("invalid --frequency: %v", err)
	}

	limiter := rate.NewLimiter(rate.Limit(cli.config.Feed.RateLimit), 1)
	pool := cli.service.NewWorkerPool(flags.Workers, limiter)
	if err := pool.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pool.Stop(stopCtx); err != nil {
			cli.logger.Warn("failed to stop worker pool", "error", err)
		}
	}()

	scheduler, err := service.NewScheduler(
		service.SchedulerConfig{
			Symbols:        flags.Symbols,
			Frequency:      frequency,
			RunImmediately: true,
		},
		pool,
		service.WithHealthChecker(cli.feed),
		service.WithRoundHook(func(results []service.RefreshResult) { printRefreshResults(os.Stdout, results) }),
		service.WithSchedulerLogger(cli.loggers.GetComponentLogger("scheduler").Logger),
	)
	if err != nil {
		return usageErrorf("%v", err)
	}

	fmt.Printf("🚀 Refreshing %d symbols every %v...\n", len(flags.Symbols), frequency)
	fmt.Println("Press Ctrl+C to stop gracefully")

	if err := scheduler.Run(ctx); err != nil {
		return err
	}

	stats := scheduler.GetStats()
	fmt.Printf("Stopped after %d rounds: %d refreshed, %d failed\n", stats.Rounds, stats.Refreshed, stats.Failed)
	return nil
}

// exitCode maps a command error to a process exit code
func exitCode(ctx context.Context, err error) int {
	var usage *usageError
	switch {
	case errors.As(err, &usage):
		return ExitUsageError
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return ExitInterrupt
	}

	switch errs.GetErrorType(err) {
	case errs.ErrorTypeNetwork, errs.ErrorTypeTimeout, errs.ErrorTypeRateLimit,
		errs.ErrorTypeServerError, errs.ErrorTypeCircuitOpen, errs.ErrorTypeTemporary:
		return ExitConnectionErr
	case errs.ErrorTypeConfiguration:
		return ExitConfigError
	}
	return ExitDataError
}

// withWindowContext tags ctx with the symbol and granularity being processed.
func withWindowContext(ctx context.Context, symbol string, g history.Granularity) context.Context {
	return logger.WithGranularity(logger.WithSymbol(ctx, strings.ToUpper(symbol)), g.String())
}

func countFailed(results []service.RefreshResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
