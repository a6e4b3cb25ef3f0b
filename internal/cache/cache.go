// Package cache keeps the last market history response per symbol on disk
// and refetches it once it is older than the configured update interval.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/johnayoung/go-market-history/internal/config"
	"github.com/johnayoung/go-market-history/internal/metrics"
)

// Lookup results recorded in metrics.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
)

// Fetcher retrieves a fresh response body for a symbol.
type Fetcher interface {
	FetchRaw(ctx context.Context, symbol string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, symbol string) ([]byte, error)

// FetchRaw calls f.
func (f FetcherFunc) FetchRaw(ctx context.Context, symbol string) ([]byte, error) {
	return f(ctx, symbol)
}

// Entry is a cached response body.
type Entry struct {
	Symbol    string
	Body      []byte
	UpdatedAt time.Time
	// Fetched is true when the body came from the fetcher during this call.
	Fetched bool
	// Stale is true when a refetch failed and an expired body was served.
	Stale bool
}

// FileCache stores one file per symbol under a directory.
type FileCache struct {
	dir      string
	interval time.Duration
	fetcher  Fetcher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// Option customizes a FileCache.
type Option func(*FileCache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *FileCache) { c.now = now }
}

// WithMetrics records lookups into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *FileCache) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *FileCache) { c.logger = logger }
}

// NewFileCache creates the cache directory if needed.
func NewFileCache(cfg config.CacheConfig, fetcher Fetcher, opts ...Option) (*FileCache, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("cache fetcher is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", cfg.Dir, err)
	}

	c := &FileCache{
		dir:      cfg.Dir,
		interval: cfg.UpdateIntervalDuration(),
		fetcher:  fetcher,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Path returns the file backing symbol.
func (c *FileCache) Path(symbol string) string {
	return filepath.Join(c.dir, strings.ToUpper(symbol)+".json")
}

// Load returns the cached body for symbol when it is non-empty and no older
// than the update interval, and otherwise fetches, stores and returns a new
// one. If the refetch fails while an expired body exists, the expired body is
// served with Stale set.
func (c *FileCache) Load(ctx context.Context, symbol string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cached, err := c.read(symbol)
	if err != nil {
		return nil, err
	}

	if cached != nil {
		age := c.now().Sub(cached.UpdatedAt)
		if age <= c.interval {
			c.metrics.ObserveCacheLookup(ResultHit, age)
			c.logger.Debug("serving cached market history", "symbol", symbol, "age", age)
			return cached, nil
		}
	}

	entry, fetchErr := c.fetch(ctx, symbol)
	if fetchErr == nil {
		c.metrics.ObserveCacheLookup(ResultMiss, 0)
		return entry, nil
	}

	if cached == nil || ctx.Err() != nil {
		return nil, fetchErr
	}

	age := c.now().Sub(cached.UpdatedAt)
	c.logger.Warn("refetch failed, serving stale market history",
		"symbol", symbol,
		"age", age,
		"error", fetchErr)
	c.metrics.ObserveCacheLookup(ResultStale, age)
	cached.Stale = true
	return cached, nil
}

// Refresh fetches and stores symbol regardless of the cached file's age.
func (c *FileCache) Refresh(ctx context.Context, symbol string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.fetch(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveCacheLookup(ResultMiss, 0)
	return entry, nil
}

// Age returns how long ago symbol was stored. ok is false when nothing is cached.
func (c *FileCache) Age(symbol string) (age time.Duration, ok bool, err error) {
	info, err := os.Stat(c.Path(symbol))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to stat cache file: %w", err)
	}
	return c.now().Sub(info.ModTime()), true, nil
}

// Invalidate removes the cached file for symbol. Removing a missing file is not an error.
func (c *FileCache) Invalidate(symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.Path(symbol))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to invalidate cache for %s: %w", symbol, err)
	}
	return nil
}

func (c *FileCache) read(symbol string) (*Entry, error) {
	path := c.Path(symbol)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat cache file %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file %s: %w", path, err)
	}

	return &Entry{Symbol: strings.ToUpper(symbol), Body: body, UpdatedAt: info.ModTime()}, nil
}

func (c *FileCache) fetch(ctx context.Context, symbol string) (*Entry, error) {
	body, err := c.fetcher.FetchRaw(ctx, symbol)
	if err != nil {
		return nil, err
	}

	updatedAt := c.now()
	if err := c.write(symbol, body, updatedAt); err != nil {
		return nil, err
	}

	c.logger.Debug("stored market history", "symbol", symbol, "bytes", len(body))
	return &Entry{Symbol: strings.ToUpper(symbol), Body: body, UpdatedAt: updatedAt, Fetched: true}, nil
}

// write replaces the cache file atomically so readers never see a partial body.
func (c *FileCache) write(symbol string, body []byte, updatedAt time.Time) error {
	path := c.Path(symbol)

	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op after a successful rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	// Age is measured against the injected clock.
	if err := os.Chtimes(path, updatedAt, updatedAt); err != nil {
		return fmt.Errorf("failed to stamp cache file: %w", err)
	}

	return nil
}
