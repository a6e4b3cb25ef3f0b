// Package feed fetches market trade history from the Cryptopia public API.
//
// Requests are rate limited with golang.org/x/time/rate and retried through
// the error classifier, so network failures, 5xx and 429 responses are
// retried with backoff while unknown markets and malformed bodies fail fast.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/johnayoung/go-market-history/internal/config"
	errs "github.com/johnayoung/go-market-history/internal/errors"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"golang.org/x/time/rate"
)

const (
	marketHistoryEndpoint = "/api/GetMarketHistory/%s_%s"

	// Bodies beyond this size are rejected rather than buffered.
	maxResponseBytes = 32 << 20

	healthCheckTimeout = 5 * time.Second

	component = "feed"
)

// Snapshot is one fetched market history.
type Snapshot struct {
	Symbol    string
	FetchedAt time.Time
	Body      []byte
	Trades    []models.Trade
}

// Client talks to the market history API.
type Client struct {
	httpClient   *http.Client
	rateLimiter  *rate.Limiter
	classifier   *errs.ErrorClassifier
	metrics      *metrics.Metrics
	logger       *slog.Logger
	baseURL      string
	baseCurrency string
	hours        int
	userAgent    string
	healthSymbol string
	now          func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClassifier sets the error classifier driving retries.
func WithClassifier(ec *errs.ErrorClassifier) Option {
	return func(c *Client) { c.classifier = ec }
}

// WithMetrics records request metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a feed client from configuration.
func NewClient(cfg config.FeedConfig, opts ...Option) *Client {
	timeout := cfg.TimeoutDuration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = 1
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter:  rate.NewLimiter(rate.Limit(rps), 1),
		logger:       slog.Default(),
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		baseCurrency: strings.ToUpper(cfg.BaseCurrency),
		hours:        cfg.Hours,
		userAgent:    cfg.UserAgent,
		healthSymbol: cfg.HealthSymbol,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.classifier == nil {
		c.classifier = errs.NewErrorClassifier(config.DefaultConfig().ErrorHandling, c.logger)
	}
	if c.userAgent == "" {
		c.userAgent = "go-market-history/1.0"
	}

	return c
}

// MarketURL returns the request URL for symbol.
func (c *Client) MarketURL(symbol string) string {
	u := c.baseURL + fmt.Sprintf(marketHistoryEndpoint, strings.ToUpper(symbol), c.baseCurrency)
	if c.hours > 0 {
		u += "/" + strconv.Itoa(c.hours)
	}
	return u
}

// FetchRaw returns the raw response body for symbol after checking that it
// is a successful response, so callers can cache it verbatim.
func (c *Client) FetchRaw(ctx context.Context, symbol string) ([]byte, error) {
	if err := ValidateSymbol(symbol); err != nil {
		return nil, err
	}

	requestURL := c.MarketURL(symbol)
	c.logger.Debug("fetching market history", "symbol", symbol, "url", requestURL)

	var body []byte
	err := c.classifier.Retry(ctx, component, "fetch_market_history", func() error {
		start := c.now()
		b, err := c.doRequest(ctx, requestURL)
		if err == nil {
			err = Validate(symbol, b)
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				err = errs.NewClassifiedError(apiErr, errs.ErrorTypeBadRequest, component, "fetch_market_history")
			}
		}

		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		c.metrics.ObserveFeedRequest(outcome, c.now().Sub(start))

		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		c.metrics.ObserveError(component, string(errs.GetErrorType(err)))
		return nil, fmt.Errorf("failed to fetch market history for %s: %w", symbol, err)
	}

	return body, nil
}

// FetchMarketHistory fetches and decodes the history of symbol.
func (c *Client) FetchMarketHistory(ctx context.Context, symbol string) (*Snapshot, error) {
	body, err := c.FetchRaw(ctx, symbol)
	if err != nil {
		return nil, err
	}

	trades, err := Decode(symbol, body)
	if err != nil {
		return nil, err
	}
	c.metrics.ObserveTradesFetched(len(trades))

	c.logger.Debug("fetched market history", "symbol", symbol, "trades", len(trades))

	return &Snapshot{
		Symbol:    strings.ToUpper(symbol),
		FetchedAt: c.now().UTC(),
		Body:      body,
		Trades:    trades,
	}, nil
}

// HealthCheck performs a single unretried request for the health symbol.
func (c *Client) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	symbol := c.healthSymbol
	if symbol == "" {
		symbol = "NEBL"
	}

	body, err := c.doRequest(healthCtx, c.MarketURL(symbol))
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	if err := Validate(symbol, body); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	c.logger.Debug("health check passed")
	return nil
}

func (c *Client) doRequest(ctx context.Context, requestURL string) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errs.NewClassifiedError(
			fmt.Errorf("failed to create request: %w", err),
			errs.ErrorTypeConfiguration, component, "build_request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				c.logger.Warn("rate limited, waiting", "retry_after", wait)
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				}
			}
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}

	return body, nil
}

// ValidateSymbol accepts non-empty alphanumeric market symbols.
func ValidateSymbol(symbol string) error {
	if symbol == "" {
		return &models.ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	for _, r := range symbol {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return &models.ValidationError{Field: "symbol", Message: fmt.Sprintf("invalid character %q in %q", r, symbol)}
		}
	}
	return nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
