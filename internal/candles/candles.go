// Package candles turns time windows into OHLCV candles for display.
//
// The aggregation core never interprets trade payloads; this package is the
// one place that reads prices and amounts, using decimal arithmetic so feed
// precision is kept end to end.
package candles

import (
	"log/slog"
	"time"

	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/window"
	"github.com/shopspring/decimal"
)

// Summarizer builds candles from windows.
type Summarizer struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customizes a Summarizer.
type Option func(*Summarizer)

// WithLogger sets the logger used for skipped-window warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Summarizer) { s.logger = logger }
}

// WithMetrics records skipped windows into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Summarizer) { s.metrics = m }
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(opts ...Option) *Summarizer {
	s := &Summarizer{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize returns one candle per window using a default Summarizer.
func Summarize(windows []*window.TimeWindow, symbol string, g history.Granularity) []models.Candle {
	return NewSummarizer().Summarize(windows, symbol, g)
}

// Summarize returns one candle per window, in window order. The candle spans
// the aligned bucket holding the window's first second. Open and close are
// the first and last priced trades, volume is the sum of their amounts.
// Trades without a usable price or amount are ignored; a window left with no
// priced trades, or whose candle fails validation, is skipped with a warning.
func (s *Summarizer) Summarize(windows []*window.TimeWindow, symbol string, g history.Granularity) []models.Candle {
	candles := make([]models.Candle, 0, len(windows))
	interval := g.String()

	for _, w := range windows {
		begin, err := w.Begin()
		if err != nil {
			s.skip("window has no bounds", symbol, interval, 0, err)
			continue
		}

		candle, unpriced, ok := summarizeWindow(w.Events())
		if unpriced > 0 {
			s.logger.Debug("ignored trades without price or amount",
				"symbol", symbol,
				"window_begin", begin,
				"count", unpriced)
		}
		if !ok {
			s.skip("window has no priced trades", symbol, interval, begin, nil)
			continue
		}

		start := g.BucketStart(begin)
		candle.Timestamp = time.Unix(start, 0).UTC()
		candle.End = time.Unix(start+g.Seconds()-1, 0).UTC()
		candle.Trades = w.Len()
		candle.Symbol = symbol
		candle.Interval = interval

		if err := candle.Validate(); err != nil {
			s.skip("candle failed validation", symbol, interval, begin, err)
			continue
		}
		candles = append(candles, candle)
	}

	return candles
}

func (s *Summarizer) skip(reason, symbol, interval string, begin int64, err error) {
	attrs := []any{"symbol", symbol, "interval", interval, "window_begin", begin}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	s.logger.Warn("skipping candle: "+reason, attrs...)
	s.metrics.ObserveSkippedCandle()
}

func summarizeWindow(trades []models.Trade) (candle models.Candle, unpriced int, ok bool) {
	var open, high, low, last, volume decimal.Decimal

	for _, trade := range trades {
		price, err := trade.Price()
		if err != nil {
			unpriced++
			continue
		}
		amount, err := trade.Amount()
		if err != nil {
			unpriced++
			continue
		}

		if !ok {
			open, high, low = price, price, price
			ok = true
		}
		high = decimal.Max(high, price)
		low = decimal.Min(low, price)
		last = price
		volume = volume.Add(amount)
	}

	if !ok {
		return models.Candle{}, unpriced, false
	}

	return models.Candle{
		Open:   open.String(),
		High:   high.String(),
		Low:    low.String(),
		Close:  last.String(),
		Volume: volume.String(),
	}, unpriced, true
}
