// Package models provides the data structures shared across the market history
// pipeline: trades read from the feed, candles summarised from time windows,
// and gaps describing trade-free stretches of the history.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one time window of a market.
// Prices are kept as decimal strings so no precision is lost between the feed
// and the presentation layer.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	End       time.Time `json:"end"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
	Trades    int       `json:"trades"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
}

// ValidationError represents a validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that all prices parse as positive decimals, volume is
// non-negative, the OHLC relationships hold and the window is well formed.
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be null or zero"}
	}
	if c.End.Before(c.Timestamp) {
		return &ValidationError{Field: "end", Message: "end cannot be before timestamp"}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}
	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}
	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	for field, price := range map[string]decimal.Decimal{"open": open, "high": high, "low": low, "close": close} {
		if price.LessThanOrEqual(zero) {
			return &ValidationError{Field: field, Message: field + " price must be greater than 0"}
		}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	// High >= max(Open, Close)
	if maxOpenClose := decimal.Max(open, close); high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	// Low <= min(Open, Close)
	if minOpenClose := decimal.Min(open, close); low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	if c.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if c.Interval == "" {
		return &ValidationError{Field: "interval", Message: "interval cannot be empty"}
	}

	return nil
}

// IsBullish returns true if the close price is greater than the open price.
func (c *Candle) IsBullish() (bool, error) {
	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return false, fmt.Errorf("failed to parse open price: %w", err)
	}
	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return false, fmt.Errorf("failed to parse close price: %w", err)
	}
	return close.GreaterThan(open), nil
}

// GetRange calculates High - Low.
func (c *Candle) GetRange() (decimal.Decimal, error) {
	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse high price: %w", err)
	}
	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse low price: %w", err)
	}
	return high.Sub(low), nil
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Symbol: %s, Interval: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s, N: %d}",
		c.Symbol, c.Interval, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades)
}

// NewCandle creates a Candle and validates it.
func NewCandle(start, end time.Time, open, high, low, close, volume string, trades int, symbol, interval string) (*Candle, error) {
	candle := &Candle{
		Timestamp: start,
		End:       end,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Trades:    trades,
		Symbol:    symbol,
		Interval:  interval,
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}
