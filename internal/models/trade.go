package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Payload field names used by the GetMarketHistory API.
const (
	FieldTimestamp = "Timestamp"
	FieldPrice     = "Price"
	FieldAmount    = "Amount"
	FieldTotal     = "Total"
	FieldType      = "Type"
	FieldLabel     = "Label"
)

// Trade is one filled order from the market history feed.
//
// Timestamp is extracted from the payload once at construction and is the
// canonical time of the trade; the payload is kept verbatim for consumers
// that need API specific fields.
type Trade struct {
	Timestamp int64          `json:"timestamp"`
	Payload   map[string]any `json:"payload"`
}

// NewTrade builds a Trade from a raw payload record, reading the timestamp
// from its Timestamp field.
func NewTrade(payload map[string]any) (Trade, error) {
	raw, ok := payload[FieldTimestamp]
	if !ok {
		return Trade{}, &ValidationError{Field: "timestamp", Message: "payload has no Timestamp field"}
	}

	ts, err := toUnixSeconds(raw)
	if err != nil {
		return Trade{}, &ValidationError{Field: "timestamp", Message: err.Error()}
	}
	if ts <= 0 {
		return Trade{}, &ValidationError{Field: "timestamp", Message: fmt.Sprintf("timestamp must be positive, got %d", ts)}
	}

	return Trade{Timestamp: ts, Payload: payload}, nil
}

// NewTradesFromPayload converts a list of raw payload records, preserving order.
func NewTradesFromPayload(records []map[string]any) ([]Trade, error) {
	trades := make([]Trade, 0, len(records))
	for i, record := range records {
		trade, err := NewTrade(record)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

// Time returns the trade time in UTC.
func (t Trade) Time() time.Time {
	return time.Unix(t.Timestamp, 0).UTC()
}

// Price returns the executed price.
func (t Trade) Price() (decimal.Decimal, error) {
	return t.decimalField(FieldPrice)
}

// Amount returns the traded quantity in the base currency.
func (t Trade) Amount() (decimal.Decimal, error) {
	return t.decimalField(FieldAmount)
}

// Total returns the traded value in the quote currency.
func (t Trade) Total() (decimal.Decimal, error) {
	return t.decimalField(FieldTotal)
}

// Side returns the lower-cased trade side ("buy" or "sell"), or "" when absent.
func (t Trade) Side() string {
	s, _ := t.Payload[FieldType].(string)
	return strings.ToLower(s)
}

// Label returns the market label, e.g. "NEBL/BTC".
func (t Trade) Label() string {
	s, _ := t.Payload[FieldLabel].(string)
	return s
}

func (t Trade) decimalField(name string) (decimal.Decimal, error) {
	raw, ok := t.Payload[name]
	if !ok || raw == nil {
		return decimal.Zero, &ValidationError{Field: strings.ToLower(name), Message: "field missing from payload"}
	}

	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	default:
		return decimal.Zero, &ValidationError{Field: strings.ToLower(name), Message: fmt.Sprintf("unsupported type %T", raw)}
	}
}

func toUnixSeconds(raw any) (int64, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", v.String())
		}
		return int64(f), nil
	case float64:
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", v)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}
