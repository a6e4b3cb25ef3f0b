package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/johnayoung/go-market-history/internal/models"
)

// envelope is the GetMarketHistory response body.
type envelope struct {
	Success bool             `json:"Success"`
	Message *string          `json:"Message"`
	Data    []map[string]any `json:"Data"`
}

// Decode parses a GetMarketHistory body into trades sorted ascending by
// timestamp. The API lists trades newest first; reversing that keeps trades
// of the same second in the order they happened. Numbers are kept as
// json.Number so prices reach decimal without float rounding.
func Decode(symbol string, body []byte) ([]models.Trade, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, &APIError{Symbol: symbol, Message: message(env)}
	}

	trades, err := models.NewTradesFromPayload(env.Data)
	if err != nil {
		return nil, fmt.Errorf("malformed market history for %s: %w", symbol, err)
	}

	return ascending(trades), nil
}

// Validate checks that body is a successful response without decoding trades.
func Validate(symbol string, body []byte) error {
	env, err := decodeEnvelope(body)
	if err != nil {
		return err
	}
	if !env.Success {
		return &APIError{Symbol: symbol, Message: message(env)}
	}
	return nil
}

func decodeEnvelope(body []byte) (*envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("malformed market history response: %w", err)
	}
	return &env, nil
}

func message(env *envelope) string {
	if env.Message == nil {
		return ""
	}
	return *env.Message
}

func ascending(trades []models.Trade) []models.Trade {
	cmp := func(a, b models.Trade) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		}
		return 0
	}

	if slices.IsSortedFunc(trades, cmp) {
		return trades
	}
	if slices.IsSortedFunc(trades, func(a, b models.Trade) int { return cmp(b, a) }) {
		slices.Reverse(trades)
		return trades
	}
	slices.SortStableFunc(trades, cmp)
	return trades
}
