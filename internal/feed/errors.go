package feed

import (
	"fmt"
)

// StatusError reports a non-200 HTTP response from the market history API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("market history request failed: status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus lets the error classifier decide retryability from the status.
func (e *StatusError) HTTPStatus() int {
	return e.StatusCode
}

// APIError reports a well-formed response whose Success flag is false, for
// example an unknown market.
type APIError struct {
	Symbol  string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("market history for %s unavailable", e.Symbol)
	}
	return fmt.Sprintf("market history for %s unavailable: %s", e.Symbol, e.Message)
}
