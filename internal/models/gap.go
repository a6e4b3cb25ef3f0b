package models

import (
	"errors"
	"fmt"
	"time"
)

// GapKind distinguishes why a stretch of the history has no usable window.
type GapKind string

const (
	// GapKindEmpty marks calendar buckets between two windows that saw no trades.
	GapKindEmpty GapKind = "empty"
	// GapKindPartial marks a leading bucket only partly covered by the feed.
	GapKindPartial GapKind = "partial"
)

// Gap represents a period of the market history that a fixed-interval chart
// cannot draw faithfully.
type Gap struct {
	// ID is the unique gap identifier
	ID string `json:"id"`

	// Symbol is the market symbol, e.g. "NEBL"
	Symbol string `json:"symbol"`

	// StartTime is the first second of the gap, UTC
	StartTime time.Time `json:"start_time"`

	// EndTime is the first second after the gap, UTC
	EndTime time.Time `json:"end_time"`

	// Interval is the bucket width the gap was detected for, e.g. "5m"
	Interval string `json:"interval"`

	Kind GapKind `json:"kind"`
}

// NewGap creates and validates a Gap.
func NewGap(id, symbol string, startTime, endTime time.Time, interval string, kind GapKind) (*Gap, error) {
	gap := &Gap{
		ID:        id,
		Symbol:    symbol,
		StartTime: startTime.UTC(),
		EndTime:   endTime.UTC(),
		Interval:  interval,
		Kind:      kind,
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	return gap, nil
}

// Validate checks required fields and time ordering.
func (g *Gap) Validate() error {
	if g.ID == "" {
		return errors.New("gap ID cannot be empty")
	}
	if g.Interval == "" {
		return errors.New("gap interval cannot be empty")
	}
	if g.StartTime.IsZero() || g.EndTime.IsZero() {
		return errors.New("gap start and end time cannot be zero")
	}
	if !g.EndTime.After(g.StartTime) {
		return fmt.Errorf("gap end time %s must be after start time %s",
			g.EndTime.Format(time.RFC3339), g.StartTime.Format(time.RFC3339))
	}
	switch g.Kind {
	case GapKindEmpty, GapKindPartial:
	default:
		return fmt.Errorf("unknown gap kind %q", g.Kind)
	}
	return nil
}

// Duration returns the length of the gap.
func (g *Gap) Duration() time.Duration {
	return g.EndTime.Sub(g.StartTime)
}

// MissingBuckets returns how many buckets of the given width the gap spans.
func (g *Gap) MissingBuckets(width time.Duration) int {
	if width <= 0 {
		return 0
	}
	return int(g.Duration() / width)
}

// String returns a human-readable representation of the gap.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{%s %s %s [%s, %s)}", g.Kind, g.Symbol, g.Interval,
		g.StartTime.Format(time.RFC3339), g.EndTime.Format(time.RFC3339))
}
