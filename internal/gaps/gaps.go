// Package gaps finds the stretches of a market history that a fixed-interval
// chart cannot draw from trades: aligned buckets that saw no trades between
// two that did, and a leading bucket the feed only partly covers.
package gaps

import (
	"context"

	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/window"
)

// GapDetector identifies gaps in a sequence of windows.
type GapDetector interface {
	// DetectGapsInSequence returns one empty gap per run of consecutive
	// trade-free buckets between the given windows, ordered by time.
	// windows must be ascending and built at granularity g.
	DetectGapsInSequence(symbol string, windows []*window.TimeWindow, g history.Granularity) ([]models.Gap, error)

	// LeadingPartial returns a partial gap when the feed starts after the
	// first bucket does, so the first bucket's values are incomplete.
	// feedStart <= 0 means the start of the feed is unknown and the first
	// trade is taken as the start.
	LeadingPartial(symbol string, windows []*window.TimeWindow, g history.Granularity, feedStart int64) (*models.Gap, error)

	// Detect runs both checks and returns the partial gap, if any, first.
	Detect(symbol string, windows []*window.TimeWindow, g history.Granularity, feedStart int64) (*Report, error)
}

// GapRecorder persists detected gaps.
type GapRecorder interface {
	StoreGaps(ctx context.Context, gaps []models.Gap) error
}

// Report summarizes one detection pass.
type Report struct {
	Symbol         string
	Interval       string
	Windows        int
	Gaps           []models.Gap
	MissingBuckets int
	// LeadingPartial is true when Gaps[0] is a partial leading bucket.
	LeadingPartial bool
}
