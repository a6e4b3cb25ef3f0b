package gaps

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/johnayoung/go-market-history/internal/history"
	"github.com/johnayoung/go-market-history/internal/metrics"
	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/window"
)

// gapNamespace scopes the name-based gap IDs.
var gapNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("markethistory/gaps"))

// GapDetectorImpl implements GapDetector.
type GapDetectorImpl struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customizes a GapDetectorImpl.
type Option func(*GapDetectorImpl)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *GapDetectorImpl) { d.logger = logger }
}

// WithMetrics records gap counts into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *GapDetectorImpl) { d.metrics = m }
}

// NewGapDetector creates a detector.
func NewGapDetector(opts ...Option) *GapDetectorImpl {
	d := &GapDetectorImpl{logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DetectGapsInSequence implements GapDetector.
func (d *GapDetectorImpl) DetectGapsInSequence(symbol string, windows []*window.TimeWindow, g history.Granularity) ([]models.Gap, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(windows) < 2 {
		return nil, nil
	}

	width := g.Seconds()
	var gaps []models.Gap

	prev, err := bucketOf(windows[0], g)
	if err != nil {
		return nil, fmt.Errorf("window 0: %w", err)
	}
	for i := 1; i < len(windows); i++ {
		current, err := bucketOf(windows[i], g)
		if err != nil {
			return nil, fmt.Errorf("window %d: %w", i, err)
		}
		if current < prev {
			return nil, fmt.Errorf("window %d starts at bucket %d before bucket %d: %w", i, current, prev, history.ErrUnsortedInput)
		}

		expectedNext := prev + width
		if current > expectedNext {
			gap, err := newGap(symbol, expectedNext, current, g, models.GapKindEmpty)
			if err != nil {
				d.logger.Warn("failed to create gap", "symbol", symbol, "start", expectedNext, "error", err)
			} else {
				gaps = append(gaps, *gap)
			}
		}
		prev = current
	}

	return gaps, nil
}

// LeadingPartial implements GapDetector.
func (d *GapDetectorImpl) LeadingPartial(symbol string, windows []*window.TimeWindow, g history.Granularity, feedStart int64) (*models.Gap, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		return nil, nil
	}

	first, err := firstTimestamp(windows[0])
	if err != nil {
		return nil, fmt.Errorf("window 0: %w", err)
	}
	if feedStart <= 0 || feedStart > first {
		feedStart = first
	}

	bucketStart := g.BucketStart(first)
	if feedStart <= bucketStart {
		return nil, nil
	}

	return newGap(symbol, bucketStart, feedStart, g, models.GapKindPartial)
}

// Detect implements GapDetector.
func (d *GapDetectorImpl) Detect(symbol string, windows []*window.TimeWindow, g history.Granularity, feedStart int64) (*Report, error) {
	report := &Report{Symbol: strings.ToUpper(symbol), Interval: g.String(), Windows: len(windows)}

	partial, err := d.LeadingPartial(report.Symbol, windows, g, feedStart)
	if err != nil {
		return nil, err
	}
	if partial != nil {
		report.Gaps = append(report.Gaps, *partial)
		report.LeadingPartial = true
	}

	empty, err := d.DetectGapsInSequence(report.Symbol, windows, g)
	if err != nil {
		return nil, err
	}
	report.Gaps = append(report.Gaps, empty...)
	for _, gap := range empty {
		report.MissingBuckets += gap.MissingBuckets(g.Duration())
	}

	if report.LeadingPartial {
		d.metrics.ObserveGaps(string(models.GapKindPartial), 1)
	}
	d.metrics.ObserveGaps(string(models.GapKindEmpty), len(empty))

	d.logger.Debug("gap detection completed",
		"symbol", report.Symbol,
		"interval", report.Interval,
		"windows", report.Windows,
		"gaps_found", len(report.Gaps),
		"missing_buckets", report.MissingBuckets)

	return report, nil
}

func bucketOf(w *window.TimeWindow, g history.Granularity) (int64, error) {
	begin, err := w.Begin()
	if err != nil {
		return 0, err
	}
	return g.BucketStart(begin), nil
}

// firstTimestamp returns the first trade's time. Bucketed windows carry preset
// bounds, so Begin alone may precede every trade.
func firstTimestamp(w *window.TimeWindow) (int64, error) {
	begin, err := w.Begin()
	if err != nil {
		return 0, err
	}
	if events := w.Events(); len(events) > 0 {
		return events[0].Timestamp, nil
	}
	return begin, nil
}

func newGap(symbol string, start, end int64, g history.Granularity, kind models.GapKind) (*models.Gap, error) {
	return models.NewGap(gapID(symbol, start, end, g, kind), strings.ToUpper(symbol),
		time.Unix(start, 0), time.Unix(end, 0), g.String(), kind)
}

// gapID is derived from the gap's identity so re-detecting a gap yields the same ID.
func gapID(symbol string, start, end int64, g history.Granularity, kind models.GapKind) string {
	name := fmt.Sprintf("%s/%s/%s/%d/%d", strings.ToUpper(symbol), g, kind, start, end)
	return uuid.NewSHA1(gapNamespace, []byte(name)).String()
}

var _ GapDetector = (*GapDetectorImpl)(nil)
