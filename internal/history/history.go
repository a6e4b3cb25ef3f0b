// Package history turns a time-ordered snapshot of trades into windowed views:
// one window per second that saw trades, one per calendar minute, or one per
// aligned bucket of n minutes.
//
// The aggregation is pure and in-memory. Each call builds fresh windows from
// the snapshot, so views can be requested repeatedly and independently.
package history

import (
	"errors"
	"fmt"
	"iter"

	"github.com/johnayoung/go-market-history/internal/models"
	"github.com/johnayoung/go-market-history/internal/window"
)

// ErrUnsortedInput matches every *OrderError.
var ErrUnsortedInput = errors.New("trades are not sorted by timestamp")

// OrderError reports the first trade that breaks ascending timestamp order.
type OrderError struct {
	Index    int
	Previous int64
	Current  int64
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("trade %d has timestamp %d, earlier than previous %d", e.Index, e.Current, e.Previous)
}

// Is lets errors.Is(err, ErrUnsortedInput) match.
func (e *OrderError) Is(target error) bool {
	return target == ErrUnsortedInput
}

// MarketHistory is an immutable, ascending snapshot of one market's trades.
type MarketHistory struct {
	trades []models.Trade
}

// New builds a history from trades sorted ascending by timestamp. The slice
// is copied.
func New(trades []models.Trade) (*MarketHistory, error) {
	for i := 1; i < len(trades); i++ {
		if trades[i].Timestamp < trades[i-1].Timestamp {
			return nil, &OrderError{Index: i, Previous: trades[i-1].Timestamp, Current: trades[i].Timestamp}
		}
	}

	owned := make([]models.Trade, len(trades))
	copy(owned, trades)
	return &MarketHistory{trades: owned}, nil
}

// NewFromPayload extracts trades from raw feed records and builds a history.
func NewFromPayload(records []map[string]any) (*MarketHistory, error) {
	trades, err := models.NewTradesFromPayload(records)
	if err != nil {
		return nil, fmt.Errorf("failed to decode trades: %w", err)
	}
	return New(trades)
}

// Len returns the number of trades.
func (h *MarketHistory) Len() int {
	return len(h.trades)
}

// Trades returns a copy of the trades.
func (h *MarketHistory) Trades() []models.Trade {
	out := make([]models.Trade, len(h.trades))
	copy(out, h.trades)
	return out
}

// Span returns the first and last trade timestamps. ok is false for an empty history.
func (h *MarketHistory) Span() (first, last int64, ok bool) {
	if len(h.trades) == 0 {
		return 0, 0, false
	}
	return h.trades[0].Timestamp, h.trades[len(h.trades)-1].Timestamp, true
}

// SecondWindows yields one window per run of equal timestamps, in input
// order. Each window has begin == end.
func (h *MarketHistory) SecondWindows() iter.Seq[*window.TimeWindow] {
	return func(yield func(*window.TimeWindow) bool) {
		i := 0
		for i < len(h.trades) {
			second := h.trades[i].Timestamp
			w := window.New()
			for i < len(h.trades) && h.trades[i].Timestamp == second {
				w.AddWithHint(h.trades[i], h.trades[i].Timestamp)
				i++
			}
			if !yield(w) {
				return
			}
		}
	}
}

// MinuteWindows folds consecutive second windows of the same calendar minute
// into one window. Minutes without trades produce no window. If the feed
// starts mid-minute the first window covers only part of that minute.
func (h *MarketHistory) MinuteWindows() iter.Seq[*window.TimeWindow] {
	return func(yield func(*window.TimeWindow) bool) {
		var merger *window.TimeWindow
		var mergerMinute int64

		for mergee := range h.SecondWindows() {
			end, _ := mergee.End()
			minute := floorDiv(end, Minute.Seconds())

			if merger == nil {
				merger, mergerMinute = mergee, minute
				continue
			}
			if minute == mergerMinute {
				// adjusting merges cannot violate bounds
				_ = merger.MergeFrom(mergee, true)
				continue
			}
			if !yield(merger) {
				return
			}
			merger, mergerMinute = mergee, minute
		}

		if merger != nil {
			yield(merger)
		}
	}
}

// NMinuteWindows groups minute windows into buckets of n calendar minutes
// aligned to multiples of n since the epoch, so for every n dividing 60 the
// buckets line up with the hour. Each bucket's bounds are preset to its full
// span, including trade-free minutes; buckets with no trades are omitted.
func (h *MarketHistory) NMinuteWindows(n int) ([]*window.TimeWindow, error) {
	g, err := Minutes(n)
	if err != nil {
		return nil, err
	}
	return h.buckets(g)
}

// Windows returns the windows for any supported granularity.
func (h *MarketHistory) Windows(g Granularity) ([]*window.TimeWindow, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	switch g {
	case Second:
		return collect(h.SecondWindows()), nil
	case Minute:
		return collect(h.MinuteWindows()), nil
	default:
		return h.buckets(g)
	}
}

// SecondWindowList is SecondWindows collected into a slice.
func (h *MarketHistory) SecondWindowList() []*window.TimeWindow {
	return collect(h.SecondWindows())
}

// MinuteWindowList is MinuteWindows collected into a slice.
func (h *MarketHistory) MinuteWindowList() []*window.TimeWindow {
	return collect(h.MinuteWindows())
}

func (h *MarketHistory) buckets(g Granularity) ([]*window.TimeWindow, error) {
	width := g.Seconds()
	remaining := h.MinuteWindowList()
	buckets := make([]*window.TimeWindow, 0, len(remaining))

	for len(remaining) > 0 {
		begin, err := remaining[0].Begin()
		if err != nil {
			return nil, err
		}

		start := g.BucketStart(begin)
		bucket, err := window.NewBounded(start, start+width-1)
		if err != nil {
			return nil, err
		}

		result := bucket.AbsorbWhileContained(remaining)
		if result.Absorbed == 0 {
			// A minute window always fits its own aligned bucket.
			end, _ := remaining[0].End()
			return nil, &window.BoundaryError{Timestamp: end, Begin: start, End: start + width - 1}
		}

		buckets = append(buckets, bucket)
		remaining = result.Remaining
	}

	return buckets, nil
}

func collect(seq iter.Seq[*window.TimeWindow]) []*window.TimeWindow {
	out := make([]*window.TimeWindow, 0)
	for w := range seq {
		out = append(out, w)
	}
	return out
}

// floorDiv divides rounding toward negative infinity.
func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
