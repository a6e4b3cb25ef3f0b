// Package window implements TimeWindow, a contiguous span of UNIX-second time
// together with the trades that fall inside it. Windows can be grown one trade
// at a time or by folding other windows into them, which is how coarse windows
// are built from fine ones.
//
// A TimeWindow is owned by whoever constructed it and is not safe for
// concurrent mutation.
package window

import (
	"fmt"

	"github.com/johnayoung/go-market-history/internal/models"
)

// TimeWindow groups the trades of one span of time. Bounds are inclusive on
// both ends and grow monotonically; a window never shrinks.
type TimeWindow struct {
	begin       int64
	end         int64
	initialized bool
	events      []models.Trade
}

// New returns an empty, uninitialized window. Its bounds are established by
// the first trade added with a hint.
func New() *TimeWindow {
	return &TimeWindow{}
}

// NewBounded returns an empty window with explicit bounds [begin, end].
func NewBounded(begin, end int64) (*TimeWindow, error) {
	if begin > end {
		return nil, fmt.Errorf("window begin %d is after end %d", begin, end)
	}
	return &TimeWindow{begin: begin, end: end, initialized: true}, nil
}

// Begin returns the earliest second of the window.
func (w *TimeWindow) Begin() (int64, error) {
	if !w.initialized {
		return 0, ErrUninitializedWindow
	}
	return w.begin, nil
}

// End returns the latest second of the window.
func (w *TimeWindow) End() (int64, error) {
	if !w.initialized {
		return 0, ErrUninitializedWindow
	}
	return w.end, nil
}

// Bounds returns both bounds at once.
func (w *TimeWindow) Bounds() (begin, end int64, err error) {
	if !w.initialized {
		return 0, 0, ErrUninitializedWindow
	}
	return w.begin, w.end, nil
}

// Initialized reports whether the window has bounds.
func (w *TimeWindow) Initialized() bool {
	return w.initialized
}

// Events returns the window's trades in insertion order. The slice is a copy.
func (w *TimeWindow) Events() []models.Trade {
	out := make([]models.Trade, len(w.events))
	copy(out, w.events)
	return out
}

// Len returns the number of trades in the window.
func (w *TimeWindow) Len() int {
	return len(w.events)
}

// IsOlderThan reports whether the window ends before ts.
func (w *TimeWindow) IsOlderThan(ts int64) bool {
	return w.initialized && w.end < ts
}

// IsNewerThan reports whether the window begins after ts.
func (w *TimeWindow) IsNewerThan(ts int64) bool {
	return w.initialized && w.begin > ts
}

// Contains reports whether ts lies within [begin, end]. An uninitialized
// window contains nothing.
func (w *TimeWindow) Contains(ts int64) bool {
	return w.initialized && !w.IsOlderThan(ts) && !w.IsNewerThan(ts)
}

// ExpandToInclude widens the window just enough to contain ts.
func (w *TimeWindow) ExpandToInclude(ts int64) {
	switch {
	case !w.initialized:
		w.begin, w.end = ts, ts
		w.initialized = true
	case w.IsOlderThan(ts):
		w.end = ts
	case w.IsNewerThan(ts):
		w.begin = ts
	}
}

// Add appends a trade that must already lie within the window.
func (w *TimeWindow) Add(trade models.Trade) error {
	if !w.initialized {
		return ErrUninitializedWindow
	}
	if !w.Contains(trade.Timestamp) {
		return &BoundaryError{Timestamp: trade.Timestamp, Begin: w.begin, End: w.end}
	}
	w.events = append(w.events, trade)
	return nil
}

// AddWithHint widens the window to include hint and appends the trade.
func (w *TimeWindow) AddWithHint(trade models.Trade, hint int64) {
	w.ExpandToInclude(hint)
	w.events = append(w.events, trade)
}

// MergeFrom appends all of other's trades to w. With adjustBounds the window
// grows to fit each trade; without it every trade must already fit, and
// nothing is appended unless all of them do.
func (w *TimeWindow) MergeFrom(other *TimeWindow, adjustBounds bool) error {
	if other == nil || len(other.events) == 0 {
		return nil
	}

	if adjustBounds {
		for _, trade := range other.events {
			w.AddWithHint(trade, trade.Timestamp)
		}
		return nil
	}

	if !w.initialized {
		return ErrUninitializedWindow
	}
	for _, trade := range other.events {
		if !w.Contains(trade.Timestamp) {
			return &BoundaryError{Timestamp: trade.Timestamp, Begin: w.begin, End: w.end}
		}
	}
	w.events = append(w.events, other.events...)
	return nil
}

// AbsorbWhileContained merges leading windows into w for as long as they fit
// inside its bounds and returns what is left. A window that does not fit is a
// stop signal, not an error.
func (w *TimeWindow) AbsorbWhileContained(windows []*TimeWindow) AbsorbResult {
	for i, other := range windows {
		if err := w.MergeFrom(other, false); err != nil {
			return AbsorbResult{Absorbed: i, Remaining: windows[i:], Stopped: true}
		}
	}
	return AbsorbResult{Absorbed: len(windows), Remaining: []*TimeWindow{}}
}

// AbsorbResult reports the outcome of AbsorbWhileContained.
type AbsorbResult struct {
	// Absorbed is the number of leading windows merged.
	Absorbed int
	// Remaining is the unconsumed suffix, empty when everything fit.
	Remaining []*TimeWindow
	// Stopped is true when a window fell outside the bounds.
	Stopped bool
}

// String returns a short description of the window.
func (w *TimeWindow) String() string {
	if !w.initialized {
		return fmt.Sprintf("TimeWindow{uninitialized, events: %d}", len(w.events))
	}
	return fmt.Sprintf("TimeWindow{[%d, %d], events: %d}", w.begin, w.end, len(w.events))
}
