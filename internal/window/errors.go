package window

import (
	"errors"
	"fmt"
)

var (
	// ErrUninitializedWindow is returned when a window's bounds are read or
	// relied upon before any bound has been established.
	ErrUninitializedWindow = errors.New("time window bounds are uninitialized")

	// ErrBoundaryViolation matches every *BoundaryError.
	ErrBoundaryViolation = errors.New("timestamp outside time window")
)

// BoundaryError reports a trade added outside a window's bounds without a hint.
type BoundaryError struct {
	Timestamp int64
	Begin     int64
	End       int64
}

func (e *BoundaryError) Error() string {
	return fmt.Sprintf("timestamp %d outside time window [%d, %d]", e.Timestamp, e.Begin, e.End)
}

// Is lets errors.Is(err, ErrBoundaryViolation) match.
func (e *BoundaryError) Is(target error) bool {
	return target == ErrBoundaryViolation
}
