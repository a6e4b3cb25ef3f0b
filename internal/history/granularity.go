package history

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidGranularity matches every *GranularityError.
var ErrInvalidGranularity = errors.New("invalid window granularity")

// GranularityError reports a window width the aggregator cannot align.
type GranularityError struct {
	Value  string
	Reason string
}

func (e *GranularityError) Error() string {
	return fmt.Sprintf("invalid window granularity %q: %s", e.Value, e.Reason)
}

// Is lets errors.Is(err, ErrInvalidGranularity) match.
func (e *GranularityError) Is(target error) bool {
	return target == ErrInvalidGranularity
}

// Granularity is a window width in seconds. Valid values are one second and
// any whole number of minutes that divides an hour.
type Granularity int64

const (
	Second Granularity = 1
	Minute Granularity = 60
)

// Minutes returns the granularity for n minutes, rejecting any n that does not
// divide 60 so buckets stay aligned across hour rollovers.
func Minutes(n int) (Granularity, error) {
	if err := validateMinutes(n); err != nil {
		return 0, err
	}
	return Granularity(n) * Minute, nil
}

// ParseGranularity parses "1s", "1m", "5m", "15min", "1h" and similar.
func ParseGranularity(s string) (Granularity, error) {
	value := strings.ToLower(strings.TrimSpace(s))
	if value == "" {
		return 0, &GranularityError{Value: s, Reason: "empty"}
	}

	switch {
	case value == "1s" || value == "1sec":
		return Second, nil
	case strings.HasSuffix(value, "min"):
		return parseMinutes(s, strings.TrimSuffix(value, "min"))
	case strings.HasSuffix(value, "m"):
		return parseMinutes(s, strings.TrimSuffix(value, "m"))
	case value == "1h":
		return Minutes(60)
	}

	return 0, &GranularityError{Value: s, Reason: "expected 1s, 1h or a minute count such as 5m"}
}

func parseMinutes(raw, digits string) (Granularity, error) {
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, &GranularityError{Value: raw, Reason: "minute count is not a number"}
	}
	return Minutes(n)
}

func validateMinutes(n int) error {
	if n <= 0 {
		return &GranularityError{Value: strconv.Itoa(n) + "m", Reason: "minute count must be positive"}
	}
	if 60%n != 0 {
		return &GranularityError{Value: strconv.Itoa(n) + "m", Reason: "minute count must divide 60"}
	}
	return nil
}

// Seconds returns the width in seconds.
func (g Granularity) Seconds() int64 {
	return int64(g)
}

// Duration returns the width as a time.Duration.
func (g Granularity) Duration() time.Duration {
	return time.Duration(g) * time.Second
}

// BucketStart returns the first second of the aligned bucket containing ts.
func (g Granularity) BucketStart(ts int64) int64 {
	width := g.Seconds()
	return floorDiv(ts, width) * width
}

// MinuteCount returns the width in whole minutes, 0 for sub-minute widths.
func (g Granularity) MinuteCount() int {
	return int(g / Minute)
}

// Validate reports whether g is one of the supported widths.
func (g Granularity) Validate() error {
	if g == Second {
		return nil
	}
	if g <= 0 || g%Minute != 0 {
		return &GranularityError{Value: g.String(), Reason: "must be 1s or a whole number of minutes"}
	}
	return validateMinutes(g.MinuteCount())
}

// String returns the short form, e.g. "1s", "5m", "1h".
func (g Granularity) String() string {
	switch {
	case g == Second:
		return "1s"
	case g == 60*Minute:
		return "1h"
	case g > 0 && g%Minute == 0:
		return strconv.Itoa(g.MinuteCount()) + "m"
	default:
		return strconv.FormatInt(int64(g), 10) + "s"
	}
}
