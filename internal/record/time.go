package record

import (
	"strconv"
	"strings"
	"time"
)

// Layouts used to render timestamps for both stores.
const (
	DateTimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
)

// Epoch is the sentinel recency for absent, zero, or unparseable timestamps.
// Any real timestamp compares strictly greater.
var Epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// parseLayouts are tried in order for string timestamps. "20060102" is the
// legacy record files' date encoding; the last entry is their transaction
// date-time rendering.
var parseLayouts = []string{
	DateTimeLayout,
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	DateLayout,
	"20060102",
	"01/02/06 03:04 PM",
}

// ParseTime interprets v as a naive wall-clock timestamp with second
// granularity. It returns false for nil, blank, zero dates
// ("0000-00-00..."), zero time.Time values, and anything unparseable.
//
// Timestamps are compared as wall-clock values: a time.Time from a driver
// keeps its clock reading and is re-labelled UTC, matching how strings
// without a zone are parsed.
func ParseTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		if x.IsZero() {
			return time.Time{}, false
		}

		return wallClock(x), true
	case []byte:
		return parseTimeString(string(x))
	case string:
		return parseTimeString(x)
	case int64:
		return unixSeconds(x)
	case int:
		return unixSeconds(int64(x))
	case float64:
		return unixSeconds(int64(x))
	default:
		return time.Time{}, false
	}
}

// Recency normalizes a recency column value. Invalid values map to Epoch and
// report false so callers can log the anomaly.
func Recency(v any) (time.Time, bool) {
	t, ok := ParseTime(v)
	if !ok {
		return Epoch, false
	}

	return t, true
}

// FormatDateTime renders t in DateTimeLayout.
func FormatDateTime(t time.Time) string {
	return t.Format(DateTimeLayout)
}

func parseTimeString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return time.Time{}, false
	}

	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return wallClock(t), true
		}
	}

	// Some legacy exports store epoch seconds as text.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unixSeconds(n)
	}

	return time.Time{}, false
}

func unixSeconds(n int64) (time.Time, bool) {
	if n <= 0 {
		return time.Time{}, false
	}

	return time.Unix(n, 0).UTC(), true
}

func wallClock(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
}
