package platform

import (
	"log/slog"
	"strconv"
	"time"
)

// timeFormats covers the wire formats seen across the four platforms:
// ISO-8601 with and without fractional seconds or numeric offsets, plus the
// legacy space-separated form some Bitbucket Server plugins emit.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02",
}

// ParseTime parses a platform timestamp string. Epoch milliseconds are
// accepted alongside the textual formats. ok is false when nothing matched.
func ParseTime(s string) (t time.Time, ok bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, f := range timeFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, true
		}
	}
	if millis, err := strconv.ParseInt(s, 10, 64); err == nil && millis > 0 {
		return time.UnixMilli(millis).UTC(), true
	}
	return time.Time{}, false
}

// InRange reports whether a record timestamp falls within [since, until].
// A record whose timestamp could not be parsed (ok == false) is always in
// range: unparseable dates fail open so a bad timestamp never drops data.
// A zero until means no upper bound.
func InRange(t time.Time, ok bool, since, until time.Time) bool {
	if !ok {
		slog.Warn("Record timestamp unparseable, keeping record (fail-open)")
		return true
	}
	if !since.IsZero() && t.Before(since) {
		return false
	}
	if !until.IsZero() && t.After(until) {
		return false
	}
	return true
}

// StringInRange is InRange over a raw timestamp string.
func StringInRange(s string, since, until time.Time) bool {
	t, ok := ParseTime(s)
	return InRange(t, ok, since, until)
}

// MillisInRange is InRange over an epoch-millis timestamp; zero means the
// platform did not supply one, which fails open.
func MillisInRange(millis int64, since, until time.Time) bool {
	if millis <= 0 {
		return InRange(time.Time{}, false, since, until)
	}
	return InRange(time.UnixMilli(millis).UTC(), true, since, until)
}

func millisToTime(millis int64) *time.Time {
	if millis <= 0 {
		return nil
	}
	t := time.UnixMilli(millis).UTC()
	return &t
}
