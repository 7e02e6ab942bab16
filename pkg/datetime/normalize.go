package datetime

import (
	"strings"
	"time"
)

var rssDateFormats = []string{
	time.RFC1123Z,    // "Mon, 02 Jan 2006 15:04:05 -0700"
	time.RFC1123,     // "Mon, 02 Jan 2006 15:04:05 MST"
	time.RFC822Z,     // "02 Jan 06 15:04 -0700"
	time.RFC822,      // "02 Jan 06 15:04 MST"
	time.RFC3339,     // "2006-01-02T15:04:05Z07:00"
	time.RFC3339Nano, // "2006-01-02T15:04:05.999999999Z07:00"
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05.000-07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05 -07:00",
	"2006-01-02 15:04:05",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05",
	"January 2, 2006 15:04:05",
	"Jan 2, 2006 15:04:05",
	"2006/01/02 15:04:05",
	"2006-01-02",
}

// Normalize turns a parser-provided timestamp into the canonical stored form:
// UTC, whole seconds. When the parser gave up, raw is tried against the
// common RSS/Atom layouts. Anything unusable yields nil.
func Normalize(parsed *time.Time, raw string) *time.Time {
	if parsed != nil && !parsed.IsZero() {
		return canonical(*parsed)
	}
	if t, ok := ParseRSSDate(raw); ok {
		return canonical(t)
	}
	return nil
}

// First returns the first non-nil candidate, or nil.
func First(candidates ...*time.Time) *time.Time {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

// ParseRSSDate tries every known layout. It reports false for empty or
// unrecognised input instead of substituting a default.
func ParseRSSDate(dateStr string) (time.Time, bool) {
	dateStr = strings.TrimSpace(dateStr)
	if dateStr == "" {
		return time.Time{}, false
	}

	for _, format := range rssDateFormats {
		if parsedTime, err := time.Parse(format, dateStr); err == nil {
			return parsedTime.UTC(), true
		}
	}
	return time.Time{}, false
}

func canonical(t time.Time) *time.Time {
	u := t.UTC().Truncate(time.Second)
	if u.Year() < 1 {
		return nil
	}
	return &u
}
