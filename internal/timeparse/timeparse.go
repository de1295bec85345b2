// Package timeparse parses the relative and absolute times accepted by the
// modification time filters.
package timeparse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

var units = map[string]time.Duration{
	"s":     time.Second,
	"m":     time.Minute,
	"h":     time.Hour,
	"d":     day,
	"day":   day,
	"days":  day,
	"w":     7 * day,
	"week":  7 * day,
	"weeks": 7 * day,
}

// ParseDuration parses a non-negative duration made of one or more
// <number><unit> terms. Units are s, m, h, d (day, days) and w (week,
// weeks). Examples: "10h", "2d", "1w3d", "1h30m".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	var total time.Duration
	for rest := s; rest != ""; {
		digits := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
		switch digits {
		case 0:
			return 0, fmt.Errorf("invalid duration %q: missing number", s)
		case -1:
			return 0, fmt.Errorf("invalid duration %q: missing unit", s)
		}

		num, err := strconv.ParseInt(rest[:digits], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		rest = rest[digits:]

		end := strings.IndexFunc(rest, func(r rune) bool { return r >= '0' && r <= '9' })
		if end == -1 {
			end = len(rest)
		}
		name := strings.TrimSpace(rest[:end])
		rest = rest[end:]

		unit, ok := units[name]
		if !ok {
			return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, name)
		}
		if num > int64(math.MaxInt64-total)/int64(unit) {
			return 0, fmt.Errorf("invalid duration %q: value too large", s)
		}
		total += time.Duration(num) * unit
	}
	return total, nil
}

var layouts = []string{
	time.DateOnly,
	time.DateTime,
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// ParseTime parses YYYY-MM-DD, "YYYY-MM-DD HH:MM:SS", YYYY-MM-DDTHH:MM:SS or
// RFC3339. Times without an explicit zone are interpreted in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (expected YYYY-MM-DD, YYYY-MM-DD HH:MM:SS, or RFC3339)", s)
}

// ParseInstant accepts either a duration, meaning that long before now, or
// an absolute time in now's location.
func ParseInstant(s string, now time.Time) (time.Time, error) {
	if d, err := ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := ParseTime(s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: expected a duration such as 2d or a date such as 2024-01-31", strings.TrimSpace(s))
	}
	return t, nil
}
