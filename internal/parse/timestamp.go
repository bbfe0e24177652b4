package parse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	unixRe = regexp.MustCompile(`^\d{9,11}$`)
	// zoneRe matches a trailing "Z", "+02:00" or "-0530".
	zoneRe = regexp.MustCompile(`(?i)(z|[+-]\d{2}:?\d{2})$`)
)

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05Z0700",
}

// Layouts without zone information. They are always read as UTC, never as server-local time.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp converts a caller-supplied timestamp into a UTC time.Time.
// Accepted forms are RFC3339 (with offset), zone-less ISO-like date-times and
// unix seconds.
func ParseTimestamp(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	if unixRe.MatchString(s) {
		sec, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid unix timestamp %q: %w", raw, err)
		}
		return time.Unix(sec, 0).UTC(), nil
	}

	layouts := naiveLayouts
	if zoneRe.MatchString(s) {
		layouts = zonedLayouts
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", raw)
}

// ParseOptional is ParseTimestamp for optional fields: an empty string yields nil.
func ParseOptional(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := ParseTimestamp(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
