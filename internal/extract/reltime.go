package extract

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var relPattern = regexp.MustCompile(`^(\d+|an?|one)\s*([a-z]+?)s?\.?(\s+ago)?$`)

var relUnits = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hr": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
	"w": 7 * 24 * time.Hour, "wk": 7 * 24 * time.Hour, "week": 7 * 24 * time.Hour,
	"mo": 30 * 24 * time.Hour, "mon": 30 * 24 * time.Hour, "month": 30 * 24 * time.Hour,
	"y": 365 * 24 * time.Hour, "yr": 365 * 24 * time.Hour, "year": 365 * 24 * time.Hour,
}

var absLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC850,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"2006/01/02",
	"Jan 2, 2006",
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Mon, Jan 2, 2006",
}

// ParseTime turns absolute or relative timestamps ("3 days ago", "yesterday",
// "2h ago", unix seconds) into an absolute time. ok is false when the string
// cannot be understood.
func ParseTime(raw string, now time.Time) (time.Time, bool) {
	s := strings.ToLower(strings.Join(strings.Fields(raw), " "))
	s = strings.TrimPrefix(s, "posted ")
	s = strings.TrimPrefix(s, "updated ")
	if s == "" {
		return time.Time{}, false
	}
	switch s {
	case "just now", "now", "moments ago", "a moment ago", "today":
		return now, true
	case "yesterday":
		return now.Add(-24 * time.Hour), true
	case "last week":
		return now.Add(-7 * 24 * time.Hour), true
	case "last month":
		return now.Add(-30 * 24 * time.Hour), true
	case "last year":
		return now.Add(-365 * 24 * time.Hour), true
	}

	if m := relPattern.FindStringSubmatch(s); m != nil {
		n := 1
		if v, err := strconv.Atoi(m[1]); err == nil {
			n = v
		}
		if unit, ok := relUnits[m[2]]; ok {
			return now.Add(-time.Duration(n) * unit), true
		}
	}

	if isDigits(s) {
		v, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			switch len(s) {
			case 10:
				return time.Unix(v, 0), true
			case 13:
				return time.UnixMilli(v), true
			}
		}
	}

	for _, layout := range absLayouts {
		if t, err := time.ParseInLocation(layout, strings.TrimSpace(raw), now.Location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
