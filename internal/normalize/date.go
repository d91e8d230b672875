package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// PivotYear splits two-digit years: below it they land in the 2000s, at or
// above it in the 1900s.
const PivotYear = 50

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

type dateShape struct {
	name  string
	re    *regexp.Regexp
	parts func(m []string) (year, month, day string)
}

func dmy(m []string) (string, string, string) { return m[3], m[2], m[1] }
func ymd(m []string) (string, string, string) { return m[1], m[2], m[3] }

// Shapes are tried in order; the first that matches and passes calendar
// validation wins.
var dateShapes = []dateShape{
	{"dd/mm/yy", regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4}|\d{2})$`), dmy},
	{"dd-mm-yy", regexp.MustCompile(`^(\d{1,2})-(\d{1,2})-(\d{4}|\d{2})$`), dmy},
	{"dd.mm.yy", regexp.MustCompile(`^(\d{1,2})\.(\d{1,2})\.(\d{4}|\d{2})$`), dmy},
	{"yyyy-mm-dd", regexp.MustCompile(`^(\d{4})-(\d{1,2})-(\d{1,2})$`), ymd},
	{"yyyy/mm/dd", regexp.MustCompile(`^(\d{4})/(\d{1,2})/(\d{1,2})$`), ymd},
	{"dd MMM yyyy", regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?[\s-]+([A-Za-z]{3,})\.?,?[\s-]+(\d{4}|\d{2})$`), dmy},
	{"MMM dd, yyyy", regexp.MustCompile(`^([A-Za-z]{3,})\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4}|\d{2})$`),
		func(m []string) (string, string, string) { return m[3], m[1], m[2] }},
}

var genericLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"20060102",
	"January 2 2006",
	"2 January 2006",
	"Monday, 2 January 2006",
	"Mon Jan 2 2006",
}

var spaces = regexp.MustCompile(`\s+`)

// ParseDate parses raw using the supported finance document date shapes.
// The second return is false when nothing matched.
func ParseDate(raw string) (time.Time, bool) {
	s := strings.TrimSpace(spaces.ReplaceAllString(raw, " "))
	if s == "" {
		return time.Time{}, false
	}

	for _, shape := range dateShapes {
		m := shape.re.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		y, mo, d := shape.parts(m)
		if t, ok := buildDate(y, mo, d); ok {
			return t, true
		}
	}

	for _, layout := range genericLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
		}
	}
	return time.Time{}, false
}

// DateOrNow parses raw and falls back to now() with a warning, so a
// document is never held back by its date alone. The bool reports whether
// raw actually parsed.
func DateOrNow(raw string, now func() time.Time) (time.Time, bool) {
	if t, ok := ParseDate(raw); ok {
		return t, true
	}
	if now == nil {
		now = time.Now
	}
	fallback := now().UTC()
	zap.L().Warn("normalize: unparseable date, using current time",
		zap.String("raw", raw),
		zap.Time("fallback", fallback),
	)
	return time.Date(fallback.Year(), fallback.Month(), fallback.Day(), 0, 0, 0, 0, time.UTC), false
}

// ExpandYear applies the two-digit year pivot.
func ExpandYear(y int) int {
	if y >= 100 {
		return y
	}
	if y < PivotYear {
		return 2000 + y
	}
	return 1900 + y
}

func buildDate(year, month, day string) (time.Time, bool) {
	y, err := strconv.Atoi(year)
	if err != nil {
		return time.Time{}, false
	}
	if len(year) == 2 {
		y = ExpandYear(y)
	}

	var mo time.Month
	if n, err := strconv.Atoi(month); err == nil {
		mo = time.Month(n)
	} else {
		key := strings.ToLower(month)
		if len(key) < 3 {
			return time.Time{}, false
		}
		var ok bool
		if mo, ok = months[key[:3]]; !ok {
			return time.Time{}, false
		}
	}

	d, err := strconv.Atoi(day)
	if err != nil {
		return time.Time{}, false
	}
	if mo < time.January || mo > time.December || d < 1 {
		return time.Time{}, false
	}

	t := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes Feb 30 into March; reject anything that moved.
	if t.Year() != y || t.Month() != mo || t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}
