package extract

import (
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/rotisserie/eris"
)

var patternCache sync.Map // pattern -> *regexp.Regexp

func compile(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: compile pattern %q", pattern)
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// firstMatch returns the first capture group of re in s, or the whole
// match when the pattern has no groups.
func firstMatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if len(m) > 1 {
		return m[1]
	}
	return m[0]
}

// ApplyTransforms runs the named transforms over v in order.
func ApplyTransforms(v string, transforms []string) (string, error) {
	for _, t := range transforms {
		name, arg, _ := strings.Cut(t, ":")
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "trim":
			v = strings.TrimSpace(v)
		case "upper":
			v = strings.ToUpper(v)
		case "lower":
			v = strings.ToLower(v)
		case "digits":
			v = strings.Map(func(r rune) rune {
				if unicode.IsDigit(r) {
					return r
				}
				return -1
			}, v)
		case "collapse":
			v = strings.Join(strings.Fields(v), " ")
		case "first_line":
			v = pickLine(v, true)
		case "last_line":
			v = pickLine(v, false)
		case "strip_prefix":
			trimmed := strings.TrimSpace(v)
			if len(trimmed) >= len(arg) && strings.EqualFold(trimmed[:len(arg)], arg) {
				v = trimmed[len(arg):]
			}
		case "regex":
			re, err := compile(arg)
			if err != nil {
				return "", err
			}
			v = firstMatch(re, v)
		case "":
		default:
			return "", eris.Errorf("extract: unknown transform %q", t)
		}
	}
	return v, nil
}

func pickLine(v string, first bool) string {
	var lines []string
	for _, l := range strings.Split(v, "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	if first {
		return lines[0]
	}
	return lines[len(lines)-1]
}
