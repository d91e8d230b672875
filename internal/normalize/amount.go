package normalize

import (
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// CleanAmount keeps digits, the decimal point and the sign of raw, dropping
// currency symbols, codes, separators and whitespace. A leading bare decimal
// point is zero-padded and accounting parentheses or a trailing "CR" become
// a minus sign. Input with no digits keeps only its sign, so "-" stays "-".
func CleanAmount(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	if n := len(s); n > 2 && strings.EqualFold(s[n-2:], "CR") {
		negative = true
		s = s[:n-2]
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '.':
			b.WriteRune(r)
		case r == '-':
			negative = true
		}
	}
	out := b.String()

	if out == "" {
		if negative {
			return "-"
		}
		return ""
	}
	if strings.Count(out, ".") > 1 {
		// "1.234.56" style: keep the last dot as the decimal separator.
		last := strings.LastIndex(out, ".")
		out = strings.ReplaceAll(out[:last], ".", "") + out[last:]
	}
	if strings.HasPrefix(out, ".") {
		out = "0" + out
	}
	if negative {
		out = "-" + out
	}
	return out
}

// ParseAmount cleans raw and parses it as a decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	s := CleanAmount(raw)
	if s == "" || s == "-" {
		return decimal.Zero, eris.Errorf("normalize: no amount in %q", raw)
	}
	d, err := decimal.NewFromString(strings.TrimSuffix(s, "."))
	if err != nil {
		return decimal.Zero, eris.Wrapf(err, "normalize: parse amount %q", raw)
	}
	return d, nil
}

// IsAmountPresent reports whether raw holds a usable amount. Zero counts as
// present; blank does not.
func IsAmountPresent(raw string) bool {
	_, err := ParseAmount(raw)
	return err == nil
}

// NormalizeAccount keeps only the digits of an account number.
func NormalizeAccount(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
