package detector

import (
	"strconv"
	"strings"
	"unicode"
)

// ParseAmount extracts the numeric value of an amount or plain numeral, accepting
// both 1,234.56 and 1.234,56 conventions. Currency codes are ignored.
func ParseAmount(value string) (float64, bool) {
	var b strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsDigit(r), r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	raw := strings.Trim(b.String(), ".,")
	if raw == "" || raw == "-" {
		return 0, false
	}

	negative := strings.HasPrefix(raw, "-")
	raw = strings.ReplaceAll(raw, "-", "")

	decimalSep := -1
	if idx := strings.LastIndexAny(raw, ".,"); idx >= 0 {
		if digits := len(raw) - idx - 1; digits > 0 && digits <= 2 {
			decimalSep = idx
		}
	}

	var normalized strings.Builder
	for i, r := range raw {
		switch {
		case i == decimalSep:
			normalized.WriteByte('.')
		case r == '.' || r == ',':
		default:
			normalized.WriteRune(r)
		}
	}

	parsed, err := strconv.ParseFloat(normalized.String(), 64)
	if err != nil {
		return 0, false
	}
	if negative {
		parsed = -parsed
	}
	return parsed, true
}
