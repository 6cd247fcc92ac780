package marketdata

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseLocaleDecimal parses a number written with French-style separators:
// comma as decimal point, spaces (including non-breaking ones) or dots as
// thousands separators, with optional sign, percent sign or currency text.
// Reports false when nothing numeric can be recovered.
func ParseLocaleDecimal(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.':
			b.WriteRune(r)
		case r == '-' || r == '\u2212':
			if b.Len() == 0 {
				b.WriteByte('-')
			}
		}
	}
	cleaned := b.String()
	if cleaned == "" || cleaned == "-" {
		return decimal.Zero, false
	}

	comma := strings.LastIndexByte(cleaned, ',')
	dot := strings.LastIndexByte(cleaned, '.')
	switch {
	case comma >= 0 && dot >= 0 && comma > dot:
		// 1.234,56
		cleaned = strings.ReplaceAll(cleaned, ".", "")
		cleaned = strings.Replace(cleaned, ",", ".", 1)
	case comma >= 0 && dot >= 0:
		// 1,234.56
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	case comma >= 0:
		if strings.Count(cleaned, ",") > 1 {
			cleaned = strings.ReplaceAll(cleaned, ",", "")
		} else {
			cleaned = strings.Replace(cleaned, ",", ".", 1)
		}
	case strings.Count(cleaned, ".") > 1:
		// 1.234.567
		cleaned = strings.ReplaceAll(cleaned, ".", "")
	}

	v, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	return v, true
}

// ParseLocaleInt parses a whole number whose digits may be grouped by
// spaces, dots or commas. Reports false on any other character.
func ParseLocaleInt(s string) (int64, bool) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '\u00a0', r == '\u202f', r == ',', r == '.':
		default:
			return 0, false
		}
	}
	if b.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(b.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decimalOrZero applies the per-field fallback: an unparseable value is 0.
func decimalOrZero(s string) decimal.Decimal {
	v, _ := ParseLocaleDecimal(s)
	return v
}

func intOrZero(s string) int64 {
	v, _ := ParseLocaleInt(s)
	return v
}
