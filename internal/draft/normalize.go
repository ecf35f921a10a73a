package draft

import (
	"math"
	"strconv"
	"strings"
	"unicode"
)

// NormalizePrice converts a raw price into integer minor units. Values above
// ceiling are taken as minor units already; positive values up to ceiling are
// major units and get multiplied by 100. Anything unparseable, zero or
// negative is free.
func NormalizePrice(raw string, ceiling int64) int64 {
	raw = strings.TrimSpace(raw)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		// Formatted amounts such as "$1,250.00" lose their symbols and
		// separators; plain numbers, exponents included, parse as-is above.
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) || r == '.' || r == '-' {
				return r
			}
			return -1
		}, raw)
		if cleaned == "" {
			return 0
		}
		v, err = strconv.ParseFloat(cleaned, 64)
	}
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	if v > float64(ceiling) {
		return int64(math.Round(v))
	}
	return int64(math.Round(v * 100))
}

// NaturalKey identifies an artifact within an organization and record type.
func NaturalKey(orgID, recordType, name string) string {
	return orgID + "|" + recordType + "|" + NormalizeName(name)
}

// NormalizeName lowercases a name and collapses punctuation and whitespace
// runs into single spaces.
func NormalizeName(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}
