package phi

import (
	"strings"
	"time"
)

// digitsOf strips common separators from a candidate value, leaving only
// decimal digits. Returns "" if any other character is present.
func digitsOf(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == ' ' || r == '.' || r == '(' || r == ')' || r == '/':
			// separator, skip
		default:
			return ""
		}
	}
	return b.String()
}

// IsPureDigits reports whether the value is an unbroken run of decimal
// digits with no separators at all.
func IsPureDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValidSSN checks a candidate Social Security number against the issuing
// rules: the area cannot be 000, 666, or 900-999, the group cannot be 00,
// and the serial cannot be 0000. Separators (dash, space) are ignored.
func ValidSSN(value string) bool {
	digits := digitsOf(value)
	if len(digits) != 9 {
		return false
	}
	area := digits[:3]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	if digits[3:5] == "00" {
		return false
	}
	if digits[5:] == "0000" {
		return false
	}
	return true
}

// ValidLuhn runs the Luhn checksum over the digits of a candidate card or
// account number. Too-short values fail outright.
func ValidLuhn(value string) bool {
	digits := digitsOf(value)
	if len(digits) < 12 {
		return false
	}
	sum := 0
	alternate := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if alternate {
			d *= 2
			if d > 9 {
				d = (d % 10) + 1
			}
		}
		sum += d
		alternate = !alternate
	}
	return sum%10 == 0
}

// dateLayouts are the formats a date-of-birth style value may arrive in.
var dateLayouts = []string{
	"01/02/2006",
	"1/2/2006",
	"2006-01-02",
	"01-02-2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseDate attempts to parse a value as a calendar date in any of the
// accepted layouts.
func ParseDate(value string) (time.Time, bool) {
	trimmed := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, trimmed); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PlausibleBirthDate reports whether the value parses as a real calendar
// date in a range a living person could have been born in.
func PlausibleBirthDate(value string, now time.Time) bool {
	t, ok := ParseDate(value)
	if !ok {
		return false
	}
	return t.Year() >= 1900 && !t.After(now)
}
