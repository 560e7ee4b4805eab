package protection

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// Placeholders substituted by redaction. They carry the broad category so
// downstream consumers can tell what kind of data was removed without
// learning anything about it.
const (
	RedactedIdentifier = "[REDACTED-IDENTIFIER]"
	RedactedHealth     = "[REDACTED-HEALTH]"
	RedactedFinancial  = "[REDACTED-FINANCIAL]"
	RedactedDefault    = "[REDACTED]"
)

// maskedDate is the fixed form every date-shaped value masks to. Dates
// keep nothing, unlike identifiers which keep a recognizable tail.
const maskedDate = "**/**/****"

// tailDigitsKept is how many trailing digits identifier masking reveals.
const tailDigitsKept = 4

var (
	emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	dateShape  = regexp.MustCompile(`^(\d{1,2}[/-]\d{1,2}[/-]\d{2,4}|\d{4}[/-]\d{1,2}[/-]\d{1,2})$`)
)

// Mask obscures a value while keeping enough shape for a human to
// recognize the kind of data. Masking is irreversible.
func (s *Service) Mask(ctx context.Context, value string, c phi.Classification) string {
	if s.metrics != nil {
		s.metrics.RecordProtection(ctx, phi.ActionMask.String(), true)
	}
	return MaskValue(value, c)
}

// Redact replaces a value with its category placeholder.
func (s *Service) Redact(ctx context.Context, c phi.Classification) string {
	if s.metrics != nil {
		s.metrics.RecordProtection(ctx, phi.ActionRedact.String(), true)
	}
	return RedactValue(c)
}

// MaskValue applies the category-specific partial reveal: digit
// identifiers keep their last four digits, emails keep up to three
// characters of the local part, dates are fully masked, and names keep
// the first letter of each token. Everything else has every letter and
// digit starred.
func MaskValue(value string, c phi.Classification) string {
	if value == "" {
		return ""
	}
	// Diagnoses and clinical text get no partial reveal at all.
	if c == phi.ClassSensitiveHealth {
		return maskAll(value)
	}

	switch {
	case emailShape.MatchString(value):
		return maskEmail(value)
	case dateShape.MatchString(value):
		return maskedDate
	}

	digits, letters := countDigitsLetters(value)
	switch {
	case digits >= 7 && letters == 0:
		return maskKeepTailDigits(value, tailDigitsKept)
	case digits == 0 && nameShaped(value):
		return maskName(value)
	default:
		return maskAll(value)
	}
}

// RedactValue returns the placeholder for a classification.
func RedactValue(c phi.Classification) string {
	switch {
	case c.IsIdentifying():
		return RedactedIdentifier
	case c == phi.ClassSensitiveHealth:
		return RedactedHealth
	case c == phi.ClassFinancial:
		return RedactedFinancial
	default:
		return RedactedDefault
	}
}

// maskKeepTailDigits stars every digit except the trailing keep digits,
// leaving separators in place. Values with no more digits than the tail
// would reveal are starred entirely.
func maskKeepTailDigits(value string, keep int) string {
	runes := []rune(value)
	total := 0
	for _, r := range runes {
		if unicode.IsDigit(r) {
			total++
		}
	}
	if total <= keep {
		keep = 0
	}

	seen := 0
	for i, r := range runes {
		if !unicode.IsDigit(r) {
			continue
		}
		seen++
		if seen <= total-keep {
			runes[i] = '*'
		}
	}
	return string(runes)
}

func maskEmail(value string) string {
	at := strings.LastIndex(value, "@")
	local, domain := value[:at], value[at:]
	keep := len(local)
	if keep > 3 {
		keep = 3
	}
	return local[:keep] + "***" + domain
}

// maskName keeps the first letter of each whitespace-separated token and
// stars the remaining letters, preserving internal punctuation.
func maskName(value string) string {
	tokens := strings.Fields(value)
	for i, token := range tokens {
		runes := []rune(token)
		for j := 1; j < len(runes); j++ {
			if unicode.IsLetter(runes[j]) {
				runes[j] = '*'
			}
		}
		tokens[i] = string(runes)
	}
	return strings.Join(tokens, " ")
}

// maskAll stars every letter and digit, keeping separators.
func maskAll(value string) string {
	runes := []rune(value)
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			runes[i] = '*'
		}
	}
	return string(runes)
}

func countDigitsLetters(value string) (digits, letters int) {
	for _, r := range value {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsLetter(r):
			letters++
		}
	}
	return digits, letters
}

// nameShaped reports whether the value is one or more tokens of letters
// with optional internal apostrophes, hyphens, or periods.
func nameShaped(value string) bool {
	tokens := strings.Fields(value)
	if len(tokens) == 0 {
		return false
	}
	for _, token := range tokens {
		runes := []rune(token)
		if !unicode.IsLetter(runes[0]) {
			return false
		}
		for _, r := range runes {
			if !unicode.IsLetter(r) && r != '\'' && r != '-' && r != '.' {
				return false
			}
		}
	}
	return true
}
