package deident

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// Value shapes the Safe Harbor generalizers recognize.
var (
	zipShape  = regexp.MustCompile(`^\d{5}(?:-\d{4})?$`)
	yearShape = regexp.MustCompile(`\b(?:1[89]|20)\d{2}\b`)
)

// Ages above this are aggregated into a single "90+" band.
const ageAggregationCutoff = 89

// SafeHarbor applies the enumerated-category de-identification pass and
// returns a new record. Fields holding direct identifiers, contact details,
// or device identifiers are removed. Quasi-identifiers survive only in
// generalized form: dates keep the year, ZIP codes keep the first three
// digits, and a quasi value with neither shape is removed. Age fields above
// 89 collapse to "90+" whether or not a pattern matched them.
//
// Running the pass over its own output changes nothing further.
func (s *Service) SafeHarbor(ctx context.Context, record map[string]string) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "deident.safe_harbor",
		trace.WithAttributes(attribute.Int("deident.fields", len(record))),
	)
	defer span.End()

	start := s.clock()

	findings, err := s.detector.Detect(ctx, record)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	byField := phi.ByField(findings)

	out := make(map[string]string, len(record))
	removed := 0
	for name, value := range record {
		switch strictestDisposition(byField[name]) {
		case phi.DispositionRemove:
			removed++
		case phi.DispositionGeneralize:
			if generalized, ok := generalizeQuasi(value); ok {
				out[name] = generalized
			} else {
				removed++
			}
		default:
			if aged, ok := generalizeAge(name, value); ok {
				out[name] = aged
			} else {
				out[name] = value
			}
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDeidentification(ctx, elapsedMillis(start, s.clock()), methodSafeHarbor, 1)
	}

	span.SetAttributes(attribute.Int("deident.removed", removed))
	s.logger.Debug("Safe Harbor pass complete",
		zap.Int("fields", len(record)),
		zap.Int("removed", removed),
	)

	return out, nil
}

// strictestDisposition collapses every finding on a field into one
// treatment. A note matching both a name and a diagnosis term must still
// lose the name, so removal outranks generalization, and generalization
// outranks keeping.
func strictestDisposition(findings []phi.Finding) phi.SafeHarborDisposition {
	disposition := phi.DispositionKeep
	for _, f := range findings {
		switch f.Classification.SafeHarborDisposition() {
		case phi.DispositionRemove:
			return phi.DispositionRemove
		case phi.DispositionGeneralize:
			disposition = phi.DispositionGeneralize
		}
	}
	return disposition
}

// generalizeQuasi reduces a quasi-identifier to its permitted residue: ZIP
// codes keep the first three digits, dates keep only the year. A value
// with neither shape, such as a street address, has no permitted residue.
func generalizeQuasi(value string) (string, bool) {
	v := strings.TrimSpace(value)
	if zipShape.MatchString(v) {
		return v[:3] + "00", true
	}
	if year := yearShape.FindString(v); year != "" {
		return year, true
	}
	return "", false
}

// generalizeAge returns "90+" for age fields above the aggregation cutoff.
// The second return is false when the field is not an age or needs no
// change.
func generalizeAge(fieldName, value string) (string, bool) {
	if !ageField(fieldName) {
		return "", false
	}
	age, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || age <= ageAggregationCutoff {
		return "", false
	}
	return "90+", true
}

// ageField reports whether the field name has an "age" token. Token
// matching keeps "message" and "storage" from qualifying.
func ageField(fieldName string) bool {
	tokens := strings.FieldsFunc(strings.ToLower(fieldName), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, tok := range tokens {
		if tok == "age" {
			return true
		}
	}
	return false
}
