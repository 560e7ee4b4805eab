package deident

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/deident"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// Date forms ShiftDates understands, paired with the date-only layout the
// shifted value is written back in. Stricter layouts come first so padded
// inputs keep their padding.
var dateLayouts = []struct {
	parse  string
	format string
}{
	{time.RFC3339, "2006-01-02"},
	{"2006-01-02 15:04:05", "2006-01-02"},
	{"2006-01-02", "2006-01-02"},
	{"01/02/2006", "01/02/2006"},
	{"1/2/2006", "1/2/2006"},
	{"January 2, 2006", "January 2, 2006"},
	{"Jan 2, 2006", "Jan 2, 2006"},
}

// ExpertDetermination applies the caller's rules and returns a new record.
// The first rule matching a field decides its treatment; unmatched fields
// pass through. A field whose value cannot be transformed as configured,
// such as a non-numeric value under a generalize rule, is dropped from the
// output rather than passed through raw, and the failure is reported in the
// returned error keyed by field name.
func (s *Service) ExpertDetermination(ctx context.Context, record map[string]string, rules []deident.Rule) (map[string]string, error) {
	ctx, span := s.tracer.Start(ctx, "deident.expert_determination",
		trace.WithAttributes(
			attribute.Int("deident.fields", len(record)),
			attribute.Int("deident.rules", len(rules)),
		),
	)
	defer span.End()

	start := s.clock()

	if len(rules) == 0 {
		return nil, errors.NewValidationError("NO_RULES",
			"expert determination requires at least one rule")
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			span.RecordError(err)
			return nil, errors.WrapWithCode(err, "INVALID_RULE",
				fmt.Sprintf("rule %d rejected", i))
		}
	}

	out := make(map[string]string, len(record))
	var errs errsx.Map
	transformed := 0
	for _, name := range sortedFieldNames(record) {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, err
		}

		value := record[name]
		rule, ok := deident.FirstMatch(rules, name)
		if !ok {
			out[name] = value
			continue
		}

		replacement, keep, err := applyRule(rule, name, value)
		if err != nil {
			errs.Set(name, err)
			continue
		}
		transformed++
		if keep {
			out[name] = replacement
		}
	}

	if s.metrics != nil {
		s.metrics.RecordDeidentification(ctx, elapsedMillis(start, s.clock()), methodExpertDetermination, 1)
	}

	span.SetAttributes(attribute.Int("deident.transformed", transformed))
	s.logger.Debug("Expert determination pass complete",
		zap.Int("fields", len(record)),
		zap.Int("rules", len(rules)),
		zap.Int("transformed", transformed),
	)

	return out, errs.AsError()
}

// applyRule executes one rule against one field value. The second return
// is false when the field is removed from the output.
func applyRule(rule deident.Rule, name, value string) (string, bool, error) {
	switch rule.Action {
	case deident.ActionRemove:
		return "", false, nil

	case deident.ActionGeneralize:
		v, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return "", false, errors.NewValidationError("NOT_NUMERIC",
				fmt.Sprintf("field %s is not numeric", name))
		}
		for _, bucket := range rule.Params.Ranges {
			if bucket.Contains(v) {
				return bucket.Display(), true, nil
			}
		}
		return "", false, errors.NewValidationError("NO_MATCHING_RANGE",
			fmt.Sprintf("field %s fits none of the configured ranges", name))

	case deident.ActionShiftDates:
		shifted, ok := shiftDate(value, rule.Params.OffsetDays)
		if !ok {
			return "", false, errors.NewValidationError("NOT_A_DATE",
				fmt.Sprintf("field %s holds no recognizable date", name))
		}
		return shifted, true, nil

	case deident.ActionAggregate:
		v, err := decimal.NewFromString(strings.TrimSpace(value))
		if err != nil {
			return "", false, errors.NewValidationError("NOT_NUMERIC",
				fmt.Sprintf("field %s is not numeric", name))
		}
		width := rule.Params.BucketWidth
		lower := v.Div(width).Floor().Mul(width)
		upper := lower.Add(width)
		return lower.String() + "-" + upper.String(), true, nil

	case deident.ActionSynthesize:
		synthetic, err := syntheticValue(value)
		if err != nil {
			return "", false, err
		}
		return synthetic, true, nil
	}

	return "", false, errors.NewValidationError("INVALID_RULE_ACTION",
		fmt.Sprintf("unknown action %q", rule.Action))
}

// shiftDate moves the date in the value by a whole number of days and
// returns only the date portion, keeping the input's date layout.
func shiftDate(value string, offsetDays int) (string, bool) {
	v := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout.parse, v)
		if err != nil {
			continue
		}
		return t.AddDate(0, 0, offsetDays).Format(layout.format), true
	}
	return "", false
}
