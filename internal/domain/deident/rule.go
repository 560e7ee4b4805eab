package deident

import (
	"fmt"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

var ruleValidate = validator.New()

// RuleAction names the transformation a rule applies to the fields it
// matches.
type RuleAction string

const (
	ActionRemove     RuleAction = "remove"
	ActionGeneralize RuleAction = "generalize"
	ActionShiftDates RuleAction = "shift_dates"
	ActionAggregate  RuleAction = "aggregate"
	ActionSynthesize RuleAction = "synthesize"
)

// IsValid reports whether the action is a known transformation.
func (a RuleAction) IsValid() bool {
	switch a {
	case ActionRemove, ActionGeneralize, ActionShiftDates, ActionAggregate, ActionSynthesize:
		return true
	default:
		return false
	}
}

func (a RuleAction) String() string {
	return string(a)
}

// Range is one generalization bucket. Bounds are inclusive; when buckets
// overlap, the first one declared wins.
type Range struct {
	Min   decimal.Decimal `json:"min"`
	Max   decimal.Decimal `json:"max"`
	Label string          `json:"label,omitempty"`
}

// Contains reports whether v falls inside the bucket.
func (r Range) Contains(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(r.Min) && v.LessThanOrEqual(r.Max)
}

// Display returns the replacement text for values in this bucket: the
// configured label, or "min-max" when none was given.
func (r Range) Display() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Min.String() + "-" + r.Max.String()
}

// Params carries the per-action tuning values. Only the fields relevant to
// the rule's action are consulted.
type Params struct {
	Ranges      []Range         `json:"ranges,omitempty"`
	OffsetDays  int             `json:"offset_days,omitempty"`
	BucketWidth decimal.Decimal `json:"bucket_width,omitempty"`
}

// Rule is one caller-supplied expert determination transformation. The
// pattern selects fields by name, either as a glob ("*_id") or as a
// case-insensitive substring ("date" matches "birth_date"). Rules are
// stateless and applied in the order supplied; the first rule matching a
// field decides its treatment.
type Rule struct {
	FieldPattern string     `json:"field_pattern" validate:"required"`
	Action       RuleAction `json:"action" validate:"required"`
	Params       Params     `json:"params,omitempty"`
}

// Validate checks that the rule names a known action and carries the
// parameters that action needs.
func (r Rule) Validate() error {
	if err := ruleValidate.Struct(r); err != nil {
		return errors.NewValidationError("INVALID_RULE",
			fmt.Sprintf("rule %q is invalid", r.FieldPattern)).WithCause(err)
	}
	if !r.Action.IsValid() {
		return errors.NewValidationError("INVALID_RULE_ACTION",
			fmt.Sprintf("rule %q: unknown action %q", r.FieldPattern, r.Action))
	}

	switch r.Action {
	case ActionGeneralize:
		if len(r.Params.Ranges) == 0 {
			return errors.NewValidationError("MISSING_RANGES",
				fmt.Sprintf("rule %q generalizes but supplies no ranges", r.FieldPattern))
		}
		for i, bucket := range r.Params.Ranges {
			if bucket.Max.LessThan(bucket.Min) {
				return errors.NewValidationError("INVALID_RANGE",
					fmt.Sprintf("rule %q range %d: max %s below min %s",
						r.FieldPattern, i, bucket.Max, bucket.Min))
			}
		}
	case ActionShiftDates:
		// A zero offset would pass real dates through unchanged.
		if r.Params.OffsetDays == 0 {
			return errors.NewValidationError("MISSING_OFFSET",
				fmt.Sprintf("rule %q shifts dates but supplies no offset", r.FieldPattern))
		}
	case ActionAggregate:
		if !r.Params.BucketWidth.IsPositive() {
			return errors.NewValidationError("INVALID_BUCKET_WIDTH",
				fmt.Sprintf("rule %q aggregates with non-positive bucket width %s",
					r.FieldPattern, r.Params.BucketWidth))
		}
	}

	return nil
}

// Matches reports whether the rule applies to the named field.
func (r Rule) Matches(fieldName string) bool {
	if ok, err := path.Match(r.FieldPattern, fieldName); err == nil && ok {
		return true
	}
	return strings.Contains(strings.ToLower(fieldName), strings.ToLower(r.FieldPattern))
}

// FirstMatch returns the first rule that matches the named field.
func FirstMatch(rules []Rule, fieldName string) (Rule, bool) {
	for _, rule := range rules {
		if rule.Matches(fieldName) {
			return rule, true
		}
	}
	return Rule{}, false
}
