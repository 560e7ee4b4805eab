package deident

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name     string
		rule     Rule
		wantCode string
	}{
		{
			name: "remove needs no params",
			rule: Rule{FieldPattern: "ssn", Action: ActionRemove},
		},
		{
			name: "generalize with ranges",
			rule: Rule{
				FieldPattern: "age",
				Action:       ActionGeneralize,
				Params: Params{Ranges: []Range{
					{Min: dec("0"), Max: dec("17")},
					{Min: dec("18"), Max: dec("64")},
				}},
			},
		},
		{
			name: "shift with negative offset",
			rule: Rule{
				FieldPattern: "*_date",
				Action:       ActionShiftDates,
				Params:       Params{OffsetDays: -42},
			},
		},
		{
			name: "aggregate with width",
			rule: Rule{
				FieldPattern: "weight",
				Action:       ActionAggregate,
				Params:       Params{BucketWidth: dec("10")},
			},
		},
		{
			name:     "empty pattern rejected",
			rule:     Rule{Action: ActionRemove},
			wantCode: "INVALID_RULE",
		},
		{
			name:     "unknown action rejected",
			rule:     Rule{FieldPattern: "ssn", Action: RuleAction("scramble")},
			wantCode: "INVALID_RULE_ACTION",
		},
		{
			name:     "generalize without ranges rejected",
			rule:     Rule{FieldPattern: "age", Action: ActionGeneralize},
			wantCode: "MISSING_RANGES",
		},
		{
			name: "inverted range rejected",
			rule: Rule{
				FieldPattern: "age",
				Action:       ActionGeneralize,
				Params:       Params{Ranges: []Range{{Min: dec("50"), Max: dec("10")}}},
			},
			wantCode: "INVALID_RANGE",
		},
		{
			name:     "shift without offset rejected",
			rule:     Rule{FieldPattern: "dob", Action: ActionShiftDates},
			wantCode: "MISSING_OFFSET",
		},
		{
			name:     "aggregate without width rejected",
			rule:     Rule{FieldPattern: "weight", Action: ActionAggregate},
			wantCode: "INVALID_BUCKET_WIDTH",
		},
		{
			name: "aggregate with negative width rejected",
			rule: Rule{
				FieldPattern: "weight",
				Action:       ActionAggregate,
				Params:       Params{BucketWidth: dec("-5")},
			},
			wantCode: "INVALID_BUCKET_WIDTH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rule.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantCode, appErr.Code)
		})
	}
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		field   string
		want    bool
	}{
		{"exact name", "ssn", "ssn", true},
		{"glob suffix", "*_id", "patient_id", true},
		{"glob miss", "*_id", "name", false},
		{"substring", "date", "birth_date", true},
		{"substring case insensitive", "DATE", "admission_date", true},
		{"no overlap", "phone", "email", false},
		{"glob question mark", "zip?", "zip5", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := Rule{FieldPattern: tt.pattern, Action: ActionRemove}
			assert.Equal(t, tt.want, rule.Matches(tt.field))
		})
	}
}

func TestRangeContainsAndDisplay(t *testing.T) {
	bucket := Range{Min: dec("18"), Max: dec("64")}

	assert.True(t, bucket.Contains(dec("18")), "lower bound is inclusive")
	assert.True(t, bucket.Contains(dec("64")), "upper bound is inclusive")
	assert.True(t, bucket.Contains(dec("40.5")))
	assert.False(t, bucket.Contains(dec("17.99")))
	assert.False(t, bucket.Contains(dec("65")))

	assert.Equal(t, "18-64", bucket.Display())

	labeled := Range{Min: dec("65"), Max: dec("200"), Label: "65+"}
	assert.Equal(t, "65+", labeled.Display())
}

func TestFirstMatchHonorsRuleOrder(t *testing.T) {
	rules := []Rule{
		{FieldPattern: "birth_date", Action: ActionRemove},
		{FieldPattern: "date", Action: ActionShiftDates, Params: Params{OffsetDays: 7}},
	}

	first, ok := FirstMatch(rules, "birth_date")
	require.True(t, ok)
	assert.Equal(t, ActionRemove, first.Action)

	second, ok := FirstMatch(rules, "admission_date")
	require.True(t, ok)
	assert.Equal(t, ActionShiftDates, second.Action)

	_, ok = FirstMatch(rules, "ssn")
	assert.False(t, ok)
}
