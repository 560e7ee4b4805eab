package phi

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// Finding records one classification hit on one field value. Findings are
// produced per detection pass, never persisted, and never mutated after
// construction.
type Finding struct {
	FieldName         string         `json:"field_name"`
	MatchedValue      string         `json:"matched_value"`
	Classification    Classification `json:"classification"`
	Confidence        float64        `json:"confidence"`
	MatchedPatternIDs []string       `json:"matched_pattern_ids"`
	SpanStart         int            `json:"span_start"`
	SpanEnd           int            `json:"span_end"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	RecommendedAction Action         `json:"recommended_action"`
}

// NewFinding creates a validated Finding.
func NewFinding(fieldName, matchedValue string, classification Classification, confidence float64, patternIDs []string, spanStart, spanEnd int, risk RiskLevel, action Action) (Finding, error) {
	if fieldName == "" {
		return Finding{}, errors.NewValidationError("EMPTY_FIELD_NAME",
			"finding field name cannot be empty")
	}
	if !classification.IsValid() {
		return Finding{}, errors.NewValidationError("INVALID_CLASSIFICATION",
			fmt.Sprintf("unknown classification %q", classification))
	}
	if confidence < 0 || confidence > 1 {
		return Finding{}, errors.NewValidationError("INVALID_CONFIDENCE",
			fmt.Sprintf("confidence %.3f outside [0,1]", confidence))
	}
	if spanStart < 0 || spanEnd < spanStart {
		return Finding{}, errors.NewValidationError("INVALID_SPAN",
			fmt.Sprintf("span [%d,%d) is not a valid range", spanStart, spanEnd))
	}
	if !risk.IsValid() {
		return Finding{}, errors.NewValidationError("INVALID_RISK_LEVEL",
			fmt.Sprintf("unknown risk level %q", risk))
	}
	if !action.IsValid() {
		return Finding{}, errors.NewValidationError("INVALID_ACTION",
			fmt.Sprintf("unknown action %q", action))
	}

	ids := make([]string, len(patternIDs))
	copy(ids, patternIDs)

	return Finding{
		FieldName:         fieldName,
		MatchedValue:      matchedValue,
		Classification:    classification,
		Confidence:        confidence,
		MatchedPatternIDs: ids,
		SpanStart:         spanStart,
		SpanEnd:           spanEnd,
		RiskLevel:         risk,
		RecommendedAction: action,
	}, nil
}

// PrimaryPatternID returns the first matched pattern id, or "" when none.
func (f Finding) PrimaryPatternID() string {
	if len(f.MatchedPatternIDs) == 0 {
		return ""
	}
	return f.MatchedPatternIDs[0]
}

// Format returns a compact single-line description for logging. The matched
// value itself is never included, only its location and category.
func (f Finding) Format() string {
	return fmt.Sprintf("%s: %s risk=%s conf=%.2f action=%s",
		f.FieldName, f.Classification, f.RiskLevel, f.Confidence, f.RecommendedAction)
}

// SortFindings orders findings by confidence descending in place. Ties are
// broken by field name, then primary pattern id, so detection output is
// deterministic for identical input records.
func SortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Confidence != findings[j].Confidence {
			return findings[i].Confidence > findings[j].Confidence
		}
		if c := strings.Compare(findings[i].FieldName, findings[j].FieldName); c != 0 {
			return c < 0
		}
		return findings[i].PrimaryPatternID() < findings[j].PrimaryPatternID()
	})
}

// HighestRisk returns the most severe risk level across the findings, or
// RiskLow when the slice is empty.
func HighestRisk(findings []Finding) RiskLevel {
	highest := RiskLow
	for _, f := range findings {
		if f.RiskLevel.IsAtLeast(highest) {
			highest = f.RiskLevel
		}
	}
	return highest
}

// ByField groups findings by field name, preserving the order within each
// field.
func ByField(findings []Finding) map[string][]Finding {
	grouped := make(map[string][]Finding)
	for _, f := range findings {
		grouped[f.FieldName] = append(grouped[f.FieldName], f)
	}
	return grouped
}

// BestByField keeps only the highest-confidence finding per field. Input
// must already be sorted by SortFindings.
func BestByField(findings []Finding) map[string]Finding {
	best := make(map[string]Finding)
	for _, f := range findings {
		if _, seen := best[f.FieldName]; !seen {
			best[f.FieldName] = f
		}
	}
	return best
}
