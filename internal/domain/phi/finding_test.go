package phi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

func TestNewFinding(t *testing.T) {
	tests := []struct {
		name           string
		fieldName      string
		classification Classification
		confidence     float64
		spanStart      int
		spanEnd        int
		risk           RiskLevel
		action         Action
		wantErr        bool
		errCode        string
	}{
		{
			name:           "valid finding",
			fieldName:      "ssn",
			classification: ClassDirectIdentifier,
			confidence:     0.9,
			spanStart:      0,
			spanEnd:        11,
			risk:           RiskHigh,
			action:         ActionEncrypt,
		},
		{
			name:           "empty field name",
			fieldName:      "",
			classification: ClassDirectIdentifier,
			confidence:     0.9,
			risk:           RiskHigh,
			action:         ActionEncrypt,
			wantErr:        true,
			errCode:        "EMPTY_FIELD_NAME",
		},
		{
			name:           "unknown classification",
			fieldName:      "ssn",
			classification: Classification("genomic"),
			confidence:     0.9,
			risk:           RiskHigh,
			action:         ActionEncrypt,
			wantErr:        true,
			errCode:        "INVALID_CLASSIFICATION",
		},
		{
			name:           "confidence above one",
			fieldName:      "ssn",
			classification: ClassDirectIdentifier,
			confidence:     1.2,
			risk:           RiskHigh,
			action:         ActionEncrypt,
			wantErr:        true,
			errCode:        "INVALID_CONFIDENCE",
		},
		{
			name:           "negative confidence",
			fieldName:      "ssn",
			classification: ClassDirectIdentifier,
			confidence:     -0.1,
			risk:           RiskHigh,
			action:         ActionEncrypt,
			wantErr:        true,
			errCode:        "INVALID_CONFIDENCE",
		},
		{
			name:           "inverted span",
			fieldName:      "ssn",
			classification: ClassDirectIdentifier,
			confidence:     0.9,
			spanStart:      5,
			spanEnd:        2,
			risk:           RiskHigh,
			action:         ActionEncrypt,
			wantErr:        true,
			errCode:        "INVALID_SPAN",
		},
		{
			name:           "unknown risk",
			fieldName:      "ssn",
			classification: ClassDirectIdentifier,
			confidence:     0.9,
			risk:           RiskLevel("extreme"),
			action:         ActionEncrypt,
			wantErr:        true,
			errCode:        "INVALID_RISK_LEVEL",
		},
		{
			name:           "unknown action",
			fieldName:      "ssn",
			classification: ClassDirectIdentifier,
			confidence:     0.9,
			risk:           RiskHigh,
			action:         Action("quarantine"),
			wantErr:        true,
			errCode:        "INVALID_ACTION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFinding(tt.fieldName, "123-45-6789", tt.classification,
				tt.confidence, []string{"ssn.dashed"}, tt.spanStart, tt.spanEnd, tt.risk, tt.action)

			if tt.wantErr {
				require.Error(t, err)
				var appErr *errors.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.errCode, appErr.Code)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.fieldName, f.FieldName)
			assert.Equal(t, tt.classification, f.Classification)
			assert.Equal(t, "ssn.dashed", f.PrimaryPatternID())
		})
	}
}

func TestNewFindingCopiesPatternIDs(t *testing.T) {
	ids := []string{"ssn.dashed"}
	f, err := NewFinding("ssn", "123-45-6789", ClassDirectIdentifier, 0.9, ids, 0, 11, RiskHigh, ActionEncrypt)
	require.NoError(t, err)

	ids[0] = "mutated"
	assert.Equal(t, "ssn.dashed", f.MatchedPatternIDs[0])
}

func TestSortFindings(t *testing.T) {
	mk := func(field, patternID string, conf float64) Finding {
		f, err := NewFinding(field, "v", ClassDirectIdentifier, conf,
			[]string{patternID}, 0, 1, RiskHigh, ActionEncrypt)
		require.NoError(t, err)
		return f
	}

	findings := []Finding{
		mk("zzz", "mrn.numeric", 0.5),
		mk("aaa", "ssn.bare", 0.9),
		mk("bbb", "phone.bare", 0.5),
		mk("bbb", "mrn.numeric", 0.5),
		mk("mmm", "ssn.dashed", 0.7),
	}

	SortFindings(findings)

	// Descending confidence first.
	assert.Equal(t, "aaa", findings[0].FieldName)
	assert.Equal(t, "mmm", findings[1].FieldName)

	// Ties ordered by field name, then pattern id.
	assert.Equal(t, "bbb", findings[2].FieldName)
	assert.Equal(t, "mrn.numeric", findings[2].PrimaryPatternID())
	assert.Equal(t, "bbb", findings[3].FieldName)
	assert.Equal(t, "phone.bare", findings[3].PrimaryPatternID())
	assert.Equal(t, "zzz", findings[4].FieldName)

	// Sorting is deterministic across repeated runs.
	again := make([]Finding, len(findings))
	copy(again, findings)
	SortFindings(again)
	assert.Equal(t, findings, again)
}

func TestHighestRisk(t *testing.T) {
	mk := func(risk RiskLevel) Finding {
		f, err := NewFinding("f", "v", ClassQuasiIdentifier, 0.5, nil, 0, 1, risk, ActionMask)
		require.NoError(t, err)
		return f
	}

	assert.Equal(t, RiskLow, HighestRisk(nil))
	assert.Equal(t, RiskMedium, HighestRisk([]Finding{mk(RiskLow), mk(RiskMedium)}))
	assert.Equal(t, RiskHigh, HighestRisk([]Finding{mk(RiskMedium), mk(RiskHigh), mk(RiskLow)}))
}

func TestBestByField(t *testing.T) {
	mk := func(field string, conf float64, class Classification) Finding {
		f, err := NewFinding(field, "v", class, conf, nil, 0, 1, class.DefaultRiskLevel(), ActionAllow)
		require.NoError(t, err)
		return f
	}

	findings := []Finding{
		mk("ssn", 0.9, ClassDirectIdentifier),
		mk("ssn", 0.4, ClassQuasiIdentifier),
		mk("notes", 0.6, ClassSensitiveHealth),
	}
	SortFindings(findings)

	best := BestByField(findings)
	require.Len(t, best, 2)
	assert.Equal(t, ClassDirectIdentifier, best["ssn"].Classification)
	assert.Equal(t, 0.9, best["ssn"].Confidence)
	assert.Equal(t, ClassSensitiveHealth, best["notes"].Classification)
}
