package access

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
)

func TestValidateAccessGranted(t *testing.T) {
	svc, trail, st := newTestService(t)
	ctx := context.Background()

	req := treatmentRequest("dr-osei")
	req.Fields = []string{"diagnosis", "medication"}

	decision, err := svc.ValidateAccess(ctx, req)
	require.NoError(t, err)
	require.True(t, decision.Granted)
	require.NotNil(t, decision.Context)

	grant := decision.Context
	assert.NotEmpty(t, grant.SessionID)
	assert.Equal(t, "dr-osei", grant.UserID)
	assert.True(t, grant.Allows(access.OperationDecrypt))

	// The session is persisted under its id.
	_, err = st.Get(ctx, store.BucketSessions, grant.SessionID)
	require.NoError(t, err)

	// Exactly one access event, successful, at medium risk.
	events := trail.byAction(audit.ActionAccess)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, phi.RiskMedium, events[0].RiskLevel)
	assert.Equal(t, grant.SessionID, events[0].ResourceID)
	assert.Equal(t, "session", events[0].ResourceType)
	assert.Equal(t, access.PurposeTreatment, events[0].Purpose)
	assert.Equal(t, []string{"diagnosis", "medication"}, events[0].Fields)
}

func TestValidateAccessMatrixTotality(t *testing.T) {
	svc, trail, _ := newTestService(t)
	ctx := context.Background()

	// Every role and purpose pair decides exactly as the matrix says, and
	// every pair outside the matrix is denied with the purpose named.
	i := 0
	for _, role := range access.AllRoles() {
		for _, purpose := range access.AllPurposes() {
			i++
			t.Run(fmt.Sprintf("%s_%s", role, purpose), func(t *testing.T) {
				decision, err := svc.ValidateAccess(ctx, access.Request{
					UserID:  fmt.Sprintf("user-%03d", i),
					Role:    role,
					Purpose: purpose,
				})
				require.NoError(t, err)
				assert.Equal(t, role.AllowsPurpose(purpose), decision.Granted)
				if !decision.Granted {
					assert.Contains(t, decision.Reason, "not authorized")
					assert.Contains(t, decision.Reason, purpose.String())
				}
			})
		}
	}

	// Denials landed in the trail as failed access events.
	denied := 0
	for _, e := range trail.byAction(audit.ActionAccess) {
		if !e.Success {
			denied++
			assert.Equal(t, "access_request", e.ResourceType)
		}
	}
	assert.Positive(t, denied)
}

func TestValidateAccessDeniesResearcherForTreatment(t *testing.T) {
	svc, trail, _ := newTestService(t)

	decision, err := svc.ValidateAccess(context.Background(), access.Request{
		UserID:  "researcher-7",
		Role:    access.RoleResearcher,
		Purpose: access.PurposeTreatment,
	})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.Contains(t, decision.Reason, "purpose treatment")
	assert.Nil(t, decision.Context)

	events := trail.byAction(audit.ActionAccess)
	require.Len(t, events, 1)
	assert.False(t, events[0].Success)
	assert.Equal(t, decision.Reason, events[0].Detail)
}

func TestValidateAccessMinimumNecessary(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		role    access.Role
		purpose access.Purpose
		fields  []string
		granted bool
	}{
		{"researcher quasi fields pass", access.RoleResearcher, access.PurposeResearch, []string{"zip_code", "age"}, true},
		{"researcher denied ssn", access.RoleResearcher, access.PurposeResearch, []string{"ssn"}, false},
		{"researcher denied contact info", access.RoleResearcher, access.PurposeResearch, []string{"email"}, false},
		{"researcher denied record number", access.RoleResearcher, access.PurposeResearch, []string{"patient_id"}, false},
		{"researcher denied explicit classification", access.RoleResearcher, access.PurposeResearch, []string{"direct_identifier"}, false},
		{"nurse denied billing fields", access.RoleNurse, access.PurposeTreatment, []string{"credit_card"}, false},
		{"admin denied clinical fields", access.RoleAdmin, access.PurposeOperations, []string{"diagnosis"}, false},
		{"admin unclassified field passes", access.RoleAdmin, access.PurposeOperations, []string{"invoice_total"}, true},
		{"provider sees clinical identifiers", access.RoleHealthcareProvider, access.PurposeTreatment, []string{"ssn", "diagnosis"}, true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := svc.ValidateAccess(ctx, access.Request{
				UserID:  fmt.Sprintf("mn-user-%d", i),
				Role:    tt.role,
				Purpose: tt.purpose,
				Fields:  tt.fields,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.granted, decision.Granted)
			if !tt.granted {
				assert.Contains(t, decision.Reason, "minimum necessary")
			}
		})
	}
}

func TestValidateAccessConsent(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now()

	mint := func(t *testing.T, patientID string, purpose access.Purpose, issued time.Time) string {
		t.Helper()
		token, err := MintConsentToken(testConsentSecret, patientID, purpose, issued, time.Hour)
		require.NoError(t, err)
		return token
	}

	patientReq := func(userID, token string) access.Request {
		req := treatmentRequest(userID)
		req.PatientID = "pt-889"
		req.ConsentToken = token
		return req
	}

	t.Run("missing token denied", func(t *testing.T) {
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c1", ""))
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "consent required")
	})

	t.Run("valid token granted", func(t *testing.T) {
		token := mint(t, "pt-889", access.PurposeTreatment, now)
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c2", token))
		require.NoError(t, err)
		assert.True(t, decision.Granted)
		assert.Equal(t, "pt-889", decision.Context.PatientID)
	})

	t.Run("expired token denied", func(t *testing.T) {
		token := mint(t, "pt-889", access.PurposeTreatment, now.Add(-2*time.Hour))
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c3", token))
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "invalid or expired")
	})

	t.Run("token for another patient denied", func(t *testing.T) {
		token := mint(t, "pt-555", access.PurposeTreatment, now)
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c4", token))
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "different patient")
	})

	t.Run("token for another purpose denied", func(t *testing.T) {
		token := mint(t, "pt-889", access.PurposeOperations, now)
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c5", token))
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "does not cover the requested purpose")
	})

	t.Run("garbage token denied", func(t *testing.T) {
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c6", "not.a.token"))
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "invalid or expired")
	})

	t.Run("token signed with wrong secret denied", func(t *testing.T) {
		token, err := MintConsentToken([]byte("some-other-secret"), "pt-889", access.PurposeTreatment, now, time.Hour)
		require.NoError(t, err)
		decision, err := svc.ValidateAccess(ctx, patientReq("dr-c7", token))
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "invalid or expired")
	})

	t.Run("no patient target needs no consent", func(t *testing.T) {
		decision, err := svc.ValidateAccess(ctx, treatmentRequest("dr-c8"))
		require.NoError(t, err)
		assert.True(t, decision.Granted)
	})
}

func TestValidateAccessEmergencyOverride(t *testing.T) {
	svc, trail, _ := newTestService(t)
	ctx := context.Background()

	t.Run("emergency role overrides without consent", func(t *testing.T) {
		trail.reset()
		decision, err := svc.ValidateAccess(ctx, access.Request{
			UserID:            "er-doc-1",
			Role:              access.RoleEmergency,
			Purpose:           access.PurposeEmergency,
			PatientID:         "pt-unconscious",
			EmergencyOverride: true,
		})
		require.NoError(t, err)
		require.True(t, decision.Granted)
		assert.True(t, decision.Context.HasRestriction(access.RestrictionEmergencyReviewNeeded))

		events := trail.byAction(audit.ActionAccess)
		require.Len(t, events, 1)
		assert.Equal(t, phi.RiskHigh, events[0].RiskLevel)
		assert.Contains(t, events[0].Detail, "override")
	})

	t.Run("provider may override", func(t *testing.T) {
		decision, err := svc.ValidateAccess(ctx, access.Request{
			UserID:            "dr-override",
			Role:              access.RoleHealthcareProvider,
			Purpose:           access.PurposeTreatment,
			PatientID:         "pt-31",
			EmergencyOverride: true,
		})
		require.NoError(t, err)
		assert.True(t, decision.Granted)
	})

	t.Run("other roles may not", func(t *testing.T) {
		trail.reset()
		decision, err := svc.ValidateAccess(ctx, access.Request{
			UserID:            "nurse-override",
			Role:              access.RoleNurse,
			Purpose:           access.PurposeTreatment,
			PatientID:         "pt-31",
			EmergencyOverride: true,
		})
		require.NoError(t, err)
		assert.False(t, decision.Granted)
		assert.Contains(t, decision.Reason, "emergency override")

		// Denied override attempts audit at high risk.
		events := trail.byAction(audit.ActionAccess)
		require.Len(t, events, 1)
		assert.False(t, events[0].Success)
		assert.Equal(t, phi.RiskHigh, events[0].RiskLevel)
	})

	t.Run("role restrictions carry onto the grant", func(t *testing.T) {
		token, err := MintConsentToken(testConsentSecret, "pt-self", access.PurposeTreatment, time.Now(), time.Hour)
		require.NoError(t, err)
		decision, err := svc.ValidateAccess(ctx, access.Request{
			UserID:       "pt-self",
			Role:         access.RolePatient,
			Purpose:      access.PurposeTreatment,
			PatientID:    "pt-self",
			ConsentToken: token,
		})
		require.NoError(t, err)
		require.True(t, decision.Granted)
		assert.True(t, decision.Context.HasRestriction(access.RestrictionOwnRecordsOnly))
	})
}

func TestValidateAccessThrottlesRepeatedFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailuresPerMinute = 1
	cfg.FailureBurst = 3
	trail := &recordingAudit{}
	svc, err := NewService(context.Background(), cfg, store.NewMemoryStore(), trail, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	// Burn the budget with requests the matrix rejects.
	for i := 0; i < 3; i++ {
		decision, err := svc.ValidateAccess(ctx, access.Request{
			UserID:  "mallory",
			Role:    access.RoleResearcher,
			Purpose: access.PurposeTreatment,
		})
		require.NoError(t, err)
		require.False(t, decision.Granted)
		require.Contains(t, decision.Reason, "not authorized")
	}

	// Now even a request the matrix allows is rejected outright.
	decision, err := svc.ValidateAccess(ctx, access.Request{
		UserID:  "mallory",
		Role:    access.RoleResearcher,
		Purpose: access.PurposeResearch,
	})
	require.NoError(t, err)
	assert.False(t, decision.Granted)
	assert.Contains(t, decision.Reason, "rate limited")

	// Other users are unaffected.
	clean, err := svc.ValidateAccess(ctx, treatmentRequest("dr-untainted"))
	require.NoError(t, err)
	assert.True(t, clean.Granted)

	// All four denials are on the record.
	denied := 0
	for _, e := range trail.byAction(audit.ActionAccess) {
		if !e.Success && e.UserID == "mallory" {
			denied++
		}
	}
	assert.Equal(t, 4, denied)
}

func TestValidateAccessMalformedRequest(t *testing.T) {
	svc, trail, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  access.Request
		code string
	}{
		{"missing user", access.Request{Role: access.RoleAdmin, Purpose: access.PurposeOperations}, "INVALID_ACCESS_REQUEST"},
		{"unknown role", access.Request{UserID: "u", Role: "wizard", Purpose: access.PurposeOperations}, "UNKNOWN_ROLE"},
		{"unknown purpose", access.Request{UserID: "u", Role: access.RoleAdmin, Purpose: "marketing"}, "UNKNOWN_PURPOSE"},
		{"negative duration", access.Request{UserID: "u", Role: access.RoleAdmin, Purpose: access.PurposeOperations, RequestedDuration: -time.Hour}, "INVALID_DURATION"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := svc.ValidateAccess(ctx, tt.req)
			var appErr *errors.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)
			assert.False(t, decision.Granted)
		})
	}

	// Malformed requests never reach the trail; they are errors, not denials.
	assert.Empty(t, trail.byAction(audit.ActionAccess))
}

func TestValidateAccessAuditFailureRollsBackGrant(t *testing.T) {
	svc, trail, st := newTestService(t)
	ctx := context.Background()

	trail.fail = assert.AnError
	_, err := svc.ValidateAccess(ctx, treatmentRequest("dr-unlucky"))
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "AUDIT_APPEND_FAILED", appErr.Code)

	// No session survives an unaudited grant.
	count := 0
	require.NoError(t, st.Scan(ctx, store.BucketSessions, func(string, []byte) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestMintConsentToken(t *testing.T) {
	now := time.Now()

	t.Run("rejects bad input", func(t *testing.T) {
		tests := []struct {
			name string
			mint func() (string, error)
			code string
		}{
			{"empty secret", func() (string, error) {
				return MintConsentToken(nil, "pt-1", access.PurposeTreatment, now, time.Hour)
			}, "MISSING_CONSENT_SECRET"},
			{"empty patient", func() (string, error) {
				return MintConsentToken(testConsentSecret, "", access.PurposeTreatment, now, time.Hour)
			}, "MISSING_PATIENT_ID"},
			{"unknown purpose", func() (string, error) {
				return MintConsentToken(testConsentSecret, "pt-1", "marketing", now, time.Hour)
			}, "UNKNOWN_PURPOSE"},
			{"non-positive ttl", func() (string, error) {
				return MintConsentToken(testConsentSecret, "pt-1", access.PurposeTreatment, now, 0)
			}, "INVALID_CONSENT_TTL"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := tt.mint()
				var appErr *errors.AppError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.code, appErr.Code)
			})
		}
	})

	t.Run("issues a compact jwt", func(t *testing.T) {
		token, err := MintConsentToken(testConsentSecret, "pt-1", access.PurposeTreatment, now, time.Hour)
		require.NoError(t, err)
		assert.Len(t, strings.Split(token, "."), 3)
	})
}
