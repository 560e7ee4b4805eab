package engine

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
	"github.com/meridianhealth/phi-engine/internal/domain/deident"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/config"
	"github.com/meridianhealth/phi-engine/internal/testutil/fixtures"
)

func testEngineConfig() *config.Config {
	return &config.Config{
		Environment: "test",
		LogLevel:    "debug",
		Storage:     config.StorageConfig{Backend: config.BackendMemory},
		Crypto: config.CryptoConfig{
			MasterKey:   "engine-test-master-key",
			Iterations:  100_000,
			KeyCacheTTL: time.Minute,
		},
		Access: config.AccessConfig{
			SessionTTL:        time.Hour,
			FailuresPerMinute: 5,
			FailureBurst:      10,
		},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(context.Background(), testEngineConfig(), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// openSession validates access for a role and returns the session id.
func openSession(t *testing.T, eng *Engine, userID string, role access.Role, purpose access.Purpose) string {
	t.Helper()
	decision, err := eng.ValidatePHIAccess(context.Background(), access.Request{
		UserID:  userID,
		Role:    role,
		Purpose: purpose,
	})
	require.NoError(t, err)
	require.True(t, decision.Granted, "expected grant, got: %s", decision.Reason)
	return decision.Context.SessionID
}

func TestNewEngine(t *testing.T) {
	t.Run("requires config", func(t *testing.T) {
		_, err := New(context.Background(), nil, nil, nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "MISSING_CONFIG", appErr.Code)
	})

	t.Run("requires master key", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.Crypto.MasterKey = ""
		_, err := New(context.Background(), cfg, nil, nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "MISSING_MASTER_KEY", appErr.Code)
	})

	t.Run("starts on the memory backend", func(t *testing.T) {
		eng := newTestEngine(t)
		assert.NotNil(t, eng.store)
	})
}

func TestEngineFieldLifecycle(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	record := map[string]string{
		"ssn":       "123-45-6789",
		"diagnosis": "hypertension",
	}
	findings, err := eng.DetectPHI(ctx, record)
	require.NoError(t, err)
	require.NotEmpty(t, findings)

	fieldCfg := protection.FieldConfig{
		TableName: "patients",
		FieldName: "ssn",
		Purpose:   "treatment",
		Mandatory: true,
	}
	result, err := eng.EncryptField(ctx, "123-45-6789", fieldCfg)
	require.NoError(t, err)
	blob, err := protection.ParseEncryptedBlob(result.Payload, result.Metadata)
	require.NoError(t, err)

	sessionID := openSession(t, eng, "dr-flow", access.RoleHealthcareProvider, access.PurposeTreatment)

	value, err := eng.DecryptField(ctx, sessionID, blob, fieldCfg)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", value)

	// After revocation the same session reverses nothing, and the refusal
	// shows up as a breach attempt.
	require.NoError(t, eng.RevokeAccess(ctx, sessionID))
	_, err = eng.DecryptField(ctx, sessionID, blob, fieldCfg)
	require.Error(t, err)

	breaches, err := eng.GetAuditEvents(ctx, audit.Filter{Action: audit.ActionBreachAttempt})
	require.NoError(t, err)
	require.Len(t, breaches, 1)
	assert.Equal(t, "dr-flow", breaches[0].UserID)
}

func TestEngineRecordRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	cfgs := []protection.FieldConfig{
		{TableName: "patients", FieldName: "ssn", Mandatory: true},
		{TableName: "patients", FieldName: "mrn"},
	}
	record := map[string]string{
		"ssn": "987-65-4321",
		"mrn": "445566778",
	}

	encrypted, err := eng.EncryptRecord(ctx, record, cfgs)
	require.NoError(t, err)
	require.Len(t, encrypted, 2)

	sessionID := openSession(t, eng, "dr-batch", access.RoleHealthcareProvider, access.PurposeTreatment)
	decrypted, err := eng.DecryptRecord(ctx, sessionID, encrypted, cfgs)
	require.NoError(t, err)
	assert.Equal(t, record, decrypted)
}

func TestEngineRepeatedDeniedReversalsFlagTheUser(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	fieldCfg := protection.FieldConfig{TableName: "patients", FieldName: "ssn"}
	result, err := eng.EncryptField(ctx, "123-45-6789", fieldCfg)
	require.NoError(t, err)
	blob, err := protection.ParseEncryptedBlob(result.Payload, result.Metadata)
	require.NoError(t, err)

	// A researcher session cannot decrypt; five attempts cross the
	// repeated-failures threshold.
	sessionID := openSession(t, eng, "researcher-caught", access.RoleResearcher, access.PurposeResearch)
	for i := 0; i < 5; i++ {
		_, err := eng.DecryptField(ctx, sessionID, blob, fieldCfg)
		require.Error(t, err, "attempt %d should be denied", i)
	}

	indicators, err := eng.DetectPotentialBreaches(ctx)
	require.NoError(t, err)

	found := false
	for _, ind := range indicators {
		if ind.Type == audit.IndicatorRepeatedFailures && ind.UserID == "researcher-caught" {
			found = true
			assert.GreaterOrEqual(t, ind.Count, 5)
		}
	}
	assert.True(t, found, "expected a repeated-failures indicator, got %+v", indicators)
}

func TestEngineTokenRoundTrip(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	token, err := eng.TokenizeData(ctx, "123-45-6789", "ssn")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token.String(), "PHI_"))

	sessionID := openSession(t, eng, "dr-token", access.RoleHealthcareProvider, access.PurposeTreatment)
	value, err := eng.DetokenizeData(ctx, sessionID, token.String())
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", value)
}

func TestEngineMaskAndRedact(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	assert.Equal(t, "***-**-6789", eng.MaskData(ctx, "123-45-6789", phi.ClassDirectIdentifier))
	assert.Equal(t, "[REDACTED-IDENTIFIER]", eng.RedactData(ctx, phi.ClassDirectIdentifier))
	assert.Equal(t, "[REDACTED-HEALTH]", eng.RedactData(ctx, phi.ClassSensitiveHealth))
}

func TestEngineDeidentification(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	record := map[string]string{
		"name":      "John Smith",
		"dob":       "01/15/1980",
		"zip":       "94107",
		"diagnosis": "diabetes",
	}

	safe, err := eng.ApplySafeHarbor(ctx, record)
	require.NoError(t, err)
	assert.NotContains(t, safe, "name")
	assert.Equal(t, "1980", safe["dob"])
	assert.Equal(t, "94100", safe["zip"])

	expert, err := eng.ApplyExpertDetermination(ctx, record, []deident.Rule{
		{FieldPattern: "name", Action: deident.ActionRemove},
		{FieldPattern: "dob", Action: deident.ActionShiftDates, Params: deident.Params{OffsetDays: 30}},
	})
	require.NoError(t, err)
	assert.NotContains(t, expert, "name")
	assert.Equal(t, "02/14/1980", expert["dob"])

	synthetic, err := eng.GenerateSyntheticRecord(ctx, record)
	require.NoError(t, err)
	require.Len(t, synthetic, len(record))
	assert.NotEqual(t, record["name"], synthetic["name"])
}

func TestEngineConsentFlow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	// The fallback consent secret is derived from the master key, so a
	// token minted by the engine verifies against it.
	token, err := eng.MintConsentToken("pt-700", access.PurposeTreatment, time.Hour)
	require.NoError(t, err)

	decision, err := eng.ValidatePHIAccess(ctx, access.Request{
		UserID:       "dr-consent",
		Role:         access.RoleHealthcareProvider,
		Purpose:      access.PurposeTreatment,
		PatientID:    "pt-700",
		ConsentToken: token,
	})
	require.NoError(t, err)
	assert.True(t, decision.Granted)

	withoutToken, err := eng.ValidatePHIAccess(ctx, access.Request{
		UserID:    "dr-consent-2",
		Role:      access.RoleHealthcareProvider,
		Purpose:   access.PurposeTreatment,
		PatientID: "pt-700",
	})
	require.NoError(t, err)
	assert.False(t, withoutToken.Granted)
}

func TestEngineComplianceReport(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)

	openSession(t, eng, "dr-report", access.RoleHealthcareProvider, access.PurposeTreatment)
	denied, err := eng.ValidatePHIAccess(ctx, access.Request{
		UserID:  "researcher-report",
		Role:    access.RoleResearcher,
		Purpose: access.PurposeTreatment,
	})
	require.NoError(t, err)
	require.False(t, denied.Granted)

	report, err := eng.GenerateComplianceReport(ctx, start, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalEvents)
	assert.Equal(t, 2, report.UniqueUsers)
	assert.Equal(t, 1, report.FailedEvents)
	assert.Equal(t, 2, report.ByAction[audit.ActionAccess])
}

func TestEngineSessionTTLDefaultsFromConfig(t *testing.T) {
	eng := newTestEngine(t)

	decision, err := eng.ValidatePHIAccess(context.Background(), access.Request{
		UserID:  "dr-ttl",
		Role:    access.RoleHealthcareProvider,
		Purpose: access.PurposeTreatment,
	})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	ttl := time.Until(decision.Context.ExpiresAt)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 5,
		fmt.Sprintf("session TTL should follow config, got %s", ttl))
}

// TestEngineChartWorkflow runs a full chart row through detection and Safe
// Harbor the way a data release pipeline would.
func TestEngineChartWorkflow(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	record := fixtures.NewPatientRecord().Build()

	findings, err := eng.DetectPHI(ctx, record)
	require.NoError(t, err)

	flagged := make(map[string]bool)
	for _, f := range findings {
		flagged[f.FieldName] = true
	}
	for _, field := range []string{
		"patient_name", "ssn", "mrn", "dob", "zip_code",
		"email", "phone", "diagnosis", "credit_card",
	} {
		assert.True(t, flagged[field], "field %s should carry a finding", field)
	}
	assert.False(t, flagged["blood_type"], "blood type is not an identifier")
	assert.False(t, flagged["visit_count"], "visit count is not an identifier")

	cleaned, err := eng.ApplySafeHarbor(ctx, record)
	require.NoError(t, err)

	for _, field := range []string{"patient_name", "ssn", "mrn", "email", "phone"} {
		assert.NotContains(t, cleaned, field)
	}
	assert.Equal(t, "1980", cleaned["dob"])
	assert.Equal(t, "94100", cleaned["zip_code"])
	assert.Equal(t, record["diagnosis"], cleaned["diagnosis"])
	assert.Equal(t, record["blood_type"], cleaned["blood_type"])
	assert.Equal(t, record["visit_count"], cleaned["visit_count"])

	// Free text mixing several identifiers in one value is still caught.
	noteFindings, err := eng.DetectPHI(ctx, map[string]string{"note": fixtures.NarrativeNote()})
	require.NoError(t, err)
	require.NotEmpty(t, noteFindings)

	classes := make(map[phi.Classification]bool)
	for _, f := range noteFindings {
		classes[f.Classification] = true
	}
	assert.True(t, classes[phi.ClassDirectIdentifier])
	assert.True(t, classes[phi.ClassQuasiIdentifier])
	assert.True(t, classes[phi.ClassContactInfo])
	assert.True(t, classes[phi.ClassSensitiveHealth])
}
