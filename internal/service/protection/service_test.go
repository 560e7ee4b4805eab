package protection

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/crypto"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
)

// recordingAudit captures appended events so tests can assert on exactly
// what the trail would have received.
type recordingAudit struct {
	mu     sync.Mutex
	fail   error
	events []*audit.Event
}

func (r *recordingAudit) Append(_ context.Context, event *audit.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, event.Clone())
	return nil
}

func (r *recordingAudit) byAction(action audit.Action) []*audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*audit.Event
	for _, e := range r.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingAudit) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.fail = nil
}

func testDeriver(t *testing.T) *crypto.KeyDeriver {
	t.Helper()
	deriver, err := crypto.NewKeyDeriver([]byte("unit-test-master-key"), crypto.MinIterations)
	require.NoError(t, err)
	return deriver
}

func newTestService(t *testing.T) (*Service, *recordingAudit) {
	t.Helper()
	trail := &recordingAudit{}
	svc, err := NewService(context.Background(), DefaultConfig(), testDeriver(t),
		store.NewMemoryStore(), trail, nil, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	return svc, trail
}

func activeGrant(t *testing.T, role access.Role) *access.Grant {
	t.Helper()
	grant, err := access.NewGrant(access.Request{
		UserID:  "dr-lee",
		Role:    role,
		Purpose: access.PurposeTreatment,
	}, nil, time.Now().UTC())
	require.NoError(t, err)
	return grant
}

func TestNewService(t *testing.T) {
	st := store.NewMemoryStore()
	trail := &recordingAudit{}

	t.Run("requires key deriver", func(t *testing.T) {
		_, err := NewService(context.Background(), DefaultConfig(), nil, st, trail, nil, nil, nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "MISSING_KEY_DERIVER", appErr.Code)
	})

	t.Run("requires store", func(t *testing.T) {
		_, err := NewService(context.Background(), DefaultConfig(), testDeriver(t), nil, trail, nil, nil, nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "MISSING_STORE", appErr.Code)
	})

	t.Run("requires audit log", func(t *testing.T) {
		_, err := NewService(context.Background(), DefaultConfig(), testDeriver(t), st, nil, nil, nil, nil)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "MISSING_AUDIT_LOG", appErr.Code)
	})

	t.Run("nil policy and logger are tolerated", func(t *testing.T) {
		svc, err := NewService(context.Background(), Config{}, testDeriver(t), st, trail, nil, nil, nil)
		require.NoError(t, err)
		require.NotNil(t, svc)
		assert.Equal(t, DefaultKeyCacheTTL, svc.cfg.KeyCacheTTL)
	})
}

func TestProtectDispatch(t *testing.T) {
	ctx := context.Background()

	t.Run("low risk values pass through", func(t *testing.T) {
		svc, _ := newTestService(t)
		out, action, err := svc.Protect(ctx, "blue", phi.ClassLowRisk)
		require.NoError(t, err)
		assert.Equal(t, phi.ActionAllow, action)
		assert.Equal(t, "blue", out)
	})

	t.Run("quasi identifiers are masked", func(t *testing.T) {
		svc, _ := newTestService(t)
		out, action, err := svc.Protect(ctx, "03/15/1985", phi.ClassQuasiIdentifier)
		require.NoError(t, err)
		assert.Equal(t, phi.ActionMask, action)
		assert.Equal(t, "**/**/****", out)
	})

	t.Run("contact info is masked", func(t *testing.T) {
		svc, _ := newTestService(t)
		out, action, err := svc.Protect(ctx, "(555) 123-4567", phi.ClassContactInfo)
		require.NoError(t, err)
		assert.Equal(t, phi.ActionMask, action)
		assert.Equal(t, "(***) ***-4567", out)
	})

	t.Run("financial values are tokenized", func(t *testing.T) {
		svc, _ := newTestService(t)
		out, action, err := svc.Protect(ctx, "4111111111111111", phi.ClassFinancial)
		require.NoError(t, err)
		assert.Equal(t, phi.ActionTokenize, action)

		token, err := protection.ParseToken(out)
		require.NoError(t, err)

		value, err := svc.Unprotect(ctx, token.String(), activeGrant(t, access.RoleHealthcareProvider))
		require.NoError(t, err)
		assert.Equal(t, "4111111111111111", value)
	})

	t.Run("direct identifiers are encrypted into an envelope", func(t *testing.T) {
		svc, _ := newTestService(t)
		out, action, err := svc.Protect(ctx, "123-45-6789", phi.ClassDirectIdentifier)
		require.NoError(t, err)
		assert.Equal(t, phi.ActionEncrypt, action)

		var env protectedBlob
		require.NoError(t, json.Unmarshal([]byte(out), &env))
		assert.Equal(t, "phi_protected", env.Table)
		assert.Equal(t, phi.ClassDirectIdentifier.String(), env.Field)
		assert.NotContains(t, env.Payload, "6789")

		value, err := svc.Unprotect(ctx, out, activeGrant(t, access.RoleHealthcareProvider))
		require.NoError(t, err)
		assert.Equal(t, "123-45-6789", value)
	})

	t.Run("sensitive health values are encrypted", func(t *testing.T) {
		svc, _ := newTestService(t)
		out, action, err := svc.Protect(ctx, "HIV positive", phi.ClassSensitiveHealth)
		require.NoError(t, err)
		assert.Equal(t, phi.ActionEncrypt, action)

		var env protectedBlob
		require.NoError(t, json.Unmarshal([]byte(out), &env))
		assert.Equal(t, phi.ClassSensitiveHealth.String(), env.Field)
	})

	t.Run("unknown classification is rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, _, err := svc.Protect(ctx, "anything", phi.Classification("bogus"))
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "UNKNOWN_CLASSIFICATION", appErr.Code)
	})

	t.Run("empty value cannot be encrypted", func(t *testing.T) {
		svc, _ := newTestService(t)
		_, _, err := svc.Protect(ctx, "", phi.ClassDirectIdentifier)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "EMPTY_VALUE", appErr.Code)
	})
}

func TestUnprotectRejectsIrreversibleValues(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	grant := activeGrant(t, access.RoleHealthcareProvider)

	for _, value := range []string{"***-**-6789", RedactedIdentifier, "plain text"} {
		_, err := svc.Unprotect(ctx, value, grant)
		var appErr *errors.AppError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, "NOT_REVERSIBLE", appErr.Code)
	}
}

func TestKeyCacheTTL(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	current := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.clock = func() time.Time { return current }

	cfg := protection.FieldConfig{TableName: "patients", FieldName: "ssn"}
	saltA := bytes.Repeat([]byte{0xA1}, protection.SaltSize)
	saltB := bytes.Repeat([]byte{0xB2}, protection.SaltSize)

	keyA, err := svc.fieldKey(ctx, cfg, saltA)
	require.NoError(t, err)
	require.Len(t, keyA, crypto.KeySize)
	assert.Len(t, svc.keyCache, 1)

	// Within the TTL the cached key is reused without a new entry
	current = current.Add(4 * time.Minute)
	again, err := svc.fieldKey(ctx, cfg, saltA)
	require.NoError(t, err)
	assert.Equal(t, keyA, again)
	assert.Len(t, svc.keyCache, 1)

	// A different salt derives an unrelated key
	keyB, err := svc.fieldKey(ctx, cfg, saltB)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB)
	assert.Len(t, svc.keyCache, 2)

	// Past the TTL, stale entries are purged on the next write
	current = current.Add(6 * time.Minute)
	rederived, err := svc.fieldKey(ctx, cfg, saltA)
	require.NoError(t, err)
	assert.Equal(t, keyA, rederived)
	assert.Len(t, svc.keyCache, 1)
}

func TestKeyCacheSeparatesConfigs(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	salt := bytes.Repeat([]byte{0x5C}, protection.SaltSize)
	treatment := protection.FieldConfig{TableName: "patients", FieldName: "ssn", Purpose: "treatment"}
	billing := protection.FieldConfig{TableName: "patients", FieldName: "ssn", Purpose: "billing"}

	keyT, err := svc.fieldKey(ctx, treatment, salt)
	require.NoError(t, err)
	keyB, err := svc.fieldKey(ctx, billing, salt)
	require.NoError(t, err)

	// Purpose is part of the binding, so the same salt still yields
	// unrelated keys and two cache entries.
	assert.NotEqual(t, keyT, keyB)
	assert.Len(t, svc.keyCache, 2)
}
