// Package engine assembles the PHI services behind one façade. Callers
// construct an Engine from configuration and use its boundary operations;
// the wiring between detection, protection, de-identification, access
// control, and the audit trail stays internal.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/deident"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/config"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/crypto"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
	"github.com/meridianhealth/phi-engine/internal/metrics"
	accessctl "github.com/meridianhealth/phi-engine/internal/service/access"
	audittrail "github.com/meridianhealth/phi-engine/internal/service/audit"
	deidentsvc "github.com/meridianhealth/phi-engine/internal/service/deident"
	"github.com/meridianhealth/phi-engine/internal/service/detection"
	protectionsvc "github.com/meridianhealth/phi-engine/internal/service/protection"
)

// consentDerivationSalt feeds the fallback consent secret derivation when
// none is configured, so a deployment needs exactly one secret: the master
// key.
var consentDerivationSalt = []byte("phi-consent-tokens-v1")

// Engine is the composed PHI engine. All state lives in the store and the
// services; the engine itself only routes.
type Engine struct {
	cfg           *config.Config
	logger        *zap.Logger
	store         store.Store
	consentSecret []byte

	detector     *detection.Service
	protector    *protectionsvc.Service
	deidentifier *deidentsvc.Service
	controller   *accessctl.Service
	trail        *audittrail.Service
}

// New builds the engine from configuration. A missing master key is the
// only fatal configuration gap; everything else has a usable default.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg *metrics.Registry) (_ *Engine, err error) {
	if cfg == nil {
		return nil, errors.NewValidationError("MISSING_CONFIG", "engine requires a configuration")
	}
	if cfg.Crypto.MasterKey == "" {
		return nil, errors.NewValidationError("MISSING_MASTER_KEY",
			"engine cannot start without crypto.master_key")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	deriver, err := crypto.NewKeyDeriver([]byte(cfg.Crypto.MasterKey), cfg.Crypto.Iterations)
	if err != nil {
		return nil, err
	}

	catalog := phi.DefaultPatternCatalog()
	if cfg.Detection.CatalogPath != "" {
		catalog, err = phi.LoadPatternCatalog(cfg.Detection.CatalogPath)
		if err != nil {
			return nil, err
		}
	}

	trail, err := audittrail.NewService(ctx, st, logger, reg)
	if err != nil {
		return nil, err
	}

	detector := detection.NewService(catalog, nil, logger, reg)

	protector, err := protectionsvc.NewService(ctx,
		protectionsvc.Config{KeyCacheTTL: cfg.Crypto.KeyCacheTTL},
		deriver, st, trail, nil, logger, reg)
	if err != nil {
		return nil, err
	}

	deidentifier, err := deidentsvc.NewService(detector, logger, reg)
	if err != nil {
		return nil, err
	}

	consentSecret := []byte(cfg.Access.ConsentSecret)
	if len(consentSecret) == 0 {
		consentSecret, err = deriver.Derive(consentDerivationSalt, "consent")
		if err != nil {
			return nil, err
		}
	}
	controller, err := accessctl.NewService(ctx, accessctl.Config{
		ConsentSecret:     consentSecret,
		FailuresPerMinute: cfg.Access.FailuresPerMinute,
		FailureBurst:      cfg.Access.FailureBurst,
	}, st, trail, catalog, logger, reg)
	if err != nil {
		return nil, err
	}

	logger.Info("PHI engine initialized",
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("environment", cfg.Environment),
	)

	return &Engine{
		cfg:           cfg,
		logger:        logger,
		store:         st,
		consentSecret: consentSecret,
		detector:      detector,
		protector:     protector,
		deidentifier:  deidentifier,
		controller:    controller,
		trail:         trail,
	}, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		return store.NewRedisStore(store.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}, logger)
	case config.BackendPostgres:
		return store.NewPostgresStore(ctx, cfg.Database.URL, logger)
	default:
		return store.NewMemoryStore(), nil
	}
}

// Close releases the session timers and the store. The engine must not be
// used afterwards.
func (e *Engine) Close() error {
	_ = e.controller.Close()
	return e.store.Close()
}

// DetectPHI scans a record and returns its findings, strongest first.
func (e *Engine) DetectPHI(ctx context.Context, record map[string]string) ([]phi.Finding, error) {
	return e.detector.Detect(ctx, record)
}

// EncryptField encrypts a single value under the field's derived key.
// Protecting data needs no session; only reversal is gated.
func (e *Engine) EncryptField(ctx context.Context, value string, fieldCfg protection.FieldConfig) (*protectionsvc.FieldResult, error) {
	return e.protector.EncryptField(ctx, value, fieldCfg)
}

// DecryptField reverses one encrypted field under a validated session.
func (e *Engine) DecryptField(ctx context.Context, sessionID string, blob protection.EncryptedBlob, fieldCfg protection.FieldConfig) (string, error) {
	grant, err := e.controller.ValidateSession(ctx, sessionID, access.OperationDecrypt)
	if err != nil {
		return "", err
	}
	return e.protector.DecryptField(ctx, blob, fieldCfg, grant)
}

// EncryptRecord encrypts every configured field of a record. A mandatory
// field failing aborts the batch; optional failures are accumulated.
func (e *Engine) EncryptRecord(ctx context.Context, record map[string]string, fieldCfgs []protection.FieldConfig) (map[string]*protectionsvc.FieldResult, error) {
	return e.protector.EncryptRecord(ctx, record, fieldCfgs)
}

// DecryptRecord reverses an encrypted record under a validated session.
func (e *Engine) DecryptRecord(ctx context.Context, sessionID string, record map[string]*protectionsvc.FieldResult, fieldCfgs []protection.FieldConfig) (map[string]string, error) {
	grant, err := e.controller.ValidateSession(ctx, sessionID, access.OperationDecrypt)
	if err != nil {
		return nil, err
	}
	return e.protector.DecryptRecord(ctx, record, fieldCfgs, grant)
}

// MaskData partially hides a value by its classification's masking format.
// Irreversible, so no session is required.
func (e *Engine) MaskData(ctx context.Context, value string, c phi.Classification) string {
	return e.protector.Mask(ctx, value, c)
}

// RedactData returns the redaction placeholder for a classification.
func (e *Engine) RedactData(ctx context.Context, c phi.Classification) string {
	return e.protector.Redact(ctx, c)
}

// TokenizeData swaps a value for an opaque token backed by the vault.
func (e *Engine) TokenizeData(ctx context.Context, value, fieldName string) (protection.Token, error) {
	return e.protector.Tokenize(ctx, value, fieldName)
}

// DetokenizeData resolves a token back to its value under a validated
// session.
func (e *Engine) DetokenizeData(ctx context.Context, sessionID, token string) (string, error) {
	grant, err := e.controller.ValidateSession(ctx, sessionID, access.OperationDetokenize)
	if err != nil {
		return "", err
	}
	return e.protector.Detokenize(ctx, token, grant)
}

// ValidatePHIAccess runs the access decision chain and returns the grant or
// the denial. A zero requested duration takes the configured session TTL.
func (e *Engine) ValidatePHIAccess(ctx context.Context, req access.Request) (access.Decision, error) {
	if req.RequestedDuration == 0 {
		req.RequestedDuration = e.cfg.Access.SessionTTL
	}
	return e.controller.ValidateAccess(ctx, req)
}

// RevokeAccess revokes a session immediately.
func (e *Engine) RevokeAccess(ctx context.Context, sessionID string) error {
	return e.controller.Revoke(ctx, sessionID)
}

// MintConsentToken issues a patient consent token for a purpose. Consent
// management flows call this; the engine only verifies such tokens during
// access validation.
func (e *Engine) MintConsentToken(patientID string, purpose access.Purpose, ttl time.Duration) (string, error) {
	return accessctl.MintConsentToken(e.consentSecret, patientID, purpose, time.Now(), ttl)
}

// ApplySafeHarbor de-identifies a record per the Safe Harbor rules.
func (e *Engine) ApplySafeHarbor(ctx context.Context, record map[string]string) (map[string]string, error) {
	return e.deidentifier.SafeHarbor(ctx, record)
}

// ApplyExpertDetermination de-identifies a record under a caller-supplied
// rule set.
func (e *Engine) ApplyExpertDetermination(ctx context.Context, record map[string]string, rules []deident.Rule) (map[string]string, error) {
	return e.deidentifier.ExpertDetermination(ctx, record, rules)
}

// GenerateSyntheticRecord replaces every value with a synthetic one of the
// same shape.
func (e *Engine) GenerateSyntheticRecord(ctx context.Context, record map[string]string) (map[string]string, error) {
	return e.deidentifier.Synthesize(ctx, record)
}

// GetAuditEvents queries the trail, newest first.
func (e *Engine) GetAuditEvents(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	return e.trail.Query(ctx, filter)
}

// GenerateComplianceReport summarizes trail activity over a window.
func (e *Engine) GenerateComplianceReport(ctx context.Context, start, end time.Time) (*audit.ComplianceReport, error) {
	return e.trail.ComplianceReport(ctx, start, end)
}

// DetectPotentialBreaches runs the breach heuristics over the last day of
// trail activity.
func (e *Engine) DetectPotentialBreaches(ctx context.Context) ([]audit.BreachIndicator, error) {
	return e.trail.DetectPotentialBreaches(ctx)
}
