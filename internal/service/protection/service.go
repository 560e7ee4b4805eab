package protection

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/domain/protection"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/crypto"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
	"github.com/meridianhealth/phi-engine/internal/metrics"
)

// DefaultKeyCacheTTL bounds how long a derived field key may be reused
// before the slow derivation has to run again.
const DefaultKeyCacheTTL = 5 * time.Minute

// Table and purpose bound into values Protect encrypts on its own. The
// binding travels inside the emitted envelope so the value can be decrypted
// later without outside knowledge.
const (
	protectedTable   = "phi_protected"
	protectedPurpose = "storage"
)

// eventOrigin tags audit events emitted by this service.
const eventOrigin = "protection"

// AuditLog receives an event for every reversal and every denied reversal
// attempt. The audit service implements it.
type AuditLog interface {
	Append(ctx context.Context, event *audit.Event) error
}

// Config carries the tunables of the protection service.
type Config struct {
	// KeyCacheTTL is how long derived keys stay reusable. Zero selects
	// DefaultKeyCacheTTL.
	KeyCacheTTL time.Duration
}

// DefaultConfig returns the standard protection configuration.
func DefaultConfig() Config {
	return Config{KeyCacheTTL: DefaultKeyCacheTTL}
}

type cachedKey struct {
	key      []byte
	storedAt time.Time
}

// Service applies the four protection strategies and their authorized
// reversals. Encryption and tokenization go through here exclusively so
// that every reversal is grant-checked and audited in one place.
type Service struct {
	cfg      Config
	cipher   *crypto.FieldCipher
	deriver  *crypto.KeyDeriver
	policy   *phi.ActionPolicy
	store    store.Store
	auditLog AuditLog
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer

	clock func() time.Time

	// Derived keys keyed by binding string plus salt. Entries past the
	// TTL are purged opportunistically on write.
	cacheMu  sync.RWMutex
	keyCache map[string]cachedKey

	// Guards the vault size count behind the gauge
	vaultMu    sync.Mutex
	vaultCount int64
}

// NewService wires the protection service. The store backs the token
// vault; the audit log is mandatory because reversals must never happen
// unrecorded. The registry may be nil when metrics are disabled.
func NewService(
	ctx context.Context,
	cfg Config,
	deriver *crypto.KeyDeriver,
	st store.Store,
	auditLog AuditLog,
	policy *phi.ActionPolicy,
	logger *zap.Logger,
	reg *metrics.Registry,
) (*Service, error) {
	if deriver == nil {
		return nil, errors.NewValidationError("MISSING_KEY_DERIVER", "protection service requires a key deriver")
	}
	if st == nil {
		return nil, errors.NewValidationError("MISSING_STORE", "protection service requires a store")
	}
	if auditLog == nil {
		return nil, errors.NewValidationError("MISSING_AUDIT_LOG", "protection service requires an audit log")
	}
	if policy == nil {
		policy = phi.DefaultActionPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = DefaultKeyCacheTTL
	}

	s := &Service{
		cfg:      cfg,
		cipher:   crypto.NewFieldCipher(),
		deriver:  deriver,
		policy:   policy,
		store:    st,
		auditLog: auditLog,
		logger:   logger,
		metrics:  reg,
		tracer:   otel.Tracer("protection.service"),
		clock:    time.Now,
		keyCache: make(map[string]cachedKey),
	}

	// Seed the vault size from the store so the gauge survives restarts
	var count int64
	err := st.Scan(ctx, store.BucketVault, func(key string, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		logger.Warn("Failed to count existing vault entries, starting gauge at zero", zap.Error(err))
		count = 0
	}
	s.vaultCount = count
	s.publishVaultSize()

	logger.Info("Protection service initialized",
		zap.Int64("vault_entries", count),
		zap.Duration("key_cache_ttl", cfg.KeyCacheTTL),
		zap.Int("kdf_iterations", deriver.Iterations()),
	)

	return s, nil
}

// Protect applies the policy action for the classification to a single
// value and returns the protected form together with the action taken.
// Masked and redacted output is irreversible; tokens and encrypted
// envelopes can be reversed through Unprotect under a suitable grant.
func (s *Service) Protect(ctx context.Context, value string, c phi.Classification) (string, phi.Action, error) {
	ctx, span := s.tracer.Start(ctx, "protection.protect",
		trace.WithAttributes(attribute.String("phi.classification", c.String())),
	)
	defer span.End()

	if !c.IsValid() {
		err := errors.NewValidationError("UNKNOWN_CLASSIFICATION",
			fmt.Sprintf("cannot protect a value classified as %q", c))
		span.RecordError(err)
		return "", "", err
	}

	action := s.policy.ActionFor(c, c.DefaultRiskLevel())
	span.SetAttributes(attribute.String("phi.action", action.String()))

	var protected string
	var err error
	switch action {
	case phi.ActionAllow:
		protected = value
	case phi.ActionMask:
		protected = MaskValue(value, c)
	case phi.ActionRedact:
		protected = RedactValue(c)
	case phi.ActionTokenize:
		var token protection.Token
		if token, err = s.Tokenize(ctx, value, ""); err == nil {
			protected = token.String()
		}
	case phi.ActionEncrypt:
		protected, err = s.encryptProtected(ctx, value, c)
	}

	// Tokenize and EncryptField count themselves; only the inline
	// strategies are recorded here.
	switch action {
	case phi.ActionAllow, phi.ActionMask, phi.ActionRedact:
		if s.metrics != nil {
			s.metrics.RecordProtection(ctx, action.String(), true)
		}
	}

	if err != nil {
		span.RecordError(err)
		return "", action, err
	}
	return protected, action, nil
}

// Unprotect reverses a Protect output under an access grant: token strings
// are detokenized and encrypted envelopes decrypted. Masked and redacted
// values are not reversible.
func (s *Service) Unprotect(ctx context.Context, protected string, grant *access.Grant) (string, error) {
	if token, err := protection.ParseToken(protected); err == nil {
		return s.Detokenize(ctx, token.String(), grant)
	}

	var env protectedBlob
	if err := json.Unmarshal([]byte(protected), &env); err != nil || env.Payload == "" {
		return "", errors.NewValidationError("NOT_REVERSIBLE",
			"value is neither a token nor an encrypted envelope")
	}
	blob, err := protection.ParseEncryptedBlob(env.Payload, env.Metadata)
	if err != nil {
		return "", err
	}
	cfg := protection.FieldConfig{
		TableName:  env.Table,
		FieldName:  env.Field,
		Purpose:    env.Purpose,
		KeyVersion: env.Metadata.KeyVersion,
	}
	return s.DecryptField(ctx, blob, cfg, grant)
}

// protectedBlob is the self-contained JSON form Protect emits for the
// encrypt action: the payload plus everything needed to rebuild the
// decryption context.
type protectedBlob struct {
	Payload  string                  `json:"payload"`
	Metadata protection.BlobMetadata `json:"metadata"`
	Table    string                  `json:"table"`
	Field    string                  `json:"field"`
	Purpose  string                  `json:"purpose,omitempty"`
}

func (s *Service) encryptProtected(ctx context.Context, value string, c phi.Classification) (string, error) {
	cfg := protection.FieldConfig{
		TableName: protectedTable,
		FieldName: c.String(),
		Purpose:   protectedPurpose,
	}
	result, err := s.EncryptField(ctx, value, cfg)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(protectedBlob{
		Payload:  result.Payload,
		Metadata: result.Metadata,
		Table:    cfg.TableName,
		Field:    cfg.FieldName,
		Purpose:  cfg.Purpose,
	})
	if err != nil {
		return "", errors.WrapWithCode(err, "PROTECT_ENCODE_FAILED", "failed to encode protected envelope")
	}
	return string(raw), nil
}

// fieldKey returns the derived key for a field config and salt, consulting
// the cache first. The cache key includes purpose and key version through
// the binding string, so configs differing in either never share a key.
func (s *Service) fieldKey(ctx context.Context, cfg protection.FieldConfig, salt []byte) ([]byte, error) {
	cacheID := cfg.KeyInfo() + "|" + hex.EncodeToString(salt)

	if key, ok := s.cachedKeyFor(cacheID); ok {
		if s.metrics != nil {
			s.metrics.RecordKeyCacheLookup(ctx, true)
		}
		return key, nil
	}
	if s.metrics != nil {
		s.metrics.RecordKeyCacheLookup(ctx, false)
	}

	key, err := s.deriver.Derive(salt, cfg.KeyInfo())
	if err != nil {
		return nil, err
	}
	s.rememberKey(cacheID, key)
	return key, nil
}

func (s *Service) cachedKeyFor(id string) ([]byte, bool) {
	s.cacheMu.RLock()
	entry, ok := s.keyCache[id]
	s.cacheMu.RUnlock()
	if !ok || s.clock().Sub(entry.storedAt) >= s.cfg.KeyCacheTTL {
		return nil, false
	}
	return entry.key, true
}

// rememberKey stores a derived key and purges entries past the TTL while
// it holds the lock.
func (s *Service) rememberKey(id string, key []byte) {
	now := s.clock()

	s.cacheMu.Lock()
	for cached, entry := range s.keyCache {
		if now.Sub(entry.storedAt) >= s.cfg.KeyCacheTTL {
			delete(s.keyCache, cached)
		}
	}
	s.keyCache[id] = cachedKey{key: key, storedAt: now}
	size := int64(len(s.keyCache))
	s.cacheMu.Unlock()

	if s.metrics != nil {
		s.metrics.SetKeyCacheSize(size)
	}
}

// reversalDenied checks a grant against the session rules every reversal
// must pass. It returns the denial reason, or "" when the grant suffices.
func (s *Service) reversalDenied(grant *access.Grant, op access.Operation) string {
	switch {
	case grant == nil:
		return "no access session"
	case !grant.IsActive(s.clock()):
		return "session expired or revoked"
	case !grant.Allows(op):
		return fmt.Sprintf("session does not permit %s", op)
	}
	return ""
}

// auditBreach records a denied reversal attempt. Exactly one breach event
// is emitted per denied operation; an append failure is logged but does
// not mask the denial the caller still receives.
func (s *Service) auditBreach(ctx context.Context, grant *access.Grant, op access.Operation, resourceID, resourceType, reason string) {
	userID, role := "unknown", access.RoleSystem
	if grant != nil {
		userID, role = grant.UserID, grant.Role
	}

	event, err := audit.NewEvent(audit.ActionBreachAttempt, userID, role, resourceID)
	if err != nil {
		s.logger.Error("Failed to build breach event", zap.Error(err))
		return
	}
	event.ResourceType = resourceType
	event.Success = false
	event.RiskLevel = phi.RiskHigh
	event.Origin = eventOrigin
	event.Detail = fmt.Sprintf("%s denied: %s", op, reason)
	if grant != nil {
		event.Purpose = grant.Purpose
	}

	if err := s.auditLog.Append(ctx, event); err != nil {
		s.logger.Error("Failed to record breach attempt",
			zap.String("user_id", userID),
			zap.String("operation", op.String()),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn("Reversal denied",
		zap.String("user_id", userID),
		zap.String("operation", op.String()),
		zap.String("reason", reason),
	)
}

// auditReversal records a successful reversal. The append is the last step
// of the operation: when it fails the caller must not release the
// plaintext, so the error is returned.
func (s *Service) auditReversal(ctx context.Context, grant *access.Grant, resourceID, resourceType, detail string, fields []string) error {
	event, err := audit.NewEvent(audit.ActionAccess, grant.UserID, grant.Role, resourceID)
	if err != nil {
		return err
	}
	event.ResourceType = resourceType
	event.Purpose = grant.Purpose
	event.Fields = fields
	event.RiskLevel = phi.RiskMedium
	event.Origin = eventOrigin
	event.Detail = detail

	if err := s.auditLog.Append(ctx, event); err != nil {
		return errors.WrapWithCode(err, "AUDIT_APPEND_FAILED",
			"reversal aborted, audit trail unavailable")
	}
	return nil
}

func (s *Service) publishVaultSize() {
	if s.metrics == nil {
		return
	}
	s.vaultMu.Lock()
	size := s.vaultCount
	s.vaultMu.Unlock()
	s.metrics.SetVaultSize(size)
}

func (s *Service) incrementVaultCount() {
	s.vaultMu.Lock()
	s.vaultCount++
	size := s.vaultCount
	s.vaultMu.Unlock()
	if s.metrics != nil {
		s.metrics.SetVaultSize(size)
	}
}

// elapsedMillis converts an operation duration to the milliseconds the
// histograms record.
func elapsedMillis(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
