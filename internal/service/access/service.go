package access

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
	"github.com/meridianhealth/phi-engine/internal/metrics"
)

// Failure-throttle defaults: how many denials a user may accumulate before
// further requests are rejected outright.
const (
	DefaultFailuresPerMinute = 5
	DefaultFailureBurst      = 10
)

// eventOrigin tags audit events emitted by this service.
const eventOrigin = "access"

// AuditLog receives an event for every access decision and session
// violation. The audit service implements it.
type AuditLog interface {
	Append(ctx context.Context, event *audit.Event) error
}

// Config carries the tunables of the access controller.
type Config struct {
	// ConsentSecret verifies patient consent tokens. Required.
	ConsentSecret []byte
	// FailuresPerMinute is the sustained denial budget per user;
	// FailureBurst is how many denials may land at once. Zero selects the
	// defaults.
	FailuresPerMinute int
	FailureBurst      int
}

// DefaultConfig returns the standard access controller configuration,
// without a consent secret; callers supply their own.
func DefaultConfig() Config {
	return Config{
		FailuresPerMinute: DefaultFailuresPerMinute,
		FailureBurst:      DefaultFailureBurst,
	}
}

// Service is the access controller: it runs the validation state machine,
// issues sessions backed by the store, expires them on timers, and audits
// every decision. Safe for concurrent use.
type Service struct {
	cfg      Config
	store    store.Store
	auditLog AuditLog
	catalog  *phi.PatternCatalog
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer

	clock    func() time.Time
	throttle *failureThrottle

	// Expiry timers keyed by session id.
	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewService wires the access controller. The store backs the session
// registry and the audit log is mandatory because decisions must never go
// unrecorded. Sessions already in the store are re-armed for expiry, so a
// restart neither loses nor immortalizes them.
func NewService(
	ctx context.Context,
	cfg Config,
	st store.Store,
	auditLog AuditLog,
	catalog *phi.PatternCatalog,
	logger *zap.Logger,
	reg *metrics.Registry,
) (*Service, error) {
	if st == nil {
		return nil, errors.NewValidationError("MISSING_STORE", "access service requires a store")
	}
	if auditLog == nil {
		return nil, errors.NewValidationError("MISSING_AUDIT_LOG", "access service requires an audit log")
	}
	if len(cfg.ConsentSecret) == 0 {
		return nil, errors.NewValidationError("MISSING_CONSENT_SECRET",
			"access service requires a consent verification secret")
	}
	if catalog == nil {
		catalog = phi.DefaultPatternCatalog()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FailuresPerMinute <= 0 {
		cfg.FailuresPerMinute = DefaultFailuresPerMinute
	}
	if cfg.FailureBurst <= 0 {
		cfg.FailureBurst = DefaultFailureBurst
	}

	s := &Service{
		cfg:      cfg,
		store:    st,
		auditLog: auditLog,
		catalog:  catalog,
		logger:   logger,
		metrics:  reg,
		tracer:   otel.Tracer("access.service"),
		clock:    time.Now,
		throttle: newFailureThrottle(cfg.FailuresPerMinute, cfg.FailureBurst),
		timers:   make(map[string]*time.Timer),
	}

	restored, err := s.restoreSessions(ctx)
	if err != nil {
		logger.Warn("Failed to restore persisted sessions", zap.Error(err))
	}

	logger.Info("Access service initialized",
		zap.Int("sessions_restored", restored),
		zap.Int("failures_per_minute", cfg.FailuresPerMinute),
		zap.Int("failure_burst", cfg.FailureBurst),
	)

	return s, nil
}

// restoreSessions re-arms expiry timers for sessions that survived a
// restart and drops the ones that expired while the process was down.
func (s *Service) restoreSessions(ctx context.Context) (int, error) {
	now := s.clock()
	restored := 0
	var stale []string

	err := s.store.Scan(ctx, store.BucketSessions, func(key string, value []byte) error {
		var grant access.Grant
		if err := json.Unmarshal(value, &grant); err != nil {
			s.logger.Warn("Skipping unreadable session record", zap.String("session_id", key), zap.Error(err))
			return nil
		}
		if grant.IsExpired(now) {
			stale = append(stale, key)
			return nil
		}
		s.scheduleExpiry(grant.SessionID, grant.RemainingTTL(now))
		restored++
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, key := range stale {
		if err := s.store.Delete(ctx, store.BucketSessions, key); err != nil && !store.IsNotFound(err) {
			s.logger.Warn("Failed to drop stale session", zap.String("session_id", key), zap.Error(err))
		}
	}

	if s.metrics != nil && restored > 0 {
		s.metrics.UpdateActiveSessions(int64(restored))
	}
	return restored, nil
}

// Close stops the expiry timers. Sessions stay in the store so the next
// start re-arms them.
func (s *Service) Close() error {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	return nil
}

// auditGrant records a granted decision. The append is the final step of
// granting: when it fails the session must not stand, so the error is
// returned for the caller to roll back.
func (s *Service) auditGrant(ctx context.Context, req access.Request, grant *access.Grant) error {
	event, err := audit.NewEvent(audit.ActionAccess, req.UserID, req.Role, grant.SessionID)
	if err != nil {
		return err
	}
	event.ResourceType = "session"
	event.Purpose = req.Purpose
	event.Fields = req.Fields
	event.Origin = firstNonEmpty(req.Origin, eventOrigin)
	event.RiskLevel = phi.RiskMedium
	event.Detail = "access granted"
	if req.EmergencyOverride {
		event.RiskLevel = phi.RiskHigh
		event.Detail = "access granted with emergency override"
	}

	if err := s.auditLog.Append(ctx, event); err != nil {
		return errors.WrapWithCode(err, "AUDIT_APPEND_FAILED",
			"grant aborted, audit trail unavailable")
	}
	return nil
}

// auditDenial records a denied decision. An append failure is logged but
// never masks the denial the caller still receives.
func (s *Service) auditDenial(ctx context.Context, req access.Request, reason string) {
	event, err := audit.NewEvent(audit.ActionAccess, req.UserID, req.Role, req.RequestID)
	if err != nil {
		s.logger.Error("Failed to build denial event", zap.Error(err))
		return
	}
	event.ResourceType = "access_request"
	event.Purpose = req.Purpose
	event.Fields = req.Fields
	event.Origin = firstNonEmpty(req.Origin, eventOrigin)
	event.Success = false
	event.RiskLevel = phi.RiskMedium
	if req.EmergencyOverride {
		event.RiskLevel = phi.RiskHigh
	}
	event.Detail = reason

	if err := s.auditLog.Append(ctx, event); err != nil {
		s.logger.Error("Failed to record access denial",
			zap.String("user_id", req.UserID),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// sessionBreach records a violation against an existing or claimed session:
// exactly one breach event per denied privileged call.
func (s *Service) sessionBreach(ctx context.Context, grant *access.Grant, sessionID string, op access.Operation, reason string) {
	userID, role := "unknown", access.RoleSystem
	if grant != nil {
		userID, role = grant.UserID, grant.Role
	}

	event, err := audit.NewEvent(audit.ActionBreachAttempt, userID, role, sessionID)
	if err != nil {
		s.logger.Error("Failed to build breach event", zap.Error(err))
		return
	}
	event.ResourceType = "session"
	event.Success = false
	event.RiskLevel = phi.RiskHigh
	event.Origin = eventOrigin
	event.Detail = fmt.Sprintf("%s denied: %s", op, reason)
	if grant != nil {
		event.Purpose = grant.Purpose
	}

	if err := s.auditLog.Append(ctx, event); err != nil {
		s.logger.Error("Failed to record breach attempt",
			zap.String("session_id", sessionID),
			zap.String("operation", op.String()),
			zap.Error(err),
		)
		return
	}

	s.logger.Warn("Session check failed",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
		zap.String("operation", op.String()),
		zap.String("reason", reason),
	)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// elapsedMillis converts an operation duration to the milliseconds the
// histograms record.
func elapsedMillis(start, end time.Time) float64 {
	return float64(end.Sub(start)) / float64(time.Millisecond)
}
