package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
)

// ValidateSession re-checks a session before a privileged operation: the
// session must exist, be neither revoked nor expired, and permit the
// operation. Every failure is a denial and is recorded as a breach
// attempt, because a privileged call against a bad session is exactly the
// signal the breach heuristics feed on.
func (s *Service) ValidateSession(ctx context.Context, sessionID string, op access.Operation) (*access.Grant, error) {
	ctx, span := s.tracer.Start(ctx, "access.validate_session",
		trace.WithAttributes(attribute.String("access.operation", op.String())),
	)
	defer span.End()

	if sessionID == "" {
		return nil, errors.NewValidationError("EMPTY_SESSION_ID", "session id is required")
	}
	if !op.IsValid() {
		return nil, errors.NewValidationError("UNKNOWN_OPERATION", "unrecognized session operation")
	}

	grant, err := s.loadSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			s.sessionBreach(ctx, nil, sessionID, op, "unknown session")
			return nil, errors.NewForbiddenError("session not found")
		}
		span.RecordError(err)
		return nil, err
	}

	now := s.clock()
	switch {
	case grant.Revoked:
		s.sessionBreach(ctx, grant, sessionID, op, "session revoked")
		return nil, errors.NewForbiddenError("session revoked")
	case grant.IsExpired(now):
		s.sessionBreach(ctx, grant, sessionID, op, "session expired")
		return nil, errors.NewForbiddenError("session expired")
	case !grant.Allows(op):
		reason := fmt.Sprintf("session does not permit %s", op)
		s.sessionBreach(ctx, grant, sessionID, op, reason)
		return nil, errors.NewForbiddenError(reason)
	}

	span.SetAttributes(attribute.String("access.session_id", sessionID))
	return grant, nil
}

// Revoke marks a session revoked, effective immediately for every
// subsequent check. The expiry timer stays armed: the record is purged
// when its lifetime ends, revoked or not, so the revocation remains
// visible until then.
func (s *Service) Revoke(ctx context.Context, sessionID string) error {
	ctx, span := s.tracer.Start(ctx, "access.revoke")
	defer span.End()

	if sessionID == "" {
		return errors.NewValidationError("EMPTY_SESSION_ID", "session id is required")
	}

	grant, err := s.loadSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			return errors.NewNotFoundError("session")
		}
		span.RecordError(err)
		return err
	}

	grant.Revoked = true
	if err := s.saveSession(ctx, grant); err != nil {
		span.RecordError(err)
		return err
	}

	event, err := audit.NewEvent(audit.ActionModify, grant.UserID, grant.Role, sessionID)
	if err != nil {
		return err
	}
	event.ResourceType = "session"
	event.Purpose = grant.Purpose
	event.Origin = eventOrigin
	event.RiskLevel = phi.RiskMedium
	event.Detail = "session revoked"
	if err := s.auditLog.Append(ctx, event); err != nil {
		// The session stays revoked either way.
		span.RecordError(err)
		return errors.WrapWithCode(err, "AUDIT_APPEND_FAILED", "revocation recorded but not audited")
	}

	s.logger.Info("Session revoked",
		zap.String("session_id", sessionID),
		zap.String("user_id", grant.UserID),
	)
	return nil
}

func (s *Service) loadSession(ctx context.Context, sessionID string) (*access.Grant, error) {
	raw, err := s.store.Get(ctx, store.BucketSessions, sessionID)
	if err != nil {
		return nil, err
	}
	var grant access.Grant
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, errors.WrapWithCode(err, "SESSION_DECODE_FAILED", "stored session is unreadable")
	}
	return &grant, nil
}

func (s *Service) saveSession(ctx context.Context, grant *access.Grant) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return errors.WrapWithCode(err, "SESSION_ENCODE_FAILED", "failed to encode session")
	}
	if err := s.store.Put(ctx, store.BucketSessions, grant.SessionID, raw); err != nil {
		return errors.WrapWithCode(err, "SESSION_WRITE_FAILED", "failed to persist session")
	}
	return nil
}

// discardSession removes a session that never became effective, during
// rollback of a failed grant. Uses a fresh context so cancellation of the
// request cannot strand the record.
func (s *Service) discardSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, store.BucketSessions, sessionID); err != nil && !store.IsNotFound(err) {
		s.logger.Error("Failed to discard unaudited session",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

// scheduleExpiry arms the purge timer for a session. A non-positive TTL
// purges immediately.
func (s *Service) scheduleExpiry(sessionID string, ttl time.Duration) {
	if ttl <= 0 {
		go s.expireSession(sessionID)
		return
	}
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if old, ok := s.timers[sessionID]; ok {
		old.Stop()
	}
	s.timers[sessionID] = time.AfterFunc(ttl, func() { s.expireSession(sessionID) })
}

// expireSession purges a session whose lifetime has ended, regardless of
// whether it was revoked first.
func (s *Service) expireSession(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.Delete(ctx, store.BucketSessions, sessionID); err != nil && !store.IsNotFound(err) {
		s.logger.Error("Failed to purge expired session",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	s.timerMu.Lock()
	delete(s.timers, sessionID)
	s.timerMu.Unlock()

	if s.metrics != nil {
		s.metrics.UpdateActiveSessions(-1)
	}
	s.logger.Debug("Session purged", zap.String("session_id", sessionID))
}
