package access

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// ValidateAccess runs the full decision chain for a request: failure
// throttle, role and purpose matrix, minimum necessary on the requested
// fields, patient consent, and emergency override. A request that clears
// every gate receives a session-backed grant; any other outcome is a
// denial. Both outcomes are written to the audit trail, and only a
// malformed request or an infrastructure fault surfaces as an error.
func (s *Service) ValidateAccess(ctx context.Context, req access.Request) (access.Decision, error) {
	ctx, span := s.tracer.Start(ctx, "access.validate",
		trace.WithAttributes(
			attribute.String("access.role", req.Role.String()),
			attribute.String("access.purpose", req.Purpose.String()),
			attribute.Bool("access.override", req.EmergencyOverride),
		),
	)
	defer span.End()

	start := s.clock()
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		return access.Decision{}, err
	}

	if s.throttle.exhausted(req.UserID) {
		// Already over budget; this denial is not charged again.
		return s.deny(ctx, req, start, false, "rate limited: too many failed access attempts"), nil
	}

	if !req.Role.AllowsPurpose(req.Purpose) {
		return s.deny(ctx, req, start, true,
			fmt.Sprintf("role %s is not authorized for purpose %s", req.Role, req.Purpose)), nil
	}

	if reason := s.minimumNecessaryDenied(req); reason != "" {
		return s.deny(ctx, req, start, true, reason), nil
	}

	restrictions := req.Role.DefaultRestrictions()
	if req.EmergencyOverride {
		if !req.Role.CanOverride() {
			return s.deny(ctx, req, start, true,
				fmt.Sprintf("role %s may not invoke emergency override", req.Role)), nil
		}
		restrictions = append(restrictions, access.RestrictionEmergencyReviewNeeded)
	} else if req.PatientID != "" {
		if reason := s.consentDenied(req); reason != "" {
			return s.deny(ctx, req, start, true, reason), nil
		}
	}

	grant, err := access.NewGrant(req, restrictions, s.clock().UTC())
	if err != nil {
		span.RecordError(err)
		return access.Decision{}, err
	}

	if err := s.saveSession(ctx, grant); err != nil {
		span.RecordError(err)
		return access.Decision{}, err
	}
	if err := s.auditGrant(ctx, req, grant); err != nil {
		// A grant without its audit record must not stand.
		s.discardSession(grant.SessionID)
		span.RecordError(err)
		return access.Decision{}, err
	}

	s.scheduleExpiry(grant.SessionID, grant.RemainingTTL(s.clock()))
	if s.metrics != nil {
		s.metrics.UpdateActiveSessions(1)
		s.metrics.RecordAccessDecision(ctx, elapsedMillis(start, s.clock()),
			req.Role.String(), true, req.EmergencyOverride)
	}

	span.SetAttributes(
		attribute.Bool("access.granted", true),
		attribute.String("access.session_id", grant.SessionID),
	)
	s.logger.Info("Access granted",
		zap.String("session_id", grant.SessionID),
		zap.String("user_id", req.UserID),
		zap.String("role", req.Role.String()),
		zap.String("purpose", req.Purpose.String()),
		zap.Bool("emergency_override", req.EmergencyOverride),
		zap.Duration("ttl", grant.RemainingTTL(s.clock())),
	)

	return access.Granted(grant), nil
}

// deny charges the failure throttle, audits the refusal, and builds the
// denied decision.
func (s *Service) deny(ctx context.Context, req access.Request, start time.Time, charge bool, reason string) access.Decision {
	if charge {
		s.throttle.recordFailure(req.UserID)
	}
	s.auditDenial(ctx, req, reason)
	if s.metrics != nil {
		s.metrics.RecordAccessDecision(ctx, elapsedMillis(start, s.clock()),
			req.Role.String(), false, req.EmergencyOverride)
	}
	s.logger.Warn("Access denied",
		zap.String("user_id", req.UserID),
		zap.String("role", req.Role.String()),
		zap.String("purpose", req.Purpose.String()),
		zap.String("reason", reason),
	)
	return access.Denied(reason)
}

// minimumNecessaryDenied checks the requested fields against the
// classifications the role is barred from. Returns the denial reason or ""
// when the request is within bounds. An empty field list asks for no more
// than the role may see.
func (s *Service) minimumNecessaryDenied(req access.Request) string {
	denied := req.Role.DeniedClassifications()
	if len(denied) == 0 {
		return ""
	}

	for _, field := range req.Fields {
		class := s.classifyRequestedField(field)
		for _, barred := range denied {
			if class == barred {
				return fmt.Sprintf("minimum necessary: %s fields are not available to role %s", class, req.Role)
			}
		}
	}
	return ""
}

// classifyRequestedField maps a requested field name to a classification.
// An explicit classification name is taken as is; otherwise the catalog's
// field-name hints decide, and unrecognized names rank low risk.
func (s *Service) classifyRequestedField(name string) phi.Classification {
	if class := phi.Classification(name); class.IsValid() {
		return class
	}
	for _, category := range s.catalog.Categories() {
		if category.MatchesKeyword(name) {
			return category.Classification()
		}
	}
	return phi.ClassLowRisk
}
