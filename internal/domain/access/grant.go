package access

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
)

// MaxSessionDuration is the hard ceiling on session lifetime. Requested
// durations above it are clamped, never honored.
const MaxSessionDuration = 8 * time.Hour

// Grant is an issued access session. It is created by the controller on a
// successful validation, mutated only by revocation, and purged at expiry.
type Grant struct {
	SessionID    string      `json:"session_id"`
	RequestID    string      `json:"request_id"`
	UserID       string      `json:"user_id"`
	Role         Role        `json:"role"`
	Purpose      Purpose     `json:"purpose"`
	PatientID    string      `json:"patient_id,omitempty"`
	Operations   []Operation `json:"operations"`
	Restrictions []string    `json:"restrictions,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Revoked      bool        `json:"revoked"`
}

// NewGrant issues a session for a validated request. The session lives for
// the requested duration clamped to MaxSessionDuration; a zero duration
// means the maximum.
func NewGrant(req Request, restrictions []string, now time.Time) (*Grant, error) {
	if req.UserID == "" {
		return nil, errors.NewValidationError("EMPTY_USER_ID",
			"grant requires a user id")
	}
	if !req.Role.IsValid() {
		return nil, errors.NewValidationError("UNKNOWN_ROLE",
			"grant requires a known role")
	}

	duration := req.RequestedDuration
	if duration <= 0 || duration > MaxSessionDuration {
		duration = MaxSessionDuration
	}

	rs := make([]string, len(restrictions))
	copy(rs, restrictions)

	return &Grant{
		SessionID:    uuid.NewString(),
		RequestID:    req.RequestID,
		UserID:       req.UserID,
		Role:         req.Role,
		Purpose:      req.Purpose,
		PatientID:    req.PatientID,
		Operations:   req.Role.PermittedOperations(),
		Restrictions: rs,
		CreatedAt:    now,
		ExpiresAt:    now.Add(duration),
		Revoked:      false,
	}, nil
}

// Allows checks operation membership.
func (g *Grant) Allows(op Operation) bool {
	for _, o := range g.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// IsExpired reports whether the session has passed its expiry or exceeded
// the hard age ceiling.
func (g *Grant) IsExpired(now time.Time) bool {
	if !now.Before(g.ExpiresAt) {
		return true
	}
	return now.Sub(g.CreatedAt) >= MaxSessionDuration
}

// IsActive reports whether the session can still authorize operations.
func (g *Grant) IsActive(now time.Time) bool {
	return !g.Revoked && !g.IsExpired(now)
}

// RemainingTTL returns how long the session remains valid, zero if already
// expired.
func (g *Grant) RemainingTTL(now time.Time) time.Duration {
	if g.IsExpired(now) {
		return 0
	}
	return g.ExpiresAt.Sub(now)
}

// HasRestriction checks whether a restriction string is attached.
func (g *Grant) HasRestriction(restriction string) bool {
	for _, r := range g.Restrictions {
		if r == restriction {
			return true
		}
	}
	return false
}

// Decision is the structured outcome of an access validation. Denials are
// results, not errors; the reason is always populated on denial.
type Decision struct {
	Granted      bool     `json:"granted"`
	Context      *Grant   `json:"context,omitempty"`
	Restrictions []string `json:"restrictions,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Granted builds a positive decision carrying the issued session.
func Granted(g *Grant) Decision {
	return Decision{
		Granted:      true,
		Context:      g,
		Restrictions: g.Restrictions,
	}
}

// Denied builds a negative decision with a human-readable reason.
func Denied(reason string) Decision {
	return Decision{
		Granted: false,
		Reason:  reason,
	}
}

// NewSessionID generates a fresh session identifier.
func NewSessionID() string {
	return uuid.NewString()
}
