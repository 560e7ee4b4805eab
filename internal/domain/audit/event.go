package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// Action identifies the kind of operation an audit event records.
type Action string

const (
	ActionAccess        Action = "access"
	ActionExport        Action = "export"
	ActionModify        Action = "modify"
	ActionDelete        Action = "delete"
	ActionBreachAttempt Action = "breach_attempt"
)

func (a Action) String() string {
	return string(a)
}

// IsValid reports whether the action is a known audit action.
func (a Action) IsValid() bool {
	switch a {
	case ActionAccess, ActionExport, ActionModify, ActionDelete, ActionBreachAttempt:
		return true
	default:
		return false
	}
}

// AllActions returns every audit action in a stable order.
func AllActions() []Action {
	return []Action{ActionAccess, ActionExport, ActionModify, ActionDelete, ActionBreachAttempt}
}

// Event is a single entry in the audit trail. Events are append-only: once
// handed to the log they are never updated or deleted, and the trail is the
// sole input for compliance reporting and breach scanning.
type Event struct {
	EventID      string         `json:"event_id"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id"`
	Role         access.Role    `json:"role"`
	Action       Action         `json:"action"`
	ResourceID   string         `json:"resource_id"`
	ResourceType string         `json:"resource_type,omitempty"`
	Purpose      access.Purpose `json:"purpose,omitempty"`
	Fields       []string       `json:"fields,omitempty"`
	Success      bool           `json:"success"`
	RiskLevel    phi.RiskLevel  `json:"risk_level"`
	Origin       string         `json:"origin,omitempty"`
	Detail       string         `json:"detail,omitempty"`
}

// NewEvent creates an audit event with a fresh ID and UTC timestamp.
// Optional fields (purpose, touched fields, origin, detail) are set on the
// returned event before it is appended. Success defaults to true and
// RiskLevel to low; denial paths override both.
func NewEvent(action Action, userID string, role access.Role, resourceID string) (*Event, error) {
	if !action.IsValid() {
		return nil, errors.NewValidationError("INVALID_AUDIT_ACTION",
			"audit action must be one of access, export, modify, delete, breach_attempt")
	}
	if userID == "" {
		return nil, errors.NewValidationError("EMPTY_USER_ID",
			"audit events require the acting user id")
	}
	if !role.IsValid() {
		return nil, errors.NewValidationError("UNKNOWN_ROLE",
			"audit events require a known role")
	}
	if resourceID == "" {
		return nil, errors.NewValidationError("EMPTY_RESOURCE_ID",
			"audit events require the resource acted upon")
	}

	return &Event{
		EventID:    uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		UserID:     userID,
		Role:       role,
		Action:     action,
		ResourceID: resourceID,
		Fields:     []string{},
		Success:    true,
		RiskLevel:  phi.RiskLow,
	}, nil
}

// Validate checks the event is complete enough to append. The log rejects
// invalid events outright rather than storing partial entries.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errors.NewValidationError("EMPTY_EVENT_ID", "event id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("ZERO_TIMESTAMP", "event timestamp is required")
	}
	if e.UserID == "" {
		return errors.NewValidationError("EMPTY_USER_ID", "audit events require the acting user id")
	}
	if !e.Role.IsValid() {
		return errors.NewValidationError("UNKNOWN_ROLE", "audit events require a known role")
	}
	if !e.Action.IsValid() {
		return errors.NewValidationError("INVALID_AUDIT_ACTION",
			"audit action must be one of access, export, modify, delete, breach_attempt")
	}
	if e.ResourceID == "" {
		return errors.NewValidationError("EMPTY_RESOURCE_ID", "audit events require the resource acted upon")
	}
	if !e.RiskLevel.IsValid() {
		return errors.NewValidationError("INVALID_RISK_LEVEL", "event risk level must be high, medium, or low")
	}
	if e.Purpose != "" && !e.Purpose.IsValid() {
		return errors.NewValidationError("UNKNOWN_PURPOSE", "event purpose, when set, must be a known purpose of use")
	}
	return nil
}

// Clone returns a deep copy. The log stores and returns clones so callers
// can never mutate an appended event.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Fields != nil {
		clone.Fields = make([]string, len(e.Fields))
		copy(clone.Fields, e.Fields)
	}
	return &clone
}

// IsBreachAttempt reports whether this event records a denied reversal
// operation or another security violation.
func (e *Event) IsBreachAttempt() bool {
	return e.Action == ActionBreachAttempt
}

// IsHighRisk reports whether the event was flagged at the highest risk level.
func (e *Event) IsHighRisk() bool {
	return e.RiskLevel == phi.RiskHigh
}

// FieldCount returns how many record fields the event touched.
func (e *Event) FieldCount() int {
	return len(e.Fields)
}

// InWindow reports whether the event falls inside [start, end).
func (e *Event) InWindow(start, end time.Time) bool {
	return !e.Timestamp.Before(start) && e.Timestamp.Before(end)
}
