package audit

import (
	"sort"
	"time"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// Filter selects audit events for queries and reports. The zero value
// matches every event. From is inclusive and To exclusive when set.
type Filter struct {
	UserID       string        `json:"user_id,omitempty"`
	Action       Action        `json:"action,omitempty"`
	From         time.Time     `json:"from,omitempty"`
	To           time.Time     `json:"to,omitempty"`
	RiskLevel    phi.RiskLevel `json:"risk_level,omitempty"`
	OnlyFailures bool          `json:"only_failures,omitempty"`
	Limit        int           `json:"limit,omitempty"`
}

// Validate rejects filters that could never match or that carry unknown
// enum values, so callers find out instead of silently getting nothing.
func (f Filter) Validate() error {
	if f.Action != "" && !f.Action.IsValid() {
		return errors.NewValidationError("INVALID_AUDIT_ACTION",
			"filter action must be a known audit action")
	}
	if f.RiskLevel != "" && !f.RiskLevel.IsValid() {
		return errors.NewValidationError("INVALID_RISK_LEVEL",
			"filter risk level must be high, medium, or low")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return errors.NewValidationError("INVALID_TIME_RANGE",
			"filter end must not precede filter start")
	}
	if f.Limit < 0 {
		return errors.NewValidationError("INVALID_LIMIT",
			"filter limit must not be negative")
	}
	return nil
}

// Matches reports whether a single event satisfies every set criterion.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.RiskLevel != "" && e.RiskLevel != f.RiskLevel {
		return false
	}
	if f.OnlyFailures && e.Success {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	return true
}

// Apply filters the given events, orders them newest first, and truncates
// to the limit when one is set. The input slice is not modified.
func (f Filter) Apply(events []*Event) []*Event {
	matched := make([]*Event, 0, len(events))
	for _, e := range events {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	SortNewestFirst(matched)
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched
}

// SortNewestFirst orders events by timestamp descending in place. Events
// with equal timestamps keep their relative order.
func SortNewestFirst(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
