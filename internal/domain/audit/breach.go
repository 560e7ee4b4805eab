package audit

import (
	"fmt"
	"sort"
	"time"

	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// Breach heuristic thresholds. Exactly FailedAttemptThreshold failures by
// one user inside the scan window trigger the repeated-failures indicator;
// one fewer does not. Successful access is flagged outside the
// [WorkdayStartHour, WorkdayEndHour) local-time window, and any event
// touching more than BulkFieldThreshold fields is flagged regardless of
// outcome.
const (
	FailedAttemptThreshold = 5
	BulkFieldThreshold     = 20
	WorkdayStartHour       = 6
	WorkdayEndHour         = 22

	ScanWindow = 24 * time.Hour
)

// IndicatorType names the heuristic that flagged a breach indicator.
type IndicatorType string

const (
	IndicatorRepeatedFailures IndicatorType = "repeated_failures"
	IndicatorAfterHoursAccess IndicatorType = "after_hours_access"
	IndicatorBulkFieldAccess  IndicatorType = "bulk_field_access"
)

func (t IndicatorType) String() string {
	return string(t)
}

// BreachIndicator flags a suspicious pattern found in the audit trail.
// Repeated-failures indicators identify a user; the per-event heuristics
// also carry the offending event id.
type BreachIndicator struct {
	Type           IndicatorType `json:"type"`
	UserID         string        `json:"user_id,omitempty"`
	EventID        string        `json:"event_id,omitempty"`
	Severity       phi.RiskLevel `json:"severity"`
	Count          int           `json:"count,omitempty"`
	Recommendation string        `json:"recommendation"`
}

// DetectIndicators runs the breach heuristics over the given events, which
// callers are expected to pre-filter to the scan window. A nil location
// falls back to the process-local zone for the after-hours check.
func DetectIndicators(events []*Event, loc *time.Location) []BreachIndicator {
	if loc == nil {
		loc = time.Local
	}

	indicators := make([]BreachIndicator, 0)

	failuresByUser := make(map[string]int)
	for _, e := range events {
		if e != nil && !e.Success {
			failuresByUser[e.UserID]++
		}
	}
	flagged := make([]string, 0, len(failuresByUser))
	for user, count := range failuresByUser {
		if count >= FailedAttemptThreshold {
			flagged = append(flagged, user)
		}
	}
	sort.Strings(flagged)
	for _, user := range flagged {
		count := failuresByUser[user]
		indicators = append(indicators, BreachIndicator{
			Type:     IndicatorRepeatedFailures,
			UserID:   user,
			Severity: phi.RiskHigh,
			Count:    count,
			Recommendation: fmt.Sprintf(
				"user %s was denied %d times in the scan window; review the account and consider suspending access",
				user, count),
		})
	}

	for _, e := range events {
		if e == nil {
			continue
		}
		if e.Success && isAfterHours(e.Timestamp.In(loc)) {
			indicators = append(indicators, BreachIndicator{
				Type:     IndicatorAfterHoursAccess,
				UserID:   e.UserID,
				EventID:  e.EventID,
				Severity: phi.RiskMedium,
				Recommendation: fmt.Sprintf(
					"event %s succeeded at %s local time; confirm the access was expected",
					e.EventID, e.Timestamp.In(loc).Format("15:04")),
			})
		}
		if e.FieldCount() > BulkFieldThreshold {
			indicators = append(indicators, BreachIndicator{
				Type:     IndicatorBulkFieldAccess,
				UserID:   e.UserID,
				EventID:  e.EventID,
				Severity: phi.RiskHigh,
				Count:    e.FieldCount(),
				Recommendation: fmt.Sprintf(
					"event %s touched %d fields; verify the request needed that scope",
					e.EventID, e.FieldCount()),
			})
		}
	}

	return indicators
}

func isAfterHours(t time.Time) bool {
	hour := t.Hour()
	return hour < WorkdayStartHour || hour >= WorkdayEndHour
}
