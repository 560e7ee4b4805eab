package audit

import (
	"time"

	"github.com/meridianhealth/phi-engine/internal/domain/access"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
)

// ComplianceReport summarizes audit activity over a reporting window.
// Histograms are keyed by the enum values that actually occurred; absent
// keys mean zero events.
type ComplianceReport struct {
	PeriodStart    time.Time               `json:"period_start"`
	PeriodEnd      time.Time               `json:"period_end"`
	GeneratedAt    time.Time               `json:"generated_at"`
	TotalEvents    int                     `json:"total_events"`
	UniqueUsers    int                     `json:"unique_users"`
	HighRiskEvents int                     `json:"high_risk_events"`
	BreachAttempts int                     `json:"breach_attempts"`
	FailedEvents   int                     `json:"failed_events"`
	FailureRate    float64                 `json:"failure_rate"`
	ByAction       map[Action]int          `json:"by_action"`
	ByRole         map[access.Role]int     `json:"by_role"`
	ByPurpose      map[access.Purpose]int  `json:"by_purpose"`
	ByRisk         map[phi.RiskLevel]int   `json:"by_risk"`
}

// BuildComplianceReport aggregates the given events into a report for the
// window [start, end). Events outside the window are skipped, so callers
// may pass a superset of the period.
func BuildComplianceReport(start, end time.Time, events []*Event) (*ComplianceReport, error) {
	if end.Before(start) {
		return nil, errors.NewValidationError("INVALID_TIME_RANGE",
			"report end must not precede report start")
	}

	report := &ComplianceReport{
		PeriodStart: start,
		PeriodEnd:   end,
		GeneratedAt: time.Now().UTC(),
		ByAction:    make(map[Action]int),
		ByRole:      make(map[access.Role]int),
		ByPurpose:   make(map[access.Purpose]int),
		ByRisk:      make(map[phi.RiskLevel]int),
	}

	users := make(map[string]struct{})
	for _, e := range events {
		if e == nil || !e.InWindow(start, end) {
			continue
		}

		report.TotalEvents++
		users[e.UserID] = struct{}{}

		if e.IsHighRisk() {
			report.HighRiskEvents++
		}
		if e.IsBreachAttempt() {
			report.BreachAttempts++
		}
		if !e.Success {
			report.FailedEvents++
		}

		report.ByAction[e.Action]++
		report.ByRole[e.Role]++
		if e.Purpose != "" {
			report.ByPurpose[e.Purpose]++
		}
		report.ByRisk[e.RiskLevel]++
	}

	report.UniqueUsers = len(users)
	if report.TotalEvents > 0 {
		report.FailureRate = float64(report.FailedEvents) / float64(report.TotalEvents)
	}
	return report, nil
}
