package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/store"
	"github.com/meridianhealth/phi-engine/internal/metrics"
)

// Service records and queries the append-only audit trail. Events are the
// last step of every engine operation, so a failed append fails the caller.
type Service struct {
	store   store.Store
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	clock func() time.Time

	// Serializes appends and guards the trail size count
	mu    sync.Mutex
	count int64
}

// NewService creates the audit trail service. The registry may be nil when
// metrics are disabled.
func NewService(ctx context.Context, st store.Store, logger *zap.Logger, reg *metrics.Registry) (*Service, error) {
	if st == nil {
		return nil, errors.NewValidationError("MISSING_STORE", "audit store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		store:   st,
		logger:  logger,
		metrics: reg,
		tracer:  otel.Tracer("audit.service"),
		clock:   time.Now,
	}

	// Seed the trail size from the store so the gauge survives restarts
	var count int64
	err := st.Scan(ctx, store.BucketAudit, func(key string, value []byte) error {
		count++
		return nil
	})
	if err != nil {
		logger.Warn("Failed to count existing audit events, starting gauge at zero", zap.Error(err))
		count = 0
	}
	s.count = count
	s.publishTrailSize()

	logger.Info("Audit service initialized", zap.Int64("existing_events", count))

	return s, nil
}

// Append validates the event, assigns its identity when missing, and
// persists it. The stored copy is detached from the caller's event.
func (s *Service) Append(ctx context.Context, event *audit.Event) error {
	if event == nil {
		return errors.NewValidationError("MISSING_EVENT", "audit event is required")
	}

	ctx, span := s.tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.action", event.Action.String()),
			attribute.String("audit.user_id", event.UserID),
		),
	)
	defer span.End()

	stored := event.Clone()
	if stored.EventID == "" {
		stored.EventID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.clock().UTC()
	}

	if err := stored.Validate(); err != nil {
		span.RecordError(err)
		return err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		span.RecordError(err)
		return errors.WrapWithCode(err, "AUDIT_ENCODE_FAILED", "failed to encode audit event")
	}

	key := eventKey(stored.Timestamp, stored.EventID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Put(ctx, store.BucketAudit, key, data); err != nil {
		span.RecordError(err)
		s.logger.Error("Failed to append audit event",
			zap.String("event_id", stored.EventID),
			zap.String("action", stored.Action.String()),
			zap.Error(err),
		)
		return errors.WrapWithCode(err, "AUDIT_APPEND_FAILED", "failed to persist audit event")
	}

	s.count++
	s.publishTrailSize()

	if s.metrics != nil {
		s.metrics.RecordAuditEvent(ctx, stored.Action.String(), stored.Success)
	}

	return nil
}

// Query returns trail events matching the filter, newest first.
func (s *Service) Query(ctx context.Context, filter audit.Filter) ([]*audit.Event, error) {
	ctx, span := s.tracer.Start(ctx, "audit.query")
	defer span.End()

	if err := filter.Validate(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	events, err := s.loadEvents(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	matched := filter.Apply(events)
	span.SetAttributes(
		attribute.Int("audit.scanned", len(events)),
		attribute.Int("audit.matched", len(matched)),
	)
	return matched, nil
}

// ComplianceReport aggregates trail activity for the period [start, end).
func (s *Service) ComplianceReport(ctx context.Context, start, end time.Time) (*audit.ComplianceReport, error) {
	ctx, span := s.tracer.Start(ctx, "audit.compliance_report",
		trace.WithAttributes(
			attribute.String("audit.period_start", start.Format(time.RFC3339)),
			attribute.String("audit.period_end", end.Format(time.RFC3339)),
		),
	)
	defer span.End()

	events, err := s.loadEvents(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report, err := audit.BuildComplianceReport(start, end, events)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("audit.total_events", report.TotalEvents))
	return report, nil
}

// DetectPotentialBreaches analyzes the previous 24 hours of trail activity
// for repeated failures, after-hours access, and bulk field access.
func (s *Service) DetectPotentialBreaches(ctx context.Context) ([]audit.BreachIndicator, error) {
	ctx, span := s.tracer.Start(ctx, "audit.detect_breaches")
	defer span.End()

	now := s.clock()
	since := now.Add(-audit.ScanWindow)

	events, err := s.loadEvents(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	recent := make([]*audit.Event, 0, len(events))
	for _, e := range events {
		if e.InWindow(since, now.Add(time.Nanosecond)) {
			recent = append(recent, e)
		}
	}

	indicators := audit.DetectIndicators(recent, time.Local)

	for _, ind := range indicators {
		s.logger.Warn("Potential breach indicator",
			zap.String("type", string(ind.Type)),
			zap.String("user_id", ind.UserID),
			zap.String("event_id", ind.EventID),
			zap.String("severity", string(ind.Severity)),
			zap.Int("count", ind.Count),
		)
		if s.metrics != nil {
			s.metrics.RecordBreachIndicator(ctx, string(ind.Type))
		}
	}

	span.SetAttributes(
		attribute.Int("audit.events_scanned", len(recent)),
		attribute.Int("audit.indicators", len(indicators)),
	)
	return indicators, nil
}

// loadEvents reads the whole trail in key order, which is chronological.
// Entries that fail to decode are skipped and logged rather than poisoning
// every query.
func (s *Service) loadEvents(ctx context.Context) ([]*audit.Event, error) {
	var events []*audit.Event
	err := s.store.Scan(ctx, store.BucketAudit, func(key string, value []byte) error {
		var e audit.Event
		if err := json.Unmarshal(value, &e); err != nil {
			s.logger.Warn("Skipping undecodable audit entry",
				zap.String("key", key),
				zap.Error(err),
			)
			return nil
		}
		events = append(events, &e)
		return nil
	})
	if err != nil {
		return nil, errors.WrapWithCode(err, "AUDIT_READ_FAILED", "failed to read audit trail")
	}
	return events, nil
}

func (s *Service) publishTrailSize() {
	if s.metrics != nil {
		s.metrics.SetTrailSize(s.count)
	}
}

// eventKey builds the store key. Zero-padded nanoseconds keep lexical key
// order identical to chronological order.
func eventKey(ts time.Time, eventID string) string {
	return fmt.Sprintf("%020d:%s", ts.UnixNano(), eventID)
}
