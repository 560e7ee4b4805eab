package detection

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/metrics"
)

// Confidence adjustments applied on top of a category's base confidence.
// The weights are heuristic starting policy, not calibrated thresholds.
const (
	formatValidityBonus = 0.1
	pureDigitPenalty    = 0.15
	minConfidence       = 0.05
	maxConfidence       = 0.99
)

// Service scans record fields against the pattern catalog and emits scored
// findings. It is stateless and safe for concurrent use.
type Service struct {
	catalog *phi.PatternCatalog
	policy  *phi.ActionPolicy
	logger  *zap.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer

	clock func() time.Time
}

// NewService creates the detection service. A nil catalog or policy falls
// back to the built-in defaults; the registry may be nil when metrics are
// disabled.
func NewService(catalog *phi.PatternCatalog, policy *phi.ActionPolicy, logger *zap.Logger, reg *metrics.Registry) *Service {
	if catalog == nil {
		catalog = phi.DefaultPatternCatalog()
	}
	if policy == nil {
		policy = phi.DefaultActionPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		catalog: catalog,
		policy:  policy,
		logger:  logger,
		metrics: reg,
		tracer:  otel.Tracer("detection.service"),
		clock:   time.Now,
	}
}

// Detect runs every catalog category against every field of the record and
// returns the findings sorted by confidence descending. A field may yield
// several findings when multiple categories match. The scan checks for
// cancellation between fields.
func (s *Service) Detect(ctx context.Context, record map[string]string) ([]phi.Finding, error) {
	ctx, span := s.tracer.Start(ctx, "detection.detect",
		trace.WithAttributes(attribute.Int("detection.fields", len(record))),
	)
	defer span.End()

	start := s.clock()

	// Stable field order keeps scan and cancellation behavior reproducible
	fields := make([]string, 0, len(record))
	for name := range record {
		fields = append(fields, name)
	}
	sort.Strings(fields)

	var findings []phi.Finding
	for _, name := range fields {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return nil, err
		}
		findings = append(findings, s.detectField(ctx, name, record[name], start)...)
	}

	phi.SortFindings(findings)

	if s.metrics != nil {
		elapsed := float64(s.clock().Sub(start).Microseconds()) / 1000.0
		s.metrics.RecordScan(ctx, elapsed, int64(len(record)))
	}

	span.SetAttributes(attribute.Int("detection.findings", len(findings)))
	s.logger.Debug("Detection scan complete",
		zap.Int("fields", len(record)),
		zap.Int("findings", len(findings)),
	)

	return findings, nil
}

// DetectValue scans a single field value. Equivalent to Detect over a
// one-field record.
func (s *Service) DetectValue(ctx context.Context, fieldName, value string) ([]phi.Finding, error) {
	ctx, span := s.tracer.Start(ctx, "detection.detect_value",
		trace.WithAttributes(attribute.String("detection.field", fieldName)),
	)
	defer span.End()

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	findings := s.detectField(ctx, fieldName, value, s.clock())
	phi.SortFindings(findings)

	span.SetAttributes(attribute.Int("detection.findings", len(findings)))
	return findings, nil
}

// detectField runs all catalog categories against one value.
func (s *Service) detectField(ctx context.Context, fieldName, value string, now time.Time) []phi.Finding {
	var findings []phi.Finding

	for _, cat := range s.catalog.Categories() {
		patternIDs, spanStart, spanEnd, ok := cat.Match(value)
		if !ok {
			continue
		}

		matched := value[spanStart:spanEnd]
		keywordHit := cat.MatchesKeyword(fieldName)

		confidence := cat.BaseConfidence()
		if keywordHit {
			confidence += cat.KeywordBoost()
		}

		if valid, checked := cat.FormatValid(matched, now); checked {
			if valid {
				confidence += formatValidityBonus
			} else if cat.DropIfInvalid() {
				continue
			}
		}

		// Separator-less digit runs are ambiguous between categories, so
		// they score lower unless the field name corroborates the match
		if phi.IsPureDigits(value) && !keywordHit {
			confidence -= pureDigitPenalty
		}

		confidence = clampConfidence(confidence)

		classification := cat.Classification()
		risk := classification.DefaultRiskLevel()
		action := s.policy.ActionFor(classification, risk)

		finding, err := phi.NewFinding(fieldName, matched, classification, confidence,
			patternIDs, spanStart, spanEnd, risk, action)
		if err != nil {
			s.logger.Warn("Discarding malformed finding",
				zap.String("field", fieldName),
				zap.String("category", cat.ID()),
				zap.Error(err),
			)
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordFinding(ctx, classification.String(), cat.ID())
		}
		findings = append(findings, finding)
	}

	return findings
}

func clampConfidence(c float64) float64 {
	if c < minConfidence {
		return minConfidence
	}
	if c > maxConfidence {
		return maxConfidence
	}
	return c
}
