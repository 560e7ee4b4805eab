package deident

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/meridianhealth/phi-engine/internal/domain/errors"
	"github.com/meridianhealth/phi-engine/internal/domain/phi"
	"github.com/meridianhealth/phi-engine/internal/metrics"
)

// Method labels recorded against de-identification metrics.
const (
	methodSafeHarbor          = "safe_harbor"
	methodExpertDetermination = "expert_determination"
	methodSynthesize          = "synthesize"
)

// Detector classifies record fields. Satisfied by the detection service.
type Detector interface {
	Detect(ctx context.Context, record map[string]string) ([]phi.Finding, error)
}

// Service applies de-identification passes over full records: the
// enumerated Safe Harbor treatment, caller-configured expert determination
// rules, and synthetic fixture generation. It is stateless and safe for
// concurrent use.
type Service struct {
	detector Detector
	logger   *zap.Logger
	metrics  *metrics.Registry
	tracer   trace.Tracer

	clock func() time.Time
}

// NewService creates the de-identification service. The detector is
// required; the registry may be nil when metrics are disabled.
func NewService(detector Detector, logger *zap.Logger, reg *metrics.Registry) (*Service, error) {
	if detector == nil {
		return nil, errors.NewValidationError("MISSING_DETECTOR",
			"de-identification requires a detector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		detector: detector,
		logger:   logger,
		metrics:  reg,
		tracer:   otel.Tracer("deident.service"),
		clock:    time.Now,
	}, nil
}

// sortedFieldNames returns the record's field names in lexical order so
// passes visit fields deterministically.
func sortedFieldNames(record map[string]string) []string {
	names := make([]string, 0, len(record))
	for name := range record {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func elapsedMillis(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000.0
}
