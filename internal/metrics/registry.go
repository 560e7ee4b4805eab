package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry holds all domain-specific metrics for the engine
type Registry struct {
	meter metric.Meter

	// Detection Metrics
	ScanDuration    metric.Float64Histogram
	ScansPerSecond  metric.Float64ObservableGauge
	FindingCounter  metric.Int64Counter
	FieldsScanned   metric.Int64Counter
	DetectionErrors metric.Int64Counter

	// Protection Metrics
	CryptoDuration    metric.Float64Histogram
	ProtectionCounter metric.Int64Counter
	ProtectionFailure metric.Int64Counter
	KeyCacheHits      metric.Int64Counter
	KeyCacheMisses    metric.Int64Counter
	KeyCacheSize      metric.Int64ObservableGauge
	VaultSize         metric.Int64ObservableGauge

	// Access Control Metrics
	DecisionDuration metric.Float64Histogram
	GrantCounter     metric.Int64Counter
	DenialCounter    metric.Int64Counter
	OverrideCounter  metric.Int64Counter
	ActiveSessions   metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventCounter      metric.Int64Counter
	BreachIndicatorCounter metric.Int64Counter
	AuditTrailSize         metric.Int64ObservableGauge

	// De-identification Metrics
	DeidentDuration      metric.Float64Histogram
	DeidentRecordCounter metric.Int64Counter

	// State for observable metrics
	mu             sync.RWMutex
	activeSessions int64
	keyCacheSize   int64
	vaultSize      int64
	trailSize      int64
	scansProcessed int64
	lastScanCount  int64
	lastScanTime   time.Time
}

// NewRegistry creates a new metrics registry with all domain metrics
func NewRegistry(meterName string) (*Registry, error) {
	meter := otel.Meter(meterName)
	r := &Registry{
		meter:        meter,
		lastScanTime: time.Now(),
	}

	if err := r.initDetectionMetrics(); err != nil {
		return nil, err
	}

	if err := r.initProtectionMetrics(); err != nil {
		return nil, err
	}

	if err := r.initAccessMetrics(); err != nil {
		return nil, err
	}

	if err := r.initAuditMetrics(); err != nil {
		return nil, err
	}

	if err := r.initDeidentMetrics(); err != nil {
		return nil, err
	}

	return r, nil
}

// initDetectionMetrics initializes detection metrics
func (r *Registry) initDetectionMetrics() error {
	var err error

	// Scan duration histogram
	r.ScanDuration, err = r.meter.Float64Histogram(
		"phi.detection.scan_duration",
		metric.WithDescription("Duration of PHI detection scans in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500),
	)
	if err != nil {
		return err
	}

	// Scans per second gauge
	r.ScansPerSecond, err = r.meter.Float64ObservableGauge(
		"phi.detection.throughput_per_second",
		metric.WithDescription("Current detection scan throughput per second"),
		metric.WithFloat64Callback(func(ctx context.Context, o metric.Float64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()

			now := time.Now()
			elapsed := now.Sub(r.lastScanTime).Seconds()
			if elapsed > 0 {
				rate := float64(r.scansProcessed-r.lastScanCount) / elapsed
				o.Observe(rate)
				r.lastScanCount = r.scansProcessed
				r.lastScanTime = now
			}
			return nil
		}),
	)
	if err != nil {
		return err
	}

	// Finding counter by classification and category
	r.FindingCounter, err = r.meter.Int64Counter(
		"phi.detection.findings_total",
		metric.WithDescription("Total number of PHI findings produced"),
	)
	if err != nil {
		return err
	}

	r.FieldsScanned, err = r.meter.Int64Counter(
		"phi.detection.fields_scanned_total",
		metric.WithDescription("Total number of record fields scanned"),
	)
	if err != nil {
		return err
	}

	r.DetectionErrors, err = r.meter.Int64Counter(
		"phi.detection.error_total",
		metric.WithDescription("Total number of failed detection scans"),
	)

	return err
}

// initProtectionMetrics initializes protection metrics
func (r *Registry) initProtectionMetrics() error {
	var err error

	// Crypto operation duration histogram
	r.CryptoDuration, err = r.meter.Float64Histogram(
		"phi.protection.crypto_duration",
		metric.WithDescription("Field encryption and decryption duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500),
	)
	if err != nil {
		return err
	}

	// Protection operation counters
	r.ProtectionCounter, err = r.meter.Int64Counter(
		"phi.protection.operations_total",
		metric.WithDescription("Total number of protection operations applied"),
	)
	if err != nil {
		return err
	}

	r.ProtectionFailure, err = r.meter.Int64Counter(
		"phi.protection.failure_total",
		metric.WithDescription("Total number of failed protection operations"),
	)
	if err != nil {
		return err
	}

	// Key cache counters
	r.KeyCacheHits, err = r.meter.Int64Counter(
		"phi.protection.key_cache_hit_total",
		metric.WithDescription("Total derived key cache hits"),
	)
	if err != nil {
		return err
	}

	r.KeyCacheMisses, err = r.meter.Int64Counter(
		"phi.protection.key_cache_miss_total",
		metric.WithDescription("Total derived key cache misses"),
	)
	if err != nil {
		return err
	}

	// Key cache size gauge
	r.KeyCacheSize, err = r.meter.Int64ObservableGauge(
		"phi.protection.key_cache_size",
		metric.WithDescription("Current number of cached derived keys"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.keyCacheSize)
			return nil
		}),
	)
	if err != nil {
		return err
	}

	// Token vault size gauge
	r.VaultSize, err = r.meter.Int64ObservableGauge(
		"phi.protection.vault_size",
		metric.WithDescription("Current number of entries in the token vault"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.vaultSize)
			return nil
		}),
	)

	return err
}

// initAccessMetrics initializes access control metrics
func (r *Registry) initAccessMetrics() error {
	var err error

	// Decision duration histogram
	r.DecisionDuration, err = r.meter.Float64Histogram(
		"phi.access.decision_duration",
		metric.WithDescription("Access decision evaluation duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100),
	)
	if err != nil {
		return err
	}

	// Decision counters
	r.GrantCounter, err = r.meter.Int64Counter(
		"phi.access.granted_total",
		metric.WithDescription("Total number of granted access requests"),
	)
	if err != nil {
		return err
	}

	r.DenialCounter, err = r.meter.Int64Counter(
		"phi.access.denied_total",
		metric.WithDescription("Total number of denied access requests"),
	)
	if err != nil {
		return err
	}

	r.OverrideCounter, err = r.meter.Int64Counter(
		"phi.access.override_total",
		metric.WithDescription("Total number of grants issued through override roles"),
	)
	if err != nil {
		return err
	}

	// Active sessions gauge
	r.ActiveSessions, err = r.meter.Int64ObservableGauge(
		"phi.access.active_sessions",
		metric.WithDescription("Number of currently active access sessions"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.activeSessions)
			return nil
		}),
	)

	return err
}

// initAuditMetrics initializes audit metrics
func (r *Registry) initAuditMetrics() error {
	var err error

	r.AuditEventCounter, err = r.meter.Int64Counter(
		"phi.audit.events_total",
		metric.WithDescription("Total number of audit events recorded"),
	)
	if err != nil {
		return err
	}

	r.BreachIndicatorCounter, err = r.meter.Int64Counter(
		"phi.audit.breach_indicator_total",
		metric.WithDescription("Total breach indicators raised by trail analysis"),
	)
	if err != nil {
		return err
	}

	// Audit trail size
	r.AuditTrailSize, err = r.meter.Int64ObservableGauge(
		"phi.audit.trail_size",
		metric.WithDescription("Current number of events in the audit trail"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			o.Observe(r.trailSize)
			return nil
		}),
	)

	return err
}

// initDeidentMetrics initializes de-identification metrics
func (r *Registry) initDeidentMetrics() error {
	var err error

	r.DeidentDuration, err = r.meter.Float64Histogram(
		"phi.deident.duration",
		metric.WithDescription("Record de-identification duration in milliseconds"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 50, 100, 500),
	)
	if err != nil {
		return err
	}

	r.DeidentRecordCounter, err = r.meter.Int64Counter(
		"phi.deident.records_total",
		metric.WithDescription("Total number of records de-identified"),
	)

	return err
}

// Helper methods for updating observable metric values

// UpdateActiveSessions adjusts the active session count
func (r *Registry) UpdateActiveSessions(delta int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeSessions += delta
}

// SetKeyCacheSize sets the derived key cache size
func (r *Registry) SetKeyCacheSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keyCacheSize = size
}

// SetVaultSize sets the token vault size
func (r *Registry) SetVaultSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vaultSize = size
}

// SetTrailSize sets the audit trail size
func (r *Registry) SetTrailSize(size int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trailSize = size
}

// IncrementScansProcessed increments the scans processed counter
func (r *Registry) IncrementScansProcessed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scansProcessed++
}

// Helper methods for recording metrics with common attribute patterns

// RecordScan records detection scan metrics
func (r *Registry) RecordScan(ctx context.Context, duration float64, fields int64) {
	r.ScanDuration.Record(ctx, duration)
	r.FieldsScanned.Add(ctx, fields)
	r.IncrementScansProcessed()
}

// RecordFinding counts a single finding by classification and category
func (r *Registry) RecordFinding(ctx context.Context, classification, category string) {
	r.FindingCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("classification", classification),
		attribute.String("category", category),
	))
}

// RecordCryptoOperation records field cryptography metrics
func (r *Registry) RecordCryptoOperation(ctx context.Context, duration float64, operation string, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.Bool("success", success),
	}

	r.CryptoDuration.Record(ctx, duration, metric.WithAttributes(attrs...))

	if !success {
		r.ProtectionFailure.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordProtection records an applied protection action
func (r *Registry) RecordProtection(ctx context.Context, action string, success bool) {
	attrs := []attribute.KeyValue{
		attribute.String("action", action),
		attribute.Bool("success", success),
	}

	r.ProtectionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if !success {
		r.ProtectionFailure.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordKeyCacheLookup counts a derived key cache hit or miss
func (r *Registry) RecordKeyCacheLookup(ctx context.Context, hit bool) {
	if hit {
		r.KeyCacheHits.Add(ctx, 1)
	} else {
		r.KeyCacheMisses.Add(ctx, 1)
	}
}

// RecordAccessDecision records access decision metrics
func (r *Registry) RecordAccessDecision(ctx context.Context, duration float64, role string, granted, override bool) {
	attrs := []attribute.KeyValue{
		attribute.String("role", role),
		attribute.Bool("granted", granted),
	}

	r.DecisionDuration.Record(ctx, duration, metric.WithAttributes(attrs...))

	if granted {
		r.GrantCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		if override {
			r.OverrideCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
		}
	} else {
		r.DenialCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordAuditEvent counts a recorded audit event
func (r *Registry) RecordAuditEvent(ctx context.Context, action string, success bool) {
	r.AuditEventCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("success", success),
	))
}

// RecordBreachIndicator counts a raised breach indicator
func (r *Registry) RecordBreachIndicator(ctx context.Context, indicatorType string) {
	r.BreachIndicatorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("indicator", indicatorType),
	))
}

// RecordDeidentification records de-identification metrics
func (r *Registry) RecordDeidentification(ctx context.Context, duration float64, method string, records int64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
	}

	r.DeidentDuration.Record(ctx, duration, metric.WithAttributes(attrs...))
	r.DeidentRecordCounter.Add(ctx, records, metric.WithAttributes(attrs...))
}
