// The engine daemon hosts the PHI engine with its health and metrics
// endpoints. The boundary operations themselves are consumed in-process by
// the surrounding application; this process keeps the session registry,
// audit trail, and telemetry alive.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianhealth/phi-engine/internal/domain/audit"
	"github.com/meridianhealth/phi-engine/internal/engine"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/config"
	"github.com/meridianhealth/phi-engine/internal/infrastructure/telemetry"
	"github.com/meridianhealth/phi-engine/internal/metrics"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slogger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slogger)

	if err := run(ctx, cfg); err != nil {
		slog.Error("engine failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting phi engine",
		"version", cfg.Version,
		"environment", cfg.Environment,
		"port", cfg.Server.Port,
		"storage_backend", cfg.Storage.Backend)

	telCfg := telemetry.DefaultConfig()
	telCfg.ServiceVersion = cfg.Version
	telCfg.Environment = cfg.Environment
	telCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telCfg.Enabled = cfg.Telemetry.Enabled

	provider, err := telemetry.InitializeOpenTelemetry(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shutdown telemetry", "error", err)
		}
	}()

	logger, err := buildZapLogger(cfg)
	if err != nil {
		return fmt.Errorf("building service logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	reg, err := metrics.NewRegistry("phi-engine")
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	eng, err := engine.New(ctx, cfg, logger, reg)
	if err != nil {
		return fmt.Errorf("constructing engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			slog.Error("failed to close engine", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newAdminMux(cfg, eng),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("admin endpoints listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
	}

	slog.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("admin server shutdown failed", "error", err)
	}
	return nil
}

// buildZapLogger constructs the structured logger the services share.
// Production gets JSON output, everything else the development console.
func buildZapLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Environment == "production" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}

// newAdminMux wires the operational endpoints: liveness, readiness backed
// by a store round trip, and Prometheus exposition.
func newAdminMux(cfg *config.Config, eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", InstrumentHTTPHandler("healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": cfg.Version,
		})
	}))

	mux.HandleFunc("/readyz", InstrumentHTTPHandler("readyz", func(w http.ResponseWriter, r *http.Request) {
		// A trail query round-trips the store, so readiness reflects the
		// backend actually being reachable.
		if _, err := eng.GetAuditEvents(r.Context(), audit.Filter{Limit: 1}); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}))

	mux.Handle("/metrics", MetricsHandler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
