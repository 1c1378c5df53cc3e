// Package main is the entry point for the s3gc service.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/bryonbaker/s3gc/internal/admin"
	"github.com/bryonbaker/s3gc/internal/cdc"
	"github.com/bryonbaker/s3gc/internal/config"
	"github.com/bryonbaker/s3gc/internal/gc"
	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/bryonbaker/s3gc/internal/objectstore"
	"github.com/bryonbaker/s3gc/internal/reconciler"
	"github.com/bryonbaker/s3gc/internal/registry"
	"github.com/bryonbaker/s3gc/internal/restore"
	"github.com/bryonbaker/s3gc/internal/storage"
	"github.com/bryonbaker/s3gc/internal/vault"
	"github.com/bryonbaker/s3gc/internal/verifier"
	"github.com/bryonbaker/s3gc/pkg/dbconn"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "/config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting s3gc",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("mode", cfg.GC.Mode),
	)

	if err := os.MkdirAll(cfg.Vault.Path, 0o750); err != nil {
		logger.Fatal("failed to create vault directory", zap.Error(err))
	}

	reg, err := registry.NewSQLiteRegistry(filepath.Join(cfg.Vault.Path, "registry.db"), logger)
	if err != nil {
		logger.Fatal("failed to open registry", zap.Error(err))
	}
	defer reg.Close()

	vlt, err := vault.NewSQLiteVault(filepath.Join(cfg.Vault.Path, "audit.db"), logger)
	if err != nil {
		logger.Fatal("failed to open vault", zap.Error(err))
	}
	defer vlt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:       cfg.Store.Bucket,
		Region:       cfg.Store.Region,
		Endpoint:     cfg.Store.Endpoint,
		UsePathStyle: cfg.Store.UsePathStyle,
		AccessKeyID:  cfg.Store.AccessKeyID,
		SecretKey:    cfg.Store.SecretKey,
	}, logger)
	if err != nil {
		logger.Fatal("failed to create object store client", zap.Error(err))
	}

	watched := watchedColumns(cfg.Tables.Tables)

	promRegistry := prometheus.NewRegistry()
	m := metrics.NewMetrics(promRegistry)
	health := metrics.NewHealthChecks()
	health.Update("registry", "ok")
	health.Update("vault", "ok")

	metricsServer := metrics.NewServer(
		cfg.Metrics.Port,
		cfg.Metrics.Path,
		cfg.Health.LivenessPath,
		cfg.Health.ReadinessPath,
		promRegistry,
	)
	metricsServer.UpdateHealthCheck("registry", "ok")
	metricsServer.UpdateHealthCheck("vault", "ok")

	var sourceDB *sql.DB
	var v verifier.Verifier = noopVerifier{}
	var recon *reconciler.Reconciler
	var ingester *cdc.Ingester

	if cfg.CDC.Backend != "" {
		sourceDB, err = openSourceDB(cfg.CDC.Backend, cfg.CDC.ConnectionURL)
		if err != nil {
			logger.Fatal("failed to open source database", zap.Error(err))
		}

		switch cfg.CDC.Backend {
		case models.CDCBackendPostgres:
			v = verifier.NewPostgresVerifier(sourceDB, watched)
			ingester = cdc.NewIngester(cfg.CDC.Backend, cdc.NewPostgresSource(cfg.CDC.ConnectionURL, cfg.Store.Bucket, watched), reg, watched, m, health, logger)
		case models.CDCBackendMySQL:
			v = verifier.NewMySQLVerifier(sourceDB, watched)
			ingester = cdc.NewIngester(cfg.CDC.Backend, cdc.NewMySQLSource(cfg.CDC.ConnectionURL, watched), reg, watched, m, health, logger)
		}

		recon = reconciler.NewReconciler(sourceDB, reg, cfg, m, logger)
		health.Update("cdc", "error")
		metricsServer.UpdateHealthCheck("cdc", "error")
	} else {
		logger.Warn("no cdc backend configured; running without live registry updates or full-scan rebuild")
	}

	cycle := gc.NewCycle(reg, vlt, v, store, cfg, m, logger)
	restoreEng := restore.NewEngine(vlt, store, logger)
	monitor := storage.NewMonitor(reg, vlt, cfg, m, logger)
	adminServer := admin.NewServer(cfg, vlt, store, reg, cycle, restoreEng, recon, health, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting metrics server", zap.Int("port", cfg.Metrics.Port))
		return metricsServer.Start()
	})

	g.Go(func() error {
		logger.Info("starting admin server", zap.Int("port", cfg.Admin.Port))
		return adminServer.Start()
	})

	g.Go(func() error {
		logger.Info("starting storage monitor")
		monitor.Start(gctx)
		return nil
	})

	if ingester != nil {
		g.Go(func() error {
			logger.Info("starting cdc ingester", zap.String("backend", cfg.CDC.Backend))
			ingester.Start(gctx)
			return nil
		})
	}

	if recon != nil {
		g.Go(func() error {
			logger.Info("starting reconciler")
			recon.Start(gctx)
			return nil
		})
	}

	if cfg.Schedule != "" {
		g.Go(func() error {
			logger.Info("starting gc scheduler", zap.String("schedule", cfg.Schedule))
			runScheduled(gctx, cfg.Schedule, cycle, logger)
			return nil
		})
	}

	metricsServer.SetReady(true)
	logger.Info("s3gc is ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-gctx.Done():
		logger.Info("context cancelled")
	}

	logger.Info("starting graceful shutdown")
	metricsServer.SetReady(false)

	// Cancelling here lets the ingester's consumeBatches loop flush its
	// pending deltas and ack the last cursor before the process exits,
	// rather than dropping an in-flight batch.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	if err := v.Close(); err != nil {
		logger.Warn("verifier close error", zap.Error(err))
	}
	if sourceDB != nil {
		if err := sourceDB.Close(); err != nil {
			logger.Warn("source database close error", zap.Error(err))
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	logger.Info("s3gc shutdown complete")
}

// noopVerifier is used when no CDC backend is configured: every candidate
// is taken at the registry's word, with no DB re-verification gate.
type noopVerifier struct{}

func (noopVerifier) ExistsAnywhere(ctx context.Context, key string) (bool, error) { return false, nil }
func (noopVerifier) Close() error                                                 { return nil }

// watchedColumns flattens the table -> columns map loaded from tables.yaml
// into the flat pair list every consumer (verifier, CDC sources, reconciler)
// expects.
func watchedColumns(tables map[string][]string) []models.WatchedColumn {
	var out []models.WatchedColumn
	for table, columns := range tables {
		for _, column := range columns {
			out = append(out, models.WatchedColumn{Table: table, Column: column})
		}
	}
	return out
}

// openSourceDB opens the database/sql handle the verifier and reconciler
// query against, using the stdlib-compatible driver for the configured
// backend (the CDC ingester's own replication connection is separate).
func openSourceDB(backend, connectionURL string) (*sql.DB, error) {
	switch backend {
	case models.CDCBackendPostgres:
		return dbconn.OpenPostgresStdlib(connectionURL)
	case models.CDCBackendMySQL:
		return dbconn.OpenMySQL(connectionURL)
	default:
		return nil, fmt.Errorf("unsupported cdc backend %q", backend)
	}
}

// runScheduled triggers one GC cycle a day at schedule ("HH:MM", UTC),
// sleeping until the next occurrence after each run. Manual triggers via
// the admin /run endpoint are unaffected; RunCycle's own busy-lock keeps
// the two from overlapping.
func runScheduled(ctx context.Context, schedule string, cycle *gc.Cycle, logger *zap.Logger) {
	for {
		next, err := nextOccurrence(schedule, time.Now().UTC())
		if err != nil {
			logger.Error("invalid schedule, scheduler disabled", zap.String("schedule", schedule), zap.Error(err))
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			logger.Info("scheduled gc cycle triggering")
			if _, err := cycle.RunCycle(ctx); err != nil {
				logger.Error("scheduled gc cycle failed", zap.Error(err))
			}
		}
	}
}

// nextOccurrence parses an "HH:MM" UTC time-of-day and returns the next
// instant it occurs strictly after now.
func nextOccurrence(schedule string, now time.Time) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(schedule, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("parse schedule %q: %w", schedule, err)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("schedule %q out of range", schedule)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	return cfg.Build()
}
