// Package reconciler implements the periodic full-scan rebuild of the
// reference registry: it queries every watched (table, column) pair
// directly against the source database, aggregates per-key reference
// counts, and writes them to the registry via Registry.Rebuild; keys the
// scan does not find keep their current count. This is
// the out-of-band path that corrects drift the CDC stream cannot catch on
// its own (a dropped WAL segment, a CDC outage spanning a restart).
package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/bryonbaker/s3gc/internal/config"
	"github.com/bryonbaker/s3gc/internal/metrics"
	"github.com/bryonbaker/s3gc/internal/registry"
)

// validIdentifier matches the table/column names the full scan is willing
// to interpolate into SQL. Table and column names come from the operator's
// own tables.yaml, not request input, but an unescaped identifier is still
// not allowed to reach a query string.
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Reconciler periodically scans the source database for the current set of
// live references and rebuilds the registry from the result.
type Reconciler struct {
	db      *sql.DB
	reg     registry.Registry
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewReconciler creates a new Reconciler with the provided dependencies.
func NewReconciler(db *sql.DB, reg registry.Registry, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		db:      db,
		reg:     reg,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

// Start begins the reconciliation loop at the configured interval. If
// cfg.Reconcile.OnStartup is true, an initial rebuild runs immediately. The
// loop stops when ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("reconciler started",
		zap.Duration("interval", r.cfg.Reconcile.Interval.Duration),
		zap.Bool("on_startup", r.cfg.Reconcile.OnStartup),
	)

	if r.cfg.Reconcile.OnStartup {
		if _, err := r.Reconcile(ctx); err != nil {
			r.logger.Error("startup reconciliation failed", zap.Error(err))
		}
	}

	ticker := time.NewTicker(r.cfg.Reconcile.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("reconciliation failed", zap.Error(err))
			}
		}
	}
}

// Reconcile performs one full-scan rebuild: it counts live references for
// every watched column, then atomically sets each found key's count in the
// registry via Rebuild; keys the scan did not find are left untouched. It
// returns the number of distinct keys the scan found.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	start := time.Now()

	entries, err := r.scan(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconciler: scan: %w", err)
	}

	if err := r.reg.Rebuild(ctx, entries); err != nil {
		return 0, fmt.Errorf("reconciler: rebuild: %w", err)
	}

	duration := time.Since(start)
	r.metrics.RegistryRebuildDuration.Observe(duration.Seconds())
	r.metrics.RegistryKeysTotal.Set(float64(len(entries)))

	r.logger.Info("reconciliation completed",
		zap.Int("keys", len(entries)),
		zap.Duration("duration", duration),
	)
	return len(entries), nil
}

// scan queries every watched (table, column) pair and aggregates the
// result into one reference count per key. A key referenced by more than
// one watched column accumulates counts from each.
func (r *Reconciler) scan(ctx context.Context) ([]registry.RebuildEntry, error) {
	counts := make(map[string]uint64)

	for table, columns := range r.cfg.Tables.Tables {
		if !validIdentifier.MatchString(table) {
			return nil, fmt.Errorf("watched table name %q is not a valid identifier", table)
		}
		for _, column := range columns {
			if !validIdentifier.MatchString(column) {
				return nil, fmt.Errorf("watched column name %q is not a valid identifier", column)
			}
			if err := r.scanColumn(ctx, table, column, counts); err != nil {
				return nil, fmt.Errorf("scanning %s.%s: %w", table, column, err)
			}
		}
	}

	entries := make([]registry.RebuildEntry, 0, len(counts))
	for key, count := range counts {
		entries = append(entries, registry.RebuildEntry{Key: key, Count: count})
	}
	return entries, nil
}

func (r *Reconciler) scanColumn(ctx context.Context, table, column string, counts map[string]uint64) error {
	query := fmt.Sprintf(
		`SELECT %s, COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s <> '' GROUP BY %s`,
		column, table, column, column, column,
	)

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count uint64
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		counts[key] += count
	}
	return rows.Err()
}
