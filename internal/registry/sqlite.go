package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bryonbaker/s3gc/internal/models"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// SQLiteRegistry implements Registry using SQLite with the go-sqlite3
// driver. All writes are serialized through a single connection so WAL
// mode behaves correctly for an embedded database.
type SQLiteRegistry struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Registry = (*SQLiteRegistry)(nil)

// NewSQLiteRegistry opens (or creates) a SQLite database at dbPath, applies
// PRAGMAs for WAL mode, incremental auto-vacuum, foreign keys, and a busy
// timeout, then creates the registry_entries and cdc_checkpoints tables if
// they do not already exist.
func NewSQLiteRegistry(dbPath string, logger *zap.Logger) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	r := &SQLiteRegistry{
		db:     db,
		logger: logger,
	}

	if err := r.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := r.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("registry database initialised", zap.String("path", dbPath))
	return r, nil
}

func (r *SQLiteRegistry) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := r.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (r *SQLiteRegistry) createSchema() error {
	const createEntries = `
CREATE TABLE IF NOT EXISTS registry_entries (
    key           TEXT PRIMARY KEY,
    ref_count     INTEGER NOT NULL DEFAULT 0,
    first_seen_at TEXT NOT NULL,
    last_seen_at  TEXT NOT NULL
);`

	const createCheckpoints = `
CREATE TABLE IF NOT EXISTS cdc_checkpoints (
    stream     TEXT PRIMARY KEY,
    cursor     TEXT NOT NULL,
    sequence   INTEGER NOT NULL,
    updated_at TEXT NOT NULL
);`

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_registry_ref_count ON registry_entries (ref_count);`,
		`CREATE INDEX IF NOT EXISTS idx_registry_last_seen ON registry_entries (last_seen_at);`,
	}

	if _, err := r.db.Exec(createEntries); err != nil {
		return fmt.Errorf("create registry_entries: %w", err)
	}
	if _, err := r.db.Exec(createCheckpoints); err != nil {
		return fmt.Errorf("create cdc_checkpoints: %w", err)
	}
	for _, idx := range indexes {
		if _, err := r.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// Ping verifies the database connection is alive.
func (r *SQLiteRegistry) Ping() error {
	return r.db.Ping()
}

// ApplyBatch commits deltas and their covering checkpoint in one
// transaction. Per spec, a checkpoint is only persisted after all deltas up
// to that position have been committed in the same transaction. Deltas that
// underflow (would drop a key's count below zero) are clamped to zero and
// their keys are returned so the caller can log the swallowed condition.
func (r *SQLiteRegistry) ApplyBatch(ctx context.Context, batch DeltaBatch) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	var underflowed []string
	for _, d := range batch.Deltas {
		clamped, err := applyDelta(ctx, tx, d, now)
		if err != nil {
			return nil, fmt.Errorf("apply delta for key %q: %w", d.Key, err)
		}
		if clamped {
			underflowed = append(underflowed, d.Key)
		}
	}

	if batch.Checkpoint.Stream != "" {
		const upsert = `
INSERT INTO cdc_checkpoints (stream, cursor, sequence, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(stream) DO UPDATE SET
    cursor = excluded.cursor,
    sequence = excluded.sequence,
    updated_at = excluded.updated_at
WHERE excluded.sequence >= cdc_checkpoints.sequence`
		if _, err := tx.ExecContext(ctx, upsert,
			batch.Checkpoint.Stream, batch.Checkpoint.Cursor, batch.Checkpoint.Sequence, now,
		); err != nil {
			return nil, fmt.Errorf("upsert checkpoint: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return underflowed, nil
}

// applyDelta updates or lazily creates the registry row for one delta,
// clamping ref_count at zero. It reads the current count first so it can
// report whether the delta underflowed, per spec §4.1's RegistryUnderflow.
func applyDelta(ctx context.Context, tx *sql.Tx, d models.Delta, now string) (underflowed bool, err error) {
	var current uint64
	err = tx.QueryRowContext(ctx, `SELECT ref_count FROM registry_entries WHERE key = ?`, d.Key).Scan(&current)
	switch {
	case err == sql.ErrNoRows:
		initial := d.Sign
		underflowed = initial < 0
		if underflowed {
			initial = 0
		}
		const insert = `
INSERT INTO registry_entries (key, ref_count, first_seen_at, last_seen_at)
VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insert, d.Key, initial, now, now); err != nil {
			return false, fmt.Errorf("insert: %w", err)
		}
		return underflowed, nil
	case err != nil:
		return false, fmt.Errorf("select current count: %w", err)
	}

	next := int64(current) + int64(d.Sign)
	underflowed = next < 0
	if underflowed {
		next = 0
	}
	const update = `
UPDATE registry_entries
SET ref_count = ?, last_seen_at = ?
WHERE key = ?`
	if _, err := tx.ExecContext(ctx, update, uint64(next), now, d.Key); err != nil {
		return false, fmt.Errorf("update: %w", err)
	}
	return underflowed, nil
}

// CountOf returns the current reference count for key.
func (r *SQLiteRegistry) CountOf(ctx context.Context, key string) (uint64, bool, error) {
	var count uint64
	err := r.db.QueryRowContext(ctx, `SELECT ref_count FROM registry_entries WHERE key = ?`, key).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("count of %q: %w", key, err)
	}
	return count, true, nil
}

// LastSeenAt returns the registry entry for key, if one exists.
func (r *SQLiteRegistry) LastSeenAt(ctx context.Context, key string) (models.RegistryEntry, bool, error) {
	var entry models.RegistryEntry
	var firstSeen, lastSeen string
	row := r.db.QueryRowContext(ctx,
		`SELECT key, ref_count, first_seen_at, last_seen_at FROM registry_entries WHERE key = ?`, key)
	err := row.Scan(&entry.Key, &entry.RefCount, &firstSeen, &lastSeen)
	if err == sql.ErrNoRows {
		return models.RegistryEntry{}, false, nil
	}
	if err != nil {
		return models.RegistryEntry{}, false, fmt.Errorf("last seen of %q: %w", key, err)
	}
	entry.FirstSeenAt, err = time.Parse(time.RFC3339Nano, firstSeen)
	if err != nil {
		return models.RegistryEntry{}, false, fmt.Errorf("parse first_seen_at: %w", err)
	}
	entry.LastSeenAt, err = time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return models.RegistryEntry{}, false, fmt.Errorf("parse last_seen_at: %w", err)
	}
	return entry, true, nil
}

// Rebuild replaces the registry contents for all supplied entries
// atomically; keys not present in entries are left untouched.
func (r *SQLiteRegistry) Rebuild(ctx context.Context, entries []RebuildEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	const upsert = `
INSERT INTO registry_entries (key, ref_count, first_seen_at, last_seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    ref_count = excluded.ref_count,
    last_seen_at = excluded.last_seen_at`

	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("prepare rebuild upsert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Count, now, now); err != nil {
			return fmt.Errorf("rebuild key %q: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebuild: %w", err)
	}
	return nil
}

// Checkpoint returns the last committed checkpoint for stream.
func (r *SQLiteRegistry) Checkpoint(ctx context.Context, stream string) (models.Checkpoint, bool, error) {
	var cp models.Checkpoint
	row := r.db.QueryRowContext(ctx,
		`SELECT stream, cursor, sequence FROM cdc_checkpoints WHERE stream = ?`, stream)
	err := row.Scan(&cp.Stream, &cp.Cursor, &cp.Sequence)
	if err == sql.ErrNoRows {
		return models.Checkpoint{}, false, nil
	}
	if err != nil {
		return models.Checkpoint{}, false, fmt.Errorf("checkpoint for %q: %w", stream, err)
	}
	return cp, true, nil
}

// Size returns the current on-disk size of the registry database in bytes.
func (r *SQLiteRegistry) Size(ctx context.Context) (int64, error) {
	var pageCount int64
	if err := r.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	var pageSize int64
	if err := r.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pageCount * pageSize, nil
}
