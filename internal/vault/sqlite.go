package vault

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bryonbaker/s3gc/internal/models"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// SQLiteVault implements Vault using SQLite with the go-sqlite3 driver. All
// writes are serialized through a single connection so WAL mode behaves
// correctly for an embedded database.
type SQLiteVault struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Vault = (*SQLiteVault)(nil)

// NewSQLiteVault opens (or creates) the audit database at dbPath, applies
// the same PRAGMAs as the reference registry, and creates the operations
// and vault_records tables if they do not already exist.
func NewSQLiteVault(dbPath string, logger *zap.Logger) (*SQLiteVault, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)

	v := &SQLiteVault{
		db:     db,
		logger: logger,
	}

	if err := v.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := v.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("vault database initialised", zap.String("path", dbPath))
	return v, nil
}

func (v *SQLiteVault) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := v.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (v *SQLiteVault) createSchema() error {
	const createOperations = `
CREATE TABLE IF NOT EXISTS operations (
    operation_id     TEXT PRIMARY KEY,
    mode             TEXT NOT NULL,
    config_digest    TEXT NOT NULL,
    started_at       TEXT NOT NULL,
    finished_at      TEXT,
    status           TEXT NOT NULL DEFAULT '',
    candidates_found INTEGER NOT NULL DEFAULT 0,
    verified_orphans INTEGER NOT NULL DEFAULT 0,
    deleted_count    INTEGER NOT NULL DEFAULT 0,
    error_count      INTEGER NOT NULL DEFAULT 0
);`

	const createRecords = `
CREATE TABLE IF NOT EXISTS vault_records (
    operation_id         TEXT NOT NULL,
    s3_key               TEXT NOT NULL,
    original_size        INTEGER NOT NULL,
    stored_size          INTEGER NOT NULL,
    codec                TEXT NOT NULL DEFAULT '',
    content_hash         TEXT NOT NULL DEFAULT '',
    blob_path            TEXT NOT NULL DEFAULT '',
    deleted_at           TEXT NOT NULL,
    restored_at          TEXT,
    restore_operation_id TEXT,
    PRIMARY KEY (operation_id, s3_key),
    FOREIGN KEY (operation_id) REFERENCES operations(operation_id)
);`

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_vault_records_key ON vault_records (s3_key, restored_at);`,
		`CREATE INDEX IF NOT EXISTS idx_operations_started ON operations (started_at);`,
	}

	if _, err := v.db.Exec(createOperations); err != nil {
		return fmt.Errorf("create operations: %w", err)
	}
	if _, err := v.db.Exec(createRecords); err != nil {
		return fmt.Errorf("create vault_records: %w", err)
	}
	for _, idx := range indexes {
		if _, err := v.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (v *SQLiteVault) Close() error {
	return v.db.Close()
}

// Ping verifies the database connection is alive.
func (v *SQLiteVault) Ping() error {
	return v.db.Ping()
}

// BeginOperation persists a cycle-started header row.
func (v *SQLiteVault) BeginOperation(ctx context.Context, operationID, mode, configDigest string, startedAt time.Time) error {
	const insert = `
INSERT INTO operations (operation_id, mode, config_digest, started_at)
VALUES (?, ?, ?, ?)`
	_, err := v.db.ExecContext(ctx, insert, operationID, mode, configDigest, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("begin operation %q: %w", operationID, err)
	}
	return nil
}

// RecordDeletion writes one audit row, rejecting a duplicate
// (operation_id, s3_key) with ErrConflict.
func (v *SQLiteVault) RecordDeletion(ctx context.Context, record models.VaultRecord) error {
	const insert = `
INSERT INTO vault_records (
    operation_id, s3_key, original_size, stored_size, codec,
    content_hash, blob_path, deleted_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := v.db.ExecContext(ctx, insert,
		record.OperationID,
		record.S3Key,
		record.OriginalSize,
		record.StoredSize,
		record.Codec,
		record.ContentHash,
		record.BlobPath,
		record.DeletedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrConflict
		}
		return fmt.Errorf("record deletion for %q: %w", record.S3Key, err)
	}
	return nil
}

// EndOperation writes the aggregate counters and finished_at, closing the
// operation.
func (v *SQLiteVault) EndOperation(ctx context.Context, operationID string, finishedAt time.Time, counters OperationCounters) error {
	const update = `
UPDATE operations
SET finished_at = ?, status = ?, candidates_found = ?, verified_orphans = ?,
    deleted_count = ?, error_count = ?
WHERE operation_id = ?`
	res, err := v.db.ExecContext(ctx, update,
		finishedAt.UTC().Format(time.RFC3339Nano),
		counters.Status,
		counters.CandidatesFound,
		counters.VerifiedOrphans,
		counters.DeletedCount,
		counters.ErrorCount,
		operationID,
	)
	if err != nil {
		return fmt.Errorf("end operation %q: %w", operationID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `operation_id, s3_key, original_size, stored_size, codec, content_hash, blob_path, deleted_at, restored_at, restore_operation_id`

// LookupByKey returns the most recent undone vault record for key.
func (v *SQLiteVault) LookupByKey(ctx context.Context, key string) (models.VaultRecord, bool, error) {
	query := fmt.Sprintf(`
SELECT %s FROM vault_records
WHERE s3_key = ? AND restored_at IS NULL
ORDER BY deleted_at DESC
LIMIT 1`, recordColumns)

	row := v.db.QueryRowContext(ctx, query, key)
	record, err := scanVaultRecord(row)
	if err == sql.ErrNoRows {
		return models.VaultRecord{}, false, nil
	}
	if err != nil {
		return models.VaultRecord{}, false, fmt.Errorf("lookup by key %q: %w", key, err)
	}
	return record, true, nil
}

// LookupByOperation returns every vault record written under operationID.
func (v *SQLiteVault) LookupByOperation(ctx context.Context, operationID string) ([]models.VaultRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM vault_records WHERE operation_id = ?`, recordColumns)
	rows, err := v.db.QueryContext(ctx, query, operationID)
	if err != nil {
		return nil, fmt.Errorf("lookup by operation %q: %w", operationID, err)
	}
	defer rows.Close()

	var records []models.VaultRecord
	for rows.Next() {
		record, err := scanVaultRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan vault record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return records, nil
}

// MarkRestored marks the (operationID, key) record restored, enforcing the
// restored_at IS NULL precondition in the WHERE clause so the mutation can
// only ever happen once.
func (v *SQLiteVault) MarkRestored(ctx context.Context, operationID, key, restoreOperationID string, restoredAt time.Time) error {
	const update = `
UPDATE vault_records
SET restored_at = ?, restore_operation_id = ?
WHERE operation_id = ? AND s3_key = ? AND restored_at IS NULL`
	res, err := v.db.ExecContext(ctx, update,
		restoredAt.UTC().Format(time.RFC3339Nano), restoreOperationID, operationID, key,
	)
	if err != nil {
		return fmt.Errorf("mark restored %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists int
	err = v.db.QueryRowContext(ctx,
		`SELECT 1 FROM vault_records WHERE operation_id = ? AND s3_key = ?`, operationID, key,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check existing record: %w", err)
	}
	return ErrAlreadyRestored
}

// Operation returns the header row for operationID.
func (v *SQLiteVault) Operation(ctx context.Context, operationID string) (models.GCOperation, bool, error) {
	row := v.db.QueryRowContext(ctx, `
SELECT operation_id, mode, started_at, finished_at, status,
       candidates_found, verified_orphans, deleted_count, error_count
FROM operations WHERE operation_id = ?`, operationID)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return models.GCOperation{}, false, nil
	}
	if err != nil {
		return models.GCOperation{}, false, fmt.Errorf("operation %q: %w", operationID, err)
	}
	return op, true, nil
}

// LastOperation returns the most recently started operation.
func (v *SQLiteVault) LastOperation(ctx context.Context) (models.GCOperation, bool, error) {
	row := v.db.QueryRowContext(ctx, `
SELECT operation_id, mode, started_at, finished_at, status,
       candidates_found, verified_orphans, deleted_count, error_count
FROM operations ORDER BY started_at DESC LIMIT 1`)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return models.GCOperation{}, false, nil
	}
	if err != nil {
		return models.GCOperation{}, false, fmt.Errorf("last operation: %w", err)
	}
	return op, true, nil
}

// Totals returns the number of closed operations and the sum of their
// deleted_count.
func (v *SQLiteVault) Totals(ctx context.Context) (int64, int64, error) {
	var totalRuns, totalDeleted sql.NullInt64
	err := v.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(deleted_count), 0)
FROM operations WHERE finished_at IS NOT NULL`).Scan(&totalRuns, &totalDeleted)
	if err != nil {
		return 0, 0, fmt.Errorf("totals: %w", err)
	}
	return totalRuns.Int64, totalDeleted.Int64, nil
}

// ListOperations returns up to limit operations ordered by descending
// operation_id, starting strictly after cursor.
func (v *SQLiteVault) ListOperations(ctx context.Context, limit int, cursor string) ([]models.GCOperation, string, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows *sql.Rows
	var err error
	if cursor == "" {
		rows, err = v.db.QueryContext(ctx, `
SELECT operation_id, mode, started_at, finished_at, status,
       candidates_found, verified_orphans, deleted_count, error_count
FROM operations ORDER BY operation_id DESC LIMIT ?`, limit+1)
	} else {
		rows, err = v.db.QueryContext(ctx, `
SELECT operation_id, mode, started_at, finished_at, status,
       candidates_found, verified_orphans, deleted_count, error_count
FROM operations WHERE operation_id < ? ORDER BY operation_id DESC LIMIT ?`, cursor, limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []models.GCOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("list operations: %w", err)
	}

	var nextCursor string
	if len(ops) > limit {
		ops = ops[:limit]
		nextCursor = ops[len(ops)-1].OperationID
	}
	return ops, nextCursor, nil
}

// Size returns the current on-disk size of the vault database in bytes.
func (v *SQLiteVault) Size(ctx context.Context) (int64, error) {
	var pageCount int64
	if err := v.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	var pageSize int64
	if err := v.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanVaultRecord(row rowScanner) (models.VaultRecord, error) {
	var r models.VaultRecord
	var deletedAt string
	var restoredAt, restoreOpID sql.NullString

	err := row.Scan(
		&r.OperationID, &r.S3Key, &r.OriginalSize, &r.StoredSize, &r.Codec,
		&r.ContentHash, &r.BlobPath, &deletedAt, &restoredAt, &restoreOpID,
	)
	if err != nil {
		return models.VaultRecord{}, err
	}

	r.DeletedAt, err = time.Parse(time.RFC3339Nano, deletedAt)
	if err != nil {
		return models.VaultRecord{}, fmt.Errorf("parse deleted_at: %w", err)
	}
	if restoredAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, restoredAt.String)
		if err != nil {
			return models.VaultRecord{}, fmt.Errorf("parse restored_at: %w", err)
		}
		r.RestoredAt = &t
	}
	if restoreOpID.Valid {
		r.RestoreOperationID = &restoreOpID.String
	}
	return r, nil
}

func scanOperation(row rowScanner) (models.GCOperation, error) {
	var op models.GCOperation
	var startedAt string
	var finishedAt sql.NullString

	err := row.Scan(
		&op.OperationID, &op.Mode, &startedAt, &finishedAt, &op.Status,
		&op.CandidatesFound, &op.VerifiedOrphans, &op.DeletedCount, &op.ErrorCount,
	)
	if err != nil {
		return models.GCOperation{}, err
	}

	op.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return models.GCOperation{}, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return models.GCOperation{}, fmt.Errorf("parse finished_at: %w", err)
		}
		op.FinishedAt = &t
	}
	return op, nil
}

func isUniqueConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
