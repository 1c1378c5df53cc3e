// Package vault defines the storage interface and implementations for the
// audit vault: the permanent, append-only record of every object the GC
// cycle has backed up and deleted, plus the GC operation headers that frame
// each cycle.
package vault

import (
	"context"
	"errors"
	"time"

	"github.com/bryonbaker/s3gc/internal/models"
)

// ErrConflict is returned by RecordDeletion when a record already exists
// for the given (operation_id, s3_key) pair.
var ErrConflict = errors.New("vault: record already exists for this operation and key")

// ErrAlreadyRestored is returned by MarkRestored when the record has
// already been restored once.
var ErrAlreadyRestored = errors.New("vault: record already restored")

// ErrNotFound is returned when a lookup finds no matching record.
var ErrNotFound = errors.New("vault: record not found")

// OperationCounters are the aggregate counters written at EndOperation.
type OperationCounters struct {
	CandidatesFound int
	VerifiedOrphans int
	DeletedCount    int
	ErrorCount      int
	Status          string
}

// Vault defines the contract for persistent storage of GC operation headers
// and the deletion audit trail. Implementations must be safe for concurrent
// use by multiple goroutines.
type Vault interface {
	// Close releases any resources held by the underlying connection.
	Close() error

	// Ping verifies the connection is still alive.
	Ping() error

	// BeginOperation persists a cycle-started header row. configDigest is
	// an opaque fingerprint of the configuration in effect for this run,
	// recorded for audit purposes.
	BeginOperation(ctx context.Context, operationID, mode, configDigest string, startedAt time.Time) error

	// RecordDeletion writes one audit row for a deleted (or audit_only
	// recorded) object. Returns ErrConflict if (operation_id, s3_key)
	// already exists.
	RecordDeletion(ctx context.Context, record models.VaultRecord) error

	// EndOperation writes the aggregate counters and finished_at for an
	// operation, closing it.
	EndOperation(ctx context.Context, operationID string, finishedAt time.Time, counters OperationCounters) error

	// LookupByKey returns the most recent undone (restored_at IS NULL)
	// vault record for key, if one exists.
	LookupByKey(ctx context.Context, key string) (models.VaultRecord, bool, error)

	// LookupByOperation returns every vault record written under
	// operationID.
	LookupByOperation(ctx context.Context, operationID string) ([]models.VaultRecord, error)

	// MarkRestored marks the (operationID, key) record restored under
	// restoreOperationID. Returns ErrAlreadyRestored on repeat, ErrNotFound
	// if no such record exists.
	MarkRestored(ctx context.Context, operationID, key, restoreOperationID string, restoredAt time.Time) error

	// Operation returns the header row for operationID.
	Operation(ctx context.Context, operationID string) (models.GCOperation, bool, error)

	// LastOperation returns the most recently started operation, used by
	// the admin status endpoint.
	LastOperation(ctx context.Context) (models.GCOperation, bool, error)

	// TotalRuns and TotalDeleted across all closed operations, used by the
	// admin status endpoint.
	Totals(ctx context.Context) (totalRuns int64, totalDeleted int64, err error)

	// Size returns the current on-disk size of the vault database in
	// bytes, used for metrics reporting.
	Size(ctx context.Context) (int64, error)

	// ListOperations returns up to limit operations ordered by descending
	// operation_id (newest first, since operation IDs are time-sortable
	// ULIDs), starting strictly after cursor. An empty cursor starts from
	// the most recent operation. The returned cursor is the operation_id
	// of the last item, for use as the next call's cursor; it is empty
	// when no further pages remain.
	ListOperations(ctx context.Context, limit int, cursor string) (ops []models.GCOperation, nextCursor string, err error)
}
