// Package registry defines the storage interface and implementations for the
// reference registry: the running per-key count of live rows that reference
// each object store key, fed by CDC deltas and rebuildable by a full scan.
package registry

import (
	"context"

	"github.com/bryonbaker/s3gc/internal/models"
)

// DeltaBatch is a set of registry deltas that must be applied together with
// a checkpoint update, in one transaction.
type DeltaBatch struct {
	Deltas     []models.Delta
	Checkpoint models.Checkpoint
}

// RebuildEntry is one (key, expected ref count) pair supplied during a
// full-scan rebuild.
type RebuildEntry struct {
	Key   string
	Count uint64
}

// Registry defines the contract for persistent storage of reference counts.
// Implementations must be safe for concurrent use by multiple goroutines.
type Registry interface {
	// Close releases any resources held by the underlying connection.
	Close() error

	// Ping verifies the connection is still alive.
	Ping() error

	// ApplyBatch commits a batch of deltas and the checkpoint that covers
	// them in a single transaction. Keys are created lazily on first
	// positive delta; ref_count never drops below zero. Any delta that
	// would have taken a key's count below zero is clamped to zero and its
	// key is returned in underflowed, in delta order, so CDC callers can
	// log the swallowed RegistryUnderflow condition per spec §4.1/§7.
	ApplyBatch(ctx context.Context, batch DeltaBatch) (underflowed []string, err error)

	// CountOf returns the current reference count for key. A key never
	// observed returns (0, false).
	CountOf(ctx context.Context, key string) (uint64, bool, error)

	// LastSeenAt returns the registry entry for key, including its
	// first_seen_at/last_seen_at timestamps. A key never observed returns
	// the zero entry and false.
	LastSeenAt(ctx context.Context, key string) (seenAt models.RegistryEntry, ok bool, err error)

	// Rebuild replaces the registry contents atomically for all keys
	// supplied by entries: each listed key's ref_count is set to its
	// supplied count and its last_seen_at is refreshed; first_seen_at is
	// set only for keys that had no row yet. Any
	// key not present in entries is left untouched. Used only by full-scan
	// rebuilds, never by the CDC ingest path.
	Rebuild(ctx context.Context, entries []RebuildEntry) error

	// Checkpoint returns the last committed checkpoint for stream, or
	// (zero value, false) if none has been committed yet.
	Checkpoint(ctx context.Context, stream string) (models.Checkpoint, bool, error)

	// Size returns the current on-disk size of the registry database in
	// bytes, used for metrics reporting.
	Size(ctx context.Context) (int64, error)
}
