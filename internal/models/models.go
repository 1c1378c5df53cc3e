// Package models defines the data structures used throughout the s3gc service.
package models

import (
	"time"
)

// GC modes.
const (
	ModeDryRun    = "dry_run"
	ModeAuditOnly = "audit_only"
	ModeExecute   = "execute"
)

// GC cycle states.
const (
	CycleStatePending   = "pending"
	CycleStateListing   = "listing"
	CycleStateVerifying = "verifying"
	CycleStateActing    = "acting"
	CycleStateClosed    = "closed"
)

// GC cycle outcome statuses, recorded once an operation is closed.
const (
	CycleStatusSuccess   = "success"
	CycleStatusCancelled = "cancelled"
	CycleStatusError     = "error"
)

// CDC backend identifiers.
const (
	CDCBackendPostgres = "postgres"
	CDCBackendMySQL    = "mysql"
)

// WatchedColumn identifies one (table, column) pair whose string values are
// treated as references to object store keys.
type WatchedColumn struct {
	Table  string
	Column string
}

// String renders the pair as "table.column" for logging and slot naming.
func (w WatchedColumn) String() string {
	return w.Table + "." + w.Column
}

// RegistryEntry mirrors one row of the reference registry: a key and the
// number of live rows currently pointing at it.
type RegistryEntry struct {
	Key         string    `json:"key"`
	RefCount    uint64    `json:"ref_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Delta is one registry mutation carried by a CDC batch. Sign is +1 for a
// row insert/update introducing a reference, -1 for a row update/delete
// removing one.
type Delta struct {
	Key    string
	Sign   int
	Table  string
	Column string
}

// Checkpoint is the durable CDC stream position. It is persisted in the
// same transaction as the deltas it covers.
type Checkpoint struct {
	Stream   string `json:"stream"`
	Cursor   string `json:"cursor"`
	Sequence int64  `json:"sequence"`
}

// GCOperation is the audit header for one GC cycle.
type GCOperation struct {
	OperationID string     `json:"operation_id"`
	Mode        string     `json:"mode"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status,omitempty"`

	CandidatesFound int `json:"candidates_found"`
	VerifiedOrphans int `json:"verified_orphans"`
	DeletedCount    int `json:"deleted_count"`
	ErrorCount      int `json:"error_count"`
}

// VaultRecord is the immutable audit row describing one deletion. Records
// written under audit_only mode carry no backup: ContentHash and BlobPath
// are empty and HasBackup reports false.
type VaultRecord struct {
	OperationID        string     `json:"operation_id"`
	S3Key               string     `json:"s3_key"`
	OriginalSize        int64      `json:"original_size"`
	StoredSize          int64      `json:"stored_size"`
	Codec                string     `json:"codec"`
	ContentHash          string     `json:"content_hash"`
	BlobPath             string     `json:"blob_path"`
	DeletedAt            time.Time  `json:"deleted_at"`
	RestoredAt           *time.Time `json:"restored_at,omitempty"`
	RestoreOperationID   *string    `json:"restore_operation_id,omitempty"`
}

// HasBackup reports whether the record has a readable blob on disk.
func (v *VaultRecord) HasBackup() bool {
	return v.ContentHash != "" && v.BlobPath != ""
}

// IsRestored reports whether the record has already been restored.
func (v *VaultRecord) IsRestored() bool {
	return v.RestoredAt != nil
}

// MaxReportedErrors bounds the per-object error list on a GCResult; past
// this the cycle keeps counting errors but stops appending messages.
const MaxReportedErrors = 1000

// GCResult is the outcome returned from one GC cycle invocation.
type GCResult struct {
	OperationID     string    `json:"operation_id"`
	Mode            string    `json:"mode"`
	Status          string    `json:"status"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	CandidatesFound int       `json:"candidates_found"`
	VerifiedOrphans int       `json:"verified_orphans"`
	DeletedCount    int       `json:"deleted_count"`
	Errors          []string  `json:"errors"`
	ErrorCount      int       `json:"error_count"`
}

// RestoreResult is the outcome of a restore invocation.
type RestoreResult struct {
	RestoreOperationID string   `json:"restore_operation_id"`
	RestoredCount       int      `json:"restored_count"`
	SkippedCount         int      `json:"skipped_count"`
	Errors               []string `json:"errors"`
}

// RebuildResult is the outcome of a full-scan registry rebuild.
type RebuildResult struct {
	KeysScanned int           `json:"keys_scanned"`
	Duration    time.Duration `json:"duration_ns"`
}

// MetricsSnapshot is the JSON aggregate returned by the admin metrics
// endpoint, drawn from the vault and registry rather than the Prometheus
// exposition format.
type MetricsSnapshot struct {
	TotalRuns         int64 `json:"total_runs"`
	TotalDeleted      int64 `json:"total_deleted"`
	RegistrySizeBytes int64 `json:"registry_size_bytes"`
	VaultSizeBytes    int64 `json:"vault_size_bytes"`
}

// ListedObject is one entry returned by the object store's paginated listing.
type ListedObject struct {
	Key          string
	Size         int64
	LastModified time.Time
	HasTimestamp bool
}

// HealthResponse is returned by the admin /admin/s3gc/health endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	Timestamp       string `json:"timestamp"`
	VaultAccessible bool   `json:"vault_accessible"`
	StoreReachable  bool   `json:"store_reachable"`
	CDCConnected    bool   `json:"cdc_connected"`
}

// ReadinessResponse is returned by the /ready readiness endpoint.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// StatusResponse is returned by the admin status endpoint.
type StatusResponse struct {
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	TotalRuns    int64      `json:"total_runs"`
	TotalDeleted int64      `json:"total_deleted"`
	Mode         string     `json:"mode"`
}
