// Package restore implements the restore engine (C8): reversing a prior
// backup-then-delete by decompressing vault blobs and writing them back to
// the bucket under their original key.
package restore

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/bryonbaker/s3gc/internal/compressor"
	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/bryonbaker/s3gc/internal/objectstore"
	"github.com/bryonbaker/s3gc/internal/vault"
)

// ErrNoBackup is returned when a restore is attempted against a record
// written in audit_only mode, which has no blob to restore from.
var ErrNoBackup = errors.New("restore: record has no backup to restore from")

// Engine implements RestoreOperation and RestoreSingleKey on top of the
// vault's audit trail and the object store client.
type Engine struct {
	vlt    vault.Vault
	store  objectstore.Store
	logger *zap.Logger

	ulidMu sync.Mutex
}

// NewEngine constructs a restore Engine.
func NewEngine(vlt vault.Vault, store objectstore.Store, logger *zap.Logger) *Engine {
	return &Engine{vlt: vlt, store: store, logger: logger}
}

func (e *Engine) newRestoreOperationID() string {
	e.ulidMu.Lock()
	defer e.ulidMu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return id.String()
}

// RestoreOperation restores every undone vault record written under
// operationID. skipExisting causes a HEAD pre-check: a key already present
// in the bucket is skipped (counted, not marked restored). dryRun reports
// what would happen without writing anything.
func (e *Engine) RestoreOperation(ctx context.Context, operationID string, dryRun, skipExisting bool) (models.RestoreResult, error) {
	records, err := e.vlt.LookupByOperation(ctx, operationID)
	if err != nil {
		return models.RestoreResult{}, fmt.Errorf("restore: lookup operation %s: %w", operationID, err)
	}

	restoreOperationID := e.newRestoreOperationID()
	result := models.RestoreResult{RestoreOperationID: restoreOperationID}

	for _, record := range records {
		if record.IsRestored() {
			continue
		}
		if err := e.restoreRecord(ctx, record, restoreOperationID, dryRun, skipExisting, &result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.S3Key, err))
		}
	}

	return result, nil
}

// RestoreSingleKey restores the most recent undone vault record for key.
func (e *Engine) RestoreSingleKey(ctx context.Context, key string, dryRun bool) (models.RestoreResult, error) {
	record, ok, err := e.vlt.LookupByKey(ctx, key)
	if err != nil {
		return models.RestoreResult{}, fmt.Errorf("restore: lookup key %s: %w", key, err)
	}
	if !ok {
		return models.RestoreResult{}, vault.ErrNotFound
	}

	restoreOperationID := e.newRestoreOperationID()
	result := models.RestoreResult{RestoreOperationID: restoreOperationID}

	if err := e.restoreRecord(ctx, record, restoreOperationID, dryRun, false, &result); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.S3Key, err))
		return result, nil
	}
	return result, nil
}

func (e *Engine) restoreRecord(ctx context.Context, record models.VaultRecord, restoreOperationID string, dryRun, skipExisting bool, result *models.RestoreResult) error {
	if !record.HasBackup() {
		return ErrNoBackup
	}

	if skipExisting {
		exists, err := e.store.Head(ctx, record.S3Key)
		if err != nil {
			return fmt.Errorf("head check: %w", err)
		}
		if exists {
			result.SkippedCount++
			return nil
		}
	}

	if dryRun {
		result.RestoredCount++
		return nil
	}

	blob, err := os.Open(record.BlobPath)
	if err != nil {
		return fmt.Errorf("open blob: %w", err)
	}
	defer blob.Close()

	var decompressed bytes.Buffer
	hash, err := compressor.Decompress(&decompressed, blob, compressor.Codec(record.Codec))
	if err != nil {
		return fmt.Errorf("decompress: %w", err)
	}
	if hash != record.ContentHash {
		return fmt.Errorf("content hash mismatch: expected %s, got %s", record.ContentHash, hash)
	}

	if err := e.store.Put(ctx, record.S3Key, bytes.NewReader(decompressed.Bytes()), int64(decompressed.Len())); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	restoredAt := time.Now().UTC()
	if err := e.vlt.MarkRestored(ctx, record.OperationID, record.S3Key, restoreOperationID, restoredAt); err != nil {
		if errors.Is(err, vault.ErrAlreadyRestored) {
			return nil
		}
		return fmt.Errorf("mark restored: %w", err)
	}

	result.RestoredCount++
	return nil
}
