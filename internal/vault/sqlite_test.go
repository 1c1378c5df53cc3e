package vault

import (
	"context"
	"testing"
	"time"

	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestVault creates an in-memory SQLite vault for testing.
func newTestVault(t *testing.T) *SQLiteVault {
	t.Helper()
	logger := zap.NewNop()
	v, err := NewSQLiteVault(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func newTestRecord(opID, key string) models.VaultRecord {
	return models.VaultRecord{
		OperationID:  opID,
		S3Key:        key,
		OriginalSize: 1024,
		StoredSize:   512,
		Codec:        "zstd",
		ContentHash:  "deadbeef",
		BlobPath:     "blobs/" + opID + "/deadbeef.zst",
		DeletedAt:    time.Now().Truncate(time.Second),
	}
}

func TestBeginAndEndOperation(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	started := time.Now().Truncate(time.Second)
	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest-1", started))

	finished := started.Add(time.Minute)
	err := v.EndOperation(ctx, "op-1", finished, OperationCounters{
		CandidatesFound: 3,
		VerifiedOrphans: 2,
		DeletedCount:    2,
		Status:          models.CycleStatusSuccess,
	})
	require.NoError(t, err)

	op, ok, err := v.Operation(ctx, "op-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.ModeExecute, op.Mode)
	assert.Equal(t, 2, op.DeletedCount)
	require.NotNil(t, op.FinishedAt)
	assert.True(t, finished.Equal(*op.FinishedAt))
}

func TestEndOperationUnknownID(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	err := v.EndOperation(ctx, "missing", time.Now(), OperationCounters{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordDeletionAndLookupByKey(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest", time.Now()))

	record := newTestRecord("op-1", "avatars/bob.jpg")
	require.NoError(t, v.RecordDeletion(ctx, record))

	got, ok, err := v.LookupByKey(ctx, "avatars/bob.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.ContentHash, got.ContentHash)
	assert.False(t, got.IsRestored())
}

func TestRecordDeletionRejectsDuplicate(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest", time.Now()))

	record := newTestRecord("op-1", "avatars/bob.jpg")
	require.NoError(t, v.RecordDeletion(ctx, record))

	err := v.RecordDeletion(ctx, record)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestLookupByKeyIgnoresRestoredRecords(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest", time.Now()))

	record := newTestRecord("op-1", "avatars/bob.jpg")
	require.NoError(t, v.RecordDeletion(ctx, record))
	require.NoError(t, v.MarkRestored(ctx, "op-1", "avatars/bob.jpg", "restore-op-1", time.Now()))

	_, ok, err := v.LookupByKey(ctx, "avatars/bob.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkRestoredRejectsRepeat(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest", time.Now()))
	require.NoError(t, v.RecordDeletion(ctx, newTestRecord("op-1", "avatars/bob.jpg")))

	require.NoError(t, v.MarkRestored(ctx, "op-1", "avatars/bob.jpg", "restore-op-1", time.Now()))

	err := v.MarkRestored(ctx, "op-1", "avatars/bob.jpg", "restore-op-2", time.Now())
	assert.ErrorIs(t, err, ErrAlreadyRestored)
}

func TestMarkRestoredUnknownRecord(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	err := v.MarkRestored(ctx, "op-1", "never-existed.jpg", "restore-op-1", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupByOperationReturnsAllRecords(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()
	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest", time.Now()))
	require.NoError(t, v.RecordDeletion(ctx, newTestRecord("op-1", "a.jpg")))
	require.NoError(t, v.RecordDeletion(ctx, newTestRecord("op-1", "b.jpg")))

	records, err := v.LookupByOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestTotalsAcrossClosedOperations(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeExecute, "digest", time.Now()))
	require.NoError(t, v.EndOperation(ctx, "op-1", time.Now(), OperationCounters{DeletedCount: 3}))

	require.NoError(t, v.BeginOperation(ctx, "op-2", models.ModeExecute, "digest", time.Now()))
	require.NoError(t, v.EndOperation(ctx, "op-2", time.Now(), OperationCounters{DeletedCount: 5}))

	require.NoError(t, v.BeginOperation(ctx, "op-3", models.ModeDryRun, "digest", time.Now()))
	// op-3 left open deliberately; must not count toward totals.

	runs, deleted, err := v.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), runs)
	assert.Equal(t, int64(8), deleted)
}

func TestLastOperationReturnsMostRecentlyStarted(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.BeginOperation(ctx, "op-1", models.ModeDryRun, "digest", time.Now().Add(-time.Hour)))
	require.NoError(t, v.BeginOperation(ctx, "op-2", models.ModeExecute, "digest", time.Now()))

	op, ok, err := v.LastOperation(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "op-2", op.OperationID)
}

func TestListOperationsPaginatesByDescendingOperationID(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	for _, id := range []string{"op-1", "op-2", "op-3"} {
		require.NoError(t, v.BeginOperation(ctx, id, models.ModeDryRun, "digest", time.Now()))
	}

	page1, cursor1, err := v.ListOperations(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "op-3", page1[0].OperationID)
	assert.Equal(t, "op-2", page1[1].OperationID)
	assert.Equal(t, "op-2", cursor1)

	page2, cursor2, err := v.ListOperations(ctx, 2, cursor1)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "op-1", page2[0].OperationID)
	assert.Empty(t, cursor2)
}
