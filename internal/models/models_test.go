package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchedColumnString(t *testing.T) {
	w := WatchedColumn{Table: "documents", Column: "attachment_key"}
	assert.Equal(t, "documents.attachment_key", w.String())
}

func TestVaultRecordHasBackup(t *testing.T) {
	tests := []struct {
		name     string
		rec      VaultRecord
		expected bool
	}{
		{
			name:     "has backup when hash and path set",
			rec:      VaultRecord{ContentHash: "deadbeef", BlobPath: "blobs/de/deadbeef"},
			expected: true,
		},
		{
			name:     "no backup for audit-only record",
			rec:      VaultRecord{ContentHash: "", BlobPath: ""},
			expected: false,
		},
		{
			name:     "no backup when only hash set",
			rec:      VaultRecord{ContentHash: "deadbeef", BlobPath: ""},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.rec.HasBackup())
		})
	}
}

func TestVaultRecordIsRestored(t *testing.T) {
	rec := VaultRecord{}
	assert.False(t, rec.IsRestored())

	now := time.Now()
	rec.RestoredAt = &now
	assert.True(t, rec.IsRestored())
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "dry_run", ModeDryRun)
	assert.Equal(t, "audit_only", ModeAuditOnly)
	assert.Equal(t, "execute", ModeExecute)
	assert.Equal(t, "postgres", CDCBackendPostgres)
	assert.Equal(t, "mysql", CDCBackendMySQL)
}
