package vault

import (
	"context"
	"time"

	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockVault is a testify/mock implementation of the Vault interface.
type MockVault struct {
	mock.Mock
}

var _ Vault = (*MockVault)(nil)

func (m *MockVault) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockVault) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockVault) BeginOperation(ctx context.Context, operationID, mode, configDigest string, startedAt time.Time) error {
	args := m.Called(ctx, operationID, mode, configDigest, startedAt)
	return args.Error(0)
}

func (m *MockVault) RecordDeletion(ctx context.Context, record models.VaultRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockVault) EndOperation(ctx context.Context, operationID string, finishedAt time.Time, counters OperationCounters) error {
	args := m.Called(ctx, operationID, finishedAt, counters)
	return args.Error(0)
}

func (m *MockVault) LookupByKey(ctx context.Context, key string) (models.VaultRecord, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(models.VaultRecord), args.Bool(1), args.Error(2)
}

func (m *MockVault) LookupByOperation(ctx context.Context, operationID string) ([]models.VaultRecord, error) {
	args := m.Called(ctx, operationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.VaultRecord), args.Error(1)
}

func (m *MockVault) MarkRestored(ctx context.Context, operationID, key, restoreOperationID string, restoredAt time.Time) error {
	args := m.Called(ctx, operationID, key, restoreOperationID, restoredAt)
	return args.Error(0)
}

func (m *MockVault) Operation(ctx context.Context, operationID string) (models.GCOperation, bool, error) {
	args := m.Called(ctx, operationID)
	return args.Get(0).(models.GCOperation), args.Bool(1), args.Error(2)
}

func (m *MockVault) LastOperation(ctx context.Context) (models.GCOperation, bool, error) {
	args := m.Called(ctx)
	return args.Get(0).(models.GCOperation), args.Bool(1), args.Error(2)
}

func (m *MockVault) Totals(ctx context.Context) (int64, int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockVault) Size(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockVault) ListOperations(ctx context.Context, limit int, cursor string) ([]models.GCOperation, string, error) {
	args := m.Called(ctx, limit, cursor)
	if args.Get(0) == nil {
		return nil, args.String(1), args.Error(2)
	}
	return args.Get(0).([]models.GCOperation), args.String(1), args.Error(2)
}
