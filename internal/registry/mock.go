package registry

import (
	"context"

	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockRegistry is a testify/mock implementation of the Registry interface.
type MockRegistry struct {
	mock.Mock
}

var _ Registry = (*MockRegistry)(nil)

func (m *MockRegistry) Close() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRegistry) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRegistry) ApplyBatch(ctx context.Context, batch DeltaBatch) ([]string, error) {
	args := m.Called(ctx, batch)
	underflowed, _ := args.Get(0).([]string)
	return underflowed, args.Error(1)
}

func (m *MockRegistry) CountOf(ctx context.Context, key string) (uint64, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(uint64), args.Bool(1), args.Error(2)
}

func (m *MockRegistry) LastSeenAt(ctx context.Context, key string) (models.RegistryEntry, bool, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(models.RegistryEntry), args.Bool(1), args.Error(2)
}

func (m *MockRegistry) Rebuild(ctx context.Context, entries []RebuildEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockRegistry) Checkpoint(ctx context.Context, stream string) (models.Checkpoint, bool, error) {
	args := m.Called(ctx, stream)
	return args.Get(0).(models.Checkpoint), args.Bool(1), args.Error(2)
}

func (m *MockRegistry) Size(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}
