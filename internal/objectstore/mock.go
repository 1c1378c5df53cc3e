package objectstore

import (
	"context"
	"io"

	"github.com/bryonbaker/s3gc/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockStore is a testify/mock implementation of the Store interface.
type MockStore struct {
	mock.Mock
}

var _ Store = (*MockStore)(nil)

func (m *MockStore) ListKeys(ctx context.Context) (<-chan models.ListedObject, <-chan error) {
	args := m.Called(ctx)
	return args.Get(0).(<-chan models.ListedObject), args.Get(1).(<-chan error)
}

func (m *MockStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockStore) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	args := m.Called(ctx, key, body, size)
	return args.Error(0)
}

func (m *MockStore) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *MockStore) Head(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) Health(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
