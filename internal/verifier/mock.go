package verifier

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockVerifier is a testify/mock implementation of the Verifier interface.
type MockVerifier struct {
	mock.Mock
}

var _ Verifier = (*MockVerifier)(nil)

func (m *MockVerifier) ExistsAnywhere(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockVerifier) Close() error {
	args := m.Called()
	return args.Error(0)
}
