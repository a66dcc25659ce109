package cache

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockCache is a mock implementation of the Cache interface for testing
type MockCache struct {
	mock.Mock
}

func (m *MockCache) GetContext(ctx context.Context, key string) (*ContextResult, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ContextResult), args.Error(1)
}

func (m *MockCache) SetContext(ctx context.Context, documentID, key string, result *ContextResult, ttl time.Duration) error {
	args := m.Called(ctx, documentID, key, result, ttl)
	return args.Error(0)
}

func (m *MockCache) InvalidateDocument(ctx context.Context, documentID string) error {
	args := m.Called(ctx, documentID)
	return args.Error(0)
}

func (m *MockCache) Close() error {
	args := m.Called()
	return args.Error(0)
}
