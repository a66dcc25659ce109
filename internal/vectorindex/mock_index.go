package vectorindex

import (
	"context"

	"github.com/stretchr/testify/mock"

	"doc-rag/internal/chunker"
	"doc-rag/internal/embeddings"
)

// MockIndex is a mock implementation of Index using testify/mock.
type MockIndex struct {
	mock.Mock
}

func (m *MockIndex) Add(ctx context.Context, documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector) (int, error) {
	args := m.Called(ctx, documentID, chunks, vectors)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) Search(ctx context.Context, query embeddings.Vector, documentIDs []string, k int) ([]Result, error) {
	args := m.Called(ctx, query, documentIDs, k)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Result), args.Error(1)
}

func (m *MockIndex) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	args := m.Called(ctx, documentID)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) Count(ctx context.Context, documentID string) (int, error) {
	args := m.Called(ctx, documentID)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) Records(ctx context.Context, documentID string) ([]Record, error) {
	args := m.Called(ctx, documentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Record), args.Error(1)
}

func (m *MockIndex) Close() error {
	args := m.Called()
	return args.Error(0)
}
