package store

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) GetDocument(ctx context.Context, id string) (Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) SetRAGState(ctx context.Context, id string, state RAGState) error {
	args := m.Called(ctx, id, state)
	return args.Error(0)
}

func (m *MockStore) ReplaceChunks(ctx context.Context, docID string, chunks []DocumentChunk) error {
	args := m.Called(ctx, docID, chunks)
	return args.Error(0)
}

func (m *MockStore) ListChunks(ctx context.Context, docID string) ([]DocumentChunk, error) {
	args := m.Called(ctx, docID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]DocumentChunk), args.Error(1)
}

func (m *MockStore) DeleteChunks(ctx context.Context, docID string) (int, error) {
	args := m.Called(ctx, docID)
	return args.Int(0), args.Error(1)
}

func (m *MockStore) AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error) {
	args := m.Called(ctx, entry)
	return args.Get(0).(LogEntry), args.Error(1)
}

func (m *MockStore) ListLogs(ctx context.Context, docID string) ([]LogEntry, error) {
	args := m.Called(ctx, docID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]LogEntry), args.Error(1)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
