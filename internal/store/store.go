package store

import (
	"context"
	"fmt"
	"time"

	"doc-rag/internal/domain"
)

// RAGStatus is the ingestion state of a document.
type RAGStatus string

const (
	StatusNotApplicable RAGStatus = "not_applicable"
	StatusPending       RAGStatus = "pending"
	StatusProcessing    RAGStatus = "processing"
	StatusCompleted     RAGStatus = "completed"
	StatusFailed        RAGStatus = "failed"
)

// Stage names a step of the ingestion pipeline in the processing log.
type Stage string

const (
	StageUpload    Stage = "upload"
	StageStart     Stage = "start"
	StageParsing   Stage = "parsing"
	StageChunking  Stage = "chunking"
	StageEmbedding Stage = "embedding"
	StageIndexing  Stage = "indexing"
	StageComplete  Stage = "complete"
	StageFailed    Stage = "failed"
	StagePurge     Stage = "purge"
	StageReconcile Stage = "reconcile"
)

// LogStatus is the outcome recorded by a log entry.
type LogStatus string

const (
	LogPending LogStatus = "pending"
	LogSuccess LogStatus = "success"
	LogError   LogStatus = "error"
)

var ErrDocumentNotFound = fmt.Errorf("document %w", domain.ErrNotFound)

type Document struct {
	ID          string
	Filename    string
	ContentType string
	ObjectKey   string
	RAGStatus   RAGStatus
	RAGError    string
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RAGState is the mutable ingestion part of a document.
type RAGState struct {
	Status     RAGStatus
	Error      string
	ChunkCount int
}

// DocumentChunk is the relational record of one indexed chunk.
type DocumentChunk struct {
	ID             string
	DocumentID     string
	ChunkIndex     int
	ContentPreview string
	PageNumbers    []int
	CharCount      int
	CreatedAt      time.Time
}

// LogEntry is one append-only processing log record.
type LogEntry struct {
	ID         string
	DocumentID string
	Stage      Stage
	Status     LogStatus
	Message    string
	Metadata   map[string]any
	CreatedAt  time.Time
}

// Store defines persistence contract; an external DB implementation can replace this.
type Store interface {
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	SetRAGState(ctx context.Context, id string, state RAGState) error
	// ReplaceChunks deletes every chunk row of the document and inserts chunks in one
	// transaction.
	ReplaceChunks(ctx context.Context, docID string, chunks []DocumentChunk) error
	ListChunks(ctx context.Context, docID string) ([]DocumentChunk, error)
	DeleteChunks(ctx context.Context, docID string) (int, error)
	AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error)
	// ListLogs returns a document's log in creation order.
	ListLogs(ctx context.Context, docID string) ([]LogEntry, error)
	Close() error
}
