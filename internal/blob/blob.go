// Package blob stores the raw uploaded files that ingestion reads back.
package blob

import (
	"context"
	"fmt"
	"io"

	"doc-rag/internal/domain"
)

// ErrObjectNotFound is returned when a key has no stored object.
var ErrObjectNotFound = fmt.Errorf("object %w", domain.ErrNotFound)

// Store persists uploaded documents by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ObjectKey is the storage key for a document's original upload.
func ObjectKey(documentID, filename string) string {
	return "documents/" + documentID + "/" + filename
}
