package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Cache stores formatted retrieval results per document.
type Cache interface {
	// GetContext retrieves a cached retrieval result by key
	// Returns nil if not found
	GetContext(ctx context.Context, key string) (*ContextResult, error)

	// SetContext stores a retrieval result for a document with TTL
	SetContext(ctx context.Context, documentID, key string, result *ContextResult, ttl time.Duration) error

	// InvalidateDocument removes all cached results for a document
	InvalidateDocument(ctx context.Context, documentID string) error

	// Close closes the cache connection
	Close() error
}

// ContextResult represents a cached retrieval response
type ContextResult struct {
	Context  string   `json:"context"`
	ChunkIDs []string `json:"chunk_ids"`
}

// GenerateCacheKey derives a stable key from the normalised question, the document,
// its revision and k. The revision changes whenever the document's ingestion state
// does, so a result computed against older vectors is never read back.
func GenerateCacheKey(question, documentID string, revision int64, k int) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d", documentID, revision, normalized, k)))
	return hex.EncodeToString(sum[:])
}
