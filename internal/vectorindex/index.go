// Package vectorindex stores chunk embeddings with their text and document metadata
// and answers cosine nearest-neighbour queries, optionally scoped to a set of documents.
//
// All backends share one logical collection partitioned by document id. Records are
// keyed by "{document_id}_{chunk_index}"; adding a key that exists replaces it.
package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"doc-rag/internal/chunker"
	"doc-rag/internal/domain"
	"doc-rag/internal/embeddings"
)

// DefaultCollection is the logical collection / table / index name.
const DefaultCollection = "document_chunks"

// DefaultSearchK is used when Search is called with k <= 0.
const DefaultSearchK = 5

// Record is one stored chunk.
type Record struct {
	ChunkID     string            `json:"chunk_id"`
	DocumentID  string            `json:"document_id"`
	ChunkIndex  int               `json:"chunk_index"`
	Content     string            `json:"content"`
	PageNumbers []int             `json:"page_numbers"`
	Embedding   embeddings.Vector `json:"embedding"`
}

// Result is one search hit. Distance is cosine distance; smaller is closer.
type Result struct {
	ChunkID     string
	DocumentID  string
	Content     string
	Distance    float64
	PageNumbers []int
	ChunkIndex  int
}

// Index is the vector store contract used by ingestion and retrieval.
type Index interface {
	// Add upserts one record per chunk and returns how many were written.
	Add(ctx context.Context, documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector) (int, error)
	// Search returns the k closest records, restricted to documentIDs when non-empty.
	Search(ctx context.Context, query embeddings.Vector, documentIDs []string, k int) ([]Result, error)
	// DeleteDocument removes every record of a document and returns how many existed.
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	// Count returns the number of records for a document, or all records when empty.
	Count(ctx context.Context, documentID string) (int, error)
	// Records lists a document's records ordered by chunk index.
	Records(ctx context.Context, documentID string) ([]Record, error)
	Close() error
}

// ChunkID builds the record key shared with the relational chunk table.
func ChunkID(documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s_%d", documentID, chunkIndex)
}

// FormatPages renders page numbers the way they are kept in record metadata: "1,2".
func FormatPages(pages []int) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// ParsePages is the inverse of FormatPages. Malformed entries are skipped.
func ParsePages(s string) []int {
	if s == "" {
		return nil
	}
	var pages []int
	for _, part := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			pages = append(pages, n)
		}
	}
	return pages
}

// buildRecords validates Add input and turns it into records.
func buildRecords(documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector, dims int) ([]Record, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("%w: %d chunks but %d embeddings", domain.ErrValidation, len(chunks), len(vectors))
	}
	if documentID == "" && len(chunks) > 0 {
		return nil, fmt.Errorf("%w: document id required", domain.ErrValidation)
	}
	records := make([]Record, len(chunks))
	for i, c := range chunks {
		if dims > 0 && len(vectors[i]) != dims {
			return nil, fmt.Errorf("%w: embedding %d has %d dimensions, index expects %d",
				domain.ErrValidation, i, len(vectors[i]), dims)
		}
		records[i] = Record{
			ChunkID:     ChunkID(documentID, c.Index),
			DocumentID:  documentID,
			ChunkIndex:  c.Index,
			Content:     c.Content,
			PageNumbers: c.PageNumbers,
			Embedding:   vectors[i],
		}
	}
	return records, nil
}

// rankRecords scores candidates against query and keeps the k closest. Ties are
// broken by chunk id so results are deterministic.
func rankRecords(query embeddings.Vector, candidates []Record, k int) []Result {
	if k <= 0 {
		k = DefaultSearchK
	}
	results := make([]Result, 0, len(candidates))
	for _, r := range candidates {
		results = append(results, Result{
			ChunkID:     r.ChunkID,
			DocumentID:  r.DocumentID,
			Content:     r.Content,
			Distance:    embeddings.CosineDistance(query, r.Embedding),
			PageNumbers: r.PageNumbers,
			ChunkIndex:  r.ChunkIndex,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

func documentFilter(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
