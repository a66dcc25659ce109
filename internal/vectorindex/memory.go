package vectorindex

import (
	"context"
	"sort"
	"sync"

	"doc-rag/internal/chunker"
	"doc-rag/internal/embeddings"
)

// Memory is a process-local index with brute-force search.
type Memory struct {
	mu      sync.RWMutex
	dims    int
	records map[string]map[string]Record // document id -> chunk id -> record
}

// NewMemory creates an empty index. dims of 0 accepts any vector length.
func NewMemory(dims int) *Memory {
	return &Memory{dims: dims, records: make(map[string]map[string]Record)}
}

func (m *Memory) Add(_ context.Context, documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector) (int, error) {
	records, err := buildRecords(documentID, chunks, vectors, m.dims)
	if err != nil || len(records) == 0 {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.records[documentID]
	if !ok {
		doc = make(map[string]Record, len(records))
		m.records[documentID] = doc
	}
	for _, r := range records {
		doc[r.ChunkID] = r
	}
	return len(records), nil
}

func (m *Memory) Search(_ context.Context, query embeddings.Vector, documentIDs []string, k int) ([]Result, error) {
	filter := documentFilter(documentIDs)
	m.mu.RLock()
	var candidates []Record
	for docID, doc := range m.records {
		if filter != nil {
			if _, ok := filter[docID]; !ok {
				continue
			}
		}
		for _, r := range doc {
			candidates = append(candidates, r)
		}
	}
	m.mu.RUnlock()
	return rankRecords(query, candidates, k), nil
}

func (m *Memory) DeleteDocument(_ context.Context, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.records[documentID])
	delete(m.records, documentID)
	return n, nil
}

func (m *Memory) Count(_ context.Context, documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if documentID != "" {
		return len(m.records[documentID]), nil
	}
	total := 0
	for _, doc := range m.records {
		total += len(doc)
	}
	return total, nil
}

func (m *Memory) Records(_ context.Context, documentID string) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records[documentID]))
	for _, r := range m.records[documentID] {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

// Close drops all records.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.records = make(map[string]map[string]Record)
	m.mu.Unlock()
	return nil
}
