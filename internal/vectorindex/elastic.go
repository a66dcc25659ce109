package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"doc-rag/internal/chunker"
	"doc-rag/internal/embeddings"
)

// Elastic stores records in an Elasticsearch index with a cosine dense_vector field
// and answers searches with approximate kNN.
type Elastic struct {
	client *elasticsearch.Client
	index  string
	dims   int
}

// ElasticConfig holds connection settings.
type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	Dims      int
	Transport http.RoundTripper
}

type esDocument struct {
	DocumentID  string    `json:"document_id"`
	ChunkIndex  int       `json:"chunk_index"`
	Content     string    `json:"content"`
	PageNumbers string    `json:"page_numbers"`
	Embedding   []float32 `json:"embedding"`
}

// NewElastic creates the client and the index mapping when the index is missing.
func NewElastic(ctx context.Context, cfg ElasticConfig) (*Elastic, error) {
	if cfg.Dims <= 0 {
		return nil, fmt.Errorf("elasticsearch index needs a fixed dimension")
	}
	if cfg.Index == "" {
		cfg.Index = DefaultCollection
	}
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, err
	}
	e := &Elastic{client: client, index: cfg.Index, dims: cfg.Dims}
	if err := e.ensureIndex(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Elastic) ensureIndex(ctx context.Context) error {
	res, err := e.client.Indices.Exists([]string{e.index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("check index %s: unexpected status %d", e.index, res.StatusCode)
	}

	res, err = e.client.Indices.Create(e.index,
		e.client.Indices.Create.WithBody(strings.NewReader(elasticMapping(e.dims))),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("create index %s: %s", e.index, res.String())
	}
	return nil
}

func elasticMapping(dims int) string {
	return fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"document_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"content": { "type": "text" },
				"page_numbers": { "type": "keyword" },
				"embedding": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				}
			}
		}
	}`, dims)
}

func (e *Elastic) Add(ctx context.Context, documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector) (int, error) {
	records, err := buildRecords(documentID, chunks, vectors, e.dims)
	if err != nil || len(records) == 0 {
		return 0, err
	}
	body, err := bulkBody(e.index, records)
	if err != nil {
		return 0, err
	}
	res, err := e.client.Bulk(bytes.NewReader(body),
		e.client.Bulk.WithContext(ctx),
		e.client.Bulk.WithRefresh("true"),
	)
	if err != nil {
		return 0, fmt.Errorf("bulk index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("bulk index: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode bulk response: %w", err)
	}
	if out.Errors {
		for _, item := range out.Items {
			for _, op := range item {
				if op.Error != nil {
					return 0, fmt.Errorf("bulk index: %s", op.Error.Reason)
				}
			}
		}
	}
	return len(records), nil
}

func bulkBody(index string, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range records {
		meta := map[string]any{"index": map[string]any{"_index": index, "_id": r.ChunkID}}
		if err := enc.Encode(meta); err != nil {
			return nil, err
		}
		if err := enc.Encode(esDocument{
			DocumentID:  r.DocumentID,
			ChunkIndex:  r.ChunkIndex,
			Content:     r.Content,
			PageNumbers: FormatPages(r.PageNumbers),
			Embedding:   r.Embedding,
		}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func knnQuery(query embeddings.Vector, documentIDs []string, k int) map[string]any {
	if k <= 0 {
		k = DefaultSearchK
	}
	candidates := k * 10
	if candidates < 100 {
		candidates = 100
	}
	knn := map[string]any{
		"field":          "embedding",
		"query_vector":   query,
		"k":              k,
		"num_candidates": candidates,
	}
	if f := documentQuery(documentIDs); f != nil {
		knn["filter"] = f
	}
	return map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": []string{"document_id", "chunk_index", "content", "page_numbers"},
	}
}

func documentQuery(documentIDs []string) map[string]any {
	switch len(documentIDs) {
	case 0:
		return nil
	case 1:
		return map[string]any{"term": map[string]any{"document_id": documentIDs[0]}}
	default:
		return map[string]any{"terms": map[string]any{"document_id": documentIDs}}
	}
}

type esHits struct {
	Hits struct {
		Hits []struct {
			ID     string     `json:"_id"`
			Score  float64    `json:"_score"`
			Source esDocument `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (e *Elastic) Search(ctx context.Context, query embeddings.Vector, documentIDs []string, k int) ([]Result, error) {
	var hits esHits
	if err := e.search(ctx, knnQuery(query, documentIDs, k), &hits); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits.Hits.Hits))
	for _, h := range hits.Hits.Hits {
		results = append(results, Result{
			ChunkID:     h.ID,
			DocumentID:  h.Source.DocumentID,
			Content:     h.Source.Content,
			Distance:    scoreToDistance(h.Score),
			PageNumbers: ParsePages(h.Source.PageNumbers),
			ChunkIndex:  h.Source.ChunkIndex,
		})
	}
	return results, nil
}

// scoreToDistance undoes Elasticsearch's cosine scoring, _score = (1 + cos) / 2.
func scoreToDistance(score float64) float64 {
	return 1 - (2*score - 1)
}

func (e *Elastic) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	body, err := json.Marshal(map[string]any{"query": documentQuery([]string{documentID})})
	if err != nil {
		return 0, err
	}
	res, err := e.client.DeleteByQuery([]string{e.index}, bytes.NewReader(body),
		e.client.DeleteByQuery.WithContext(ctx),
		e.client.DeleteByQuery.WithRefresh(true),
		e.client.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return 0, fmt.Errorf("delete by query: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("delete by query: %s", res.String())
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode delete response: %w", err)
	}
	return out.Deleted, nil
}

func (e *Elastic) Count(ctx context.Context, documentID string) (int, error) {
	opts := []func(*esapi.CountRequest){
		e.client.Count.WithContext(ctx),
		e.client.Count.WithIndex(e.index),
	}
	if documentID != "" {
		body, err := json.Marshal(map[string]any{"query": documentQuery([]string{documentID})})
		if err != nil {
			return 0, err
		}
		opts = append(opts, e.client.Count.WithBody(bytes.NewReader(body)))
	}
	res, err := e.client.Count(opts...)
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("count: %s", res.String())
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return out.Count, nil
}

// Records pages through a document with a plain term query. Documents are capped at
// 10000 chunks by the default result window.
func (e *Elastic) Records(ctx context.Context, documentID string) ([]Record, error) {
	query := map[string]any{
		"query": documentQuery([]string{documentID}),
		"size":  10000,
		"sort":  []any{map[string]any{"chunk_index": "asc"}},
	}
	var hits esHits
	if err := e.search(ctx, query, &hits); err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(hits.Hits.Hits))
	for _, h := range hits.Hits.Hits {
		out = append(out, Record{
			ChunkID:     h.ID,
			DocumentID:  h.Source.DocumentID,
			ChunkIndex:  h.Source.ChunkIndex,
			Content:     h.Source.Content,
			PageNumbers: ParsePages(h.Source.PageNumbers),
			Embedding:   h.Source.Embedding,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (e *Elastic) search(ctx context.Context, query map[string]any, dst any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return err
	}
	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(&buf),
	)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("search: status %s: %s", res.Status(), msg)
	}
	if err := json.NewDecoder(res.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode search response: %w", err)
	}
	return nil
}

func (e *Elastic) Close() error {
	return nil
}
