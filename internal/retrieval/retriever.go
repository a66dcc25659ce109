// Package retrieval answers questions against one ingested document with the
// closest chunks, formatted with their source pages.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"doc-rag/internal/cache"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorindex"
)

// DefaultTopK is the number of chunks returned when the caller does not ask for more.
const DefaultTopK = 3

// DocumentReader is the part of the relational store the retriever needs.
type DocumentReader interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

type Retriever struct {
	docs     DocumentReader
	index    vectorindex.Index
	embedder embeddings.Embedder
	cache    cache.Cache
	cacheTTL time.Duration
	topK     int
	log      *slog.Logger
	group    singleflight.Group
}

type Option func(*Retriever)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(r *Retriever) {
		r.cache = c
		r.cacheTTL = ttl
	}
}

func WithTopK(k int) Option {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Retriever) { r.log = log }
}

func New(docs DocumentReader, idx vectorindex.Index, emb embeddings.Embedder, opts ...Option) *Retriever {
	r := &Retriever{
		docs:     docs,
		index:    idx,
		embedder: emb,
		cache:    cache.Nop{},
		topK:     DefaultTopK,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var errNotReady = errors.New("document not ready for retrieval")

// Retrieve returns the formatted context for question and whether any was found.
// Failures never propagate: they are logged and reported as no context.
func (r *Retriever) Retrieve(ctx context.Context, question, documentID string, k int) (string, bool) {
	if strings.TrimSpace(question) == "" || documentID == "" {
		return "", false
	}
	if k <= 0 {
		k = r.topK
	}
	log := r.log.With("document_id", documentID)

	doc, err := r.checkReady(ctx, documentID)
	if err != nil {
		log.Debug("retrieval skipped", "err", err)
		return "", false
	}

	key := cache.GenerateCacheKey(question, documentID, doc.UpdatedAt.UnixMilli(), k)
	if cached, err := r.cache.GetContext(ctx, key); err != nil {
		log.Warn("retrieval cache read failed", "err", err)
	} else if cached != nil {
		return cached.Context, cached.Context != ""
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		return r.search(ctx, question, documentID, k)
	})
	if err != nil {
		log.Warn("retrieval failed", "err", err)
		return "", false
	}
	res := v.(*cache.ContextResult)
	if res.Context == "" {
		return "", false
	}
	if err := r.cache.SetContext(ctx, documentID, key, res, r.cacheTTL); err != nil {
		log.Warn("retrieval cache write failed", "err", err)
	}
	return res.Context, true
}

func (r *Retriever) checkReady(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := r.docs.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.RAGStatus != store.StatusCompleted {
		return store.Document{}, fmt.Errorf("%w: status %s", errNotReady, doc.RAGStatus)
	}
	return doc, nil
}

func (r *Retriever) search(ctx context.Context, question, documentID string, k int) (*cache.ContextResult, error) {
	query, err := r.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	hits, err := r.index.Search(ctx, query, []string{documentID}, k)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return &cache.ContextResult{Context: Format(hits), ChunkIDs: ids}, nil
}

// Format renders hits in rank order as "[Source i | page N]" blocks separated by a
// blank line.
func Format(hits []vectorindex.Result) string {
	blocks := make([]string, 0, len(hits))
	for i, h := range hits {
		blocks = append(blocks, fmt.Sprintf("[Source %d%s]\n%s", i+1, pageLabel(h.PageNumbers), h.Content))
	}
	return strings.Join(blocks, "\n\n")
}

func pageLabel(pages []int) string {
	switch len(pages) {
	case 0:
		return ""
	case 1:
		return " | page " + strconv.Itoa(pages[0])
	}
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = strconv.Itoa(p)
	}
	return " | pages " + strings.Join(parts, ", ")
}
