// Package ingest drives a document through parsing, chunking, embedding and
// indexing, and keeps its status and processing log in the relational store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"doc-rag/internal/cache"
	"doc-rag/internal/chunker"
	"doc-rag/internal/domain"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/extractor"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorindex"
)

const (
	maxErrorLen   = 500
	maxPreviewLen = 200

	defaultStaleAfter = 30 * time.Minute
)

var (
	ErrNoChunks    = errors.New("no chunks produced")
	ErrNotEligible = fmt.Errorf("%w: document is not eligible for ingestion", domain.ErrValidation)
	ErrBusy        = fmt.Errorf("%w: document is being processed", domain.ErrValidation)
)

// Loader returns the raw bytes of the file to ingest.
type Loader func(ctx context.Context) ([]byte, error)

// Bytes wraps already loaded content as a Loader.
func Bytes(content []byte) Loader {
	return func(context.Context) ([]byte, error) { return content, nil }
}

// Orchestrator owns every write to a document's chunk rows and vector records.
type Orchestrator struct {
	store     store.Store
	index     vectorindex.Index
	embedder  embeddings.Embedder
	extractor extractor.Extractor
	cache     cache.Cache
	chunking  chunker.Options
	log       *slog.Logger
	locks     *keyedMutex

	staleAfter time.Duration
	now        func() time.Time
}

type Option func(*Orchestrator)

func WithChunkOptions(opts chunker.Options) Option {
	return func(o *Orchestrator) { o.chunking = opts }
}

// WithCache sets the retrieval cache invalidated whenever a document's vectors change.
func WithCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithStaleAfter sets how long a document may sit in processing before its run is
// considered abandoned and the document can be requeued, purged or reconciled.
// Zero never treats a run as abandoned.
func WithStaleAfter(d time.Duration) Option {
	return func(o *Orchestrator) { o.staleAfter = d }
}

func New(st store.Store, idx vectorindex.Index, emb embeddings.Embedder, ext extractor.Extractor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		index:     idx,
		embedder:  emb,
		extractor: ext,
		cache:     cache.Nop{},
		chunking:  chunker.DefaultOptions(),
		log:       slog.Default(),
		locks:     newKeyedMutex(),

		staleAfter: defaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Accept records a new upload. PDFs start pending and get an upload log entry;
// anything else is stored as not_applicable.
func (o *Orchestrator) Accept(ctx context.Context, doc store.Document) (store.Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.RAGStatus = store.StatusNotApplicable
	if IsIngestible(doc.ContentType) {
		doc.RAGStatus = store.StatusPending
	}
	created, err := o.store.CreateDocument(ctx, doc)
	if err != nil {
		return store.Document{}, fmt.Errorf("create document: %w", err)
	}
	if created.RAGStatus == store.StatusPending {
		o.appendLog(ctx, created.ID, store.StageUpload, store.LogPending, "document uploaded, awaiting ingestion",
			map[string]any{"filename": created.Filename})
	}
	return created, nil
}

// IsIngestible reports whether files of this content type go through the pipeline.
func IsIngestible(contentType string) bool {
	return contentType == "application/pdf"
}

// Requeue validates that a document can be ingested again and logs the request.
func (o *Orchestrator) Requeue(ctx context.Context, docID string) (store.Document, error) {
	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return store.Document{}, err
	}
	switch {
	case doc.RAGStatus == store.StatusNotApplicable:
		return store.Document{}, ErrNotEligible
	case o.busy(doc):
		return store.Document{}, ErrBusy
	case doc.RAGStatus == store.StatusProcessing:
		// The run that set processing died; hand the document back to the queue.
		o.log.Warn("requeueing abandoned ingestion", "document_id", docID, "processing_since", doc.UpdatedAt)
		state := store.RAGState{Status: store.StatusPending, ChunkCount: doc.ChunkCount}
		if err := o.store.SetRAGState(ctx, docID, state); err != nil {
			return store.Document{}, fmt.Errorf("reset abandoned run: %w", err)
		}
		o.appendLog(ctx, docID, store.StageUpload, store.LogPending, "reingestion requested after abandoned run",
			map[string]any{"processing_since": doc.UpdatedAt.UnixMilli()})
		doc.RAGStatus = store.StatusPending
		return doc, nil
	}
	o.appendLog(ctx, docID, store.StageUpload, store.LogPending, "reingestion requested", nil)
	return doc, nil
}

// busy reports whether doc may still be under an ingestion run: one holding its lock
// in this process, or one elsewhere that set processing less than staleAfter ago.
func (o *Orchestrator) busy(doc store.Document) bool {
	if doc.RAGStatus != store.StatusProcessing {
		return false
	}
	return o.locks.held(doc.ID) || !o.abandoned(doc)
}

// abandoned reports whether doc has sat in processing for longer than staleAfter.
// Callers holding the document lock know no run in this process owns it.
func (o *Orchestrator) abandoned(doc store.Document) bool {
	return doc.RAGStatus == store.StatusProcessing &&
		o.staleAfter > 0 && o.now().Sub(doc.UpdatedAt) >= o.staleAfter
}

// Ingest runs the whole pipeline for one document. Pipeline failures are recorded
// on the document and returned as *domain.StageError; any other error means the
// run never started.
func (o *Orchestrator) Ingest(ctx context.Context, docID string, load Loader) error {
	unlock := o.locks.Lock(docID)
	defer unlock()

	log := o.log.With("document_id", docID)

	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.RAGStatus == store.StatusNotApplicable {
		return ErrNotEligible
	}

	if err := o.store.SetRAGState(ctx, docID, store.RAGState{Status: store.StatusProcessing, ChunkCount: doc.ChunkCount}); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	o.appendLog(ctx, docID, store.StageStart, store.LogSuccess, "ingestion started", nil)
	log.Info("ingestion started")

	r := &run{o: o, docID: docID, log: log}
	count, err := r.execute(ctx, load)
	if err != nil {
		o.recordFailure(ctx, doc, r.stage, err)
		log.Error("ingestion failed", "stage", r.stage, "err", err)
		return &domain.StageError{Stage: string(r.stage), Err: err}
	}

	log.Info("ingestion completed", "chunk_count", count)
	return nil
}

// run carries the state of one pipeline pass.
type run struct {
	o     *Orchestrator
	docID string
	log   *slog.Logger
	stage store.Stage
	// indexTouched is set once the prior vectors may have been removed.
	indexTouched bool
}

func (r *run) execute(ctx context.Context, load Loader) (int, error) {
	o := r.o

	r.stage = store.StageParsing
	text, pages, err := r.parse(ctx, load)
	if err != nil {
		return 0, err
	}
	o.appendLog(ctx, r.docID, store.StageParsing, store.LogSuccess,
		fmt.Sprintf("extracted %d pages", pages), map[string]any{"page_count": pages})

	r.stage = store.StageChunking
	chunks := chunker.ChunkText(text, o.chunking)
	if len(chunks) == 0 {
		return 0, ErrNoChunks
	}
	o.appendLog(ctx, r.docID, store.StageChunking, store.LogSuccess,
		fmt.Sprintf("created %d chunks", len(chunks)), map[string]any{"chunk_count": len(chunks)})

	r.stage = store.StageEmbedding
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := o.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return 0, fmt.Errorf("%w: embedding count mismatch: got %d embeddings for %d chunks",
			domain.ErrValidation, len(vectors), len(chunks))
	}
	o.appendLog(ctx, r.docID, store.StageEmbedding, store.LogSuccess,
		fmt.Sprintf("generated %d embeddings", len(vectors)), map[string]any{"embedding_count": len(vectors)})

	r.stage = store.StageIndexing
	r.indexTouched = true
	deleted, err := o.index.DeleteDocument(ctx, r.docID)
	if err != nil {
		return 0, fmt.Errorf("delete previous vectors: %w", err)
	}
	o.invalidate(ctx, r.docID)
	added, err := o.index.Add(ctx, r.docID, chunks, vectors)
	if err != nil {
		return 0, fmt.Errorf("add vectors: %w", err)
	}
	o.appendLog(ctx, r.docID, store.StageIndexing, store.LogSuccess,
		fmt.Sprintf("indexed %d chunks", added), map[string]any{"indexed_count": added, "deleted_count": deleted})

	r.stage = store.StageComplete
	if err := o.store.ReplaceChunks(ctx, r.docID, chunkRows(r.docID, chunks)); err != nil {
		return 0, fmt.Errorf("persist chunk rows: %w", err)
	}
	if err := o.store.SetRAGState(ctx, r.docID, store.RAGState{Status: store.StatusCompleted, ChunkCount: added}); err != nil {
		return 0, fmt.Errorf("mark completed: %w", err)
	}
	o.appendLog(ctx, r.docID, store.StageComplete, store.LogSuccess,
		fmt.Sprintf("ingestion completed with %d chunks", added), map[string]any{"chunk_count": added})
	return added, nil
}

func (r *run) parse(ctx context.Context, load Loader) (string, int, error) {
	content, err := load(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("%w: load file: %w", domain.ErrExtraction, err)
	}
	res := r.o.extractor.Extract(ctx, content)
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "unknown error"
		}
		return "", 0, fmt.Errorf("%w: extraction failed: %s", domain.ErrExtraction, msg)
	}
	if strings.TrimSpace(res.Content) == "" {
		return "", 0, fmt.Errorf("%w: empty content", domain.ErrExtraction)
	}
	return res.Content, len(res.Pages), nil
}

// recordFailure marks the document failed and appends the failed log entry. It runs
// on a context detached from cancellation so an aborted run is still recorded.
func (o *Orchestrator) recordFailure(ctx context.Context, doc store.Document, stage store.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	msg := truncate(cause.Error(), maxErrorLen)

	count := doc.ChunkCount
	if stage == store.StageIndexing || stage == store.StageComplete {
		n, err := o.index.Count(ctx, doc.ID)
		if err != nil {
			o.log.Warn("count vectors after failure", "document_id", doc.ID, "err", err)
			n = 0
		}
		count = n
		o.invalidate(ctx, doc.ID)
	}

	if err := o.store.SetRAGState(ctx, doc.ID, store.RAGState{Status: store.StatusFailed, Error: msg, ChunkCount: count}); err != nil {
		o.log.Error("mark failed", "document_id", doc.ID, "err", err)
	}
	o.appendLog(ctx, doc.ID, store.StageFailed, store.LogError, "ingestion failed: "+msg,
		map[string]any{"stage": string(stage), "error": msg})
}

func (o *Orchestrator) appendLog(ctx context.Context, docID string, stage store.Stage, status store.LogStatus, message string, metadata map[string]any) {
	_, err := o.store.AppendLog(ctx, store.LogEntry{
		DocumentID: docID,
		Stage:      stage,
		Status:     status,
		Message:    message,
		Metadata:   metadata,
	})
	if err != nil {
		o.log.Error("append processing log", "document_id", docID, "stage", stage, "err", err)
	}
}

func (o *Orchestrator) invalidate(ctx context.Context, docID string) {
	if err := o.cache.InvalidateDocument(ctx, docID); err != nil {
		o.log.Warn("invalidate retrieval cache", "document_id", docID, "err", err)
	}
}

func chunkRows(docID string, chunks []chunker.Chunk) []store.DocumentChunk {
	rows := make([]store.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = store.DocumentChunk{
			ID:             vectorindex.ChunkID(docID, c.Index),
			DocumentID:     docID,
			ChunkIndex:     c.Index,
			ContentPreview: truncate(c.Content, maxPreviewLen),
			PageNumbers:    c.PageNumbers,
			CharCount:      len([]rune(c.Content)),
		}
	}
	return rows
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
