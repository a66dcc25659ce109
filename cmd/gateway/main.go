package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"doc-rag/internal/app"
	"doc-rag/internal/blob"
	"doc-rag/internal/httputil"
	"doc-rag/internal/ingest"
	"doc-rag/internal/queue"
	"doc-rag/internal/retrieval"
	"doc-rag/internal/store"
)

func main() {
	deps, err := app.Build("gateway")
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := deps.Close(); err != nil {
			deps.Log.Error("shutdown failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           newRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		deps.Log.Info("gateway listening", "addr", srv.Addr)
		return httputil.Serve(ctx, srv)
	})

	// Single-node mode: the in-process queue has no other consumer.
	if deps.Config.QueueProvider == "local" {
		g.Go(func() error {
			deps.Log.Info("running ingest worker in-process", "workers", deps.Config.WorkerPoolSize)
			return deps.Queue.Worker(ctx, queue.TaskTypeIngest, ingest.TaskHandler(deps.Orchestrator, deps.Blob, deps.Log))
		})
	}

	if err := g.Wait(); err != nil {
		deps.Log.Error("gateway stopped", "err", err)
	}
}

func newRouter(deps *app.Deps) http.Handler {
	r := httputil.NewRouter(deps.Log)

	r.Post("/api/documents/upload", uploadHandler(deps))
	r.Route("/api/documents/{id}", func(r chi.Router) {
		r.Get("/rag-status", statusHandler(deps))
		r.Get("/rag-logs", logsHandler(deps))
		r.Get("/chunks", chunksHandler(deps))
		r.Post("/reingest", reingestHandler(deps))
		r.Post("/reconcile", reconcileHandler(deps))
		r.Delete("/vectors", purgeHandler(deps))
	})
	if deps.Config.RetrievalURL != "" {
		r.Post("/api/retrieve", retrieveProxy(deps))
	} else {
		r.Post("/api/retrieve", retrieval.Handler(deps.Retriever, deps.Log))
	}
	r.Get("/healthz", httputil.HealthHandler(deps.Log))
	return r
}

func uploadHandler(deps *app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		// Validate file size before parsing
		if r.ContentLength > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusBadRequest)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxFileSize+1<<20)

		file, header, err := r.FormFile("file")
		if err != nil {
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Size > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusBadRequest)
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusInternalServerError)
			return
		}

		filename := filepath.Base(header.Filename)
		contentType := detectContentType(filename, header.Header.Get("Content-Type"))
		docID := uuid.NewString()
		key := blob.ObjectKey(docID, filename)
		log := deps.Log.With("document_id", docID)

		if err := deps.Blob.Put(ctx, key, bytes.NewReader(content), int64(len(content)), contentType); err != nil {
			httputil.Fail(log, w, "failed to store file", err, http.StatusInternalServerError)
			return
		}

		doc, err := deps.Orchestrator.Accept(ctx, store.Document{
			ID:          docID,
			Filename:    filename,
			ContentType: contentType,
			ObjectKey:   key,
		})
		if err != nil {
			// No row points at the object; drop it.
			if derr := deps.Blob.Delete(context.WithoutCancel(ctx), key); derr != nil {
				log.Warn("failed to remove orphaned upload", "object_key", key, "err", derr)
			}
			httputil.Fail(log, w, "failed to persist document", err, http.StatusInternalServerError)
			return
		}

		if doc.RAGStatus != store.StatusPending {
			httputil.WriteJSON(w, http.StatusCreated, map[string]any{
				"document_id": doc.ID,
				"rag_status":  doc.RAGStatus,
			})
			return
		}

		if err := enqueueIngest(ctx, deps, doc); err != nil {
			markEnqueueFailed(ctx, deps, log, doc.ID, err)
			httputil.Fail(log, w, "failed to enqueue document; please retry", err, http.StatusInternalServerError)
			return
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": doc.ID,
			"rag_status":  doc.RAGStatus,
		})
	}
}

// detectContentType trusts the declared type and falls back to the extension.
func detectContentType(filename, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return strings.TrimSpace(strings.Split(declared, ";")[0])
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

func enqueueIngest(ctx context.Context, deps *app.Deps, doc store.Document) error {
	task, err := ingest.NewTask(ingest.TaskPayload{DocumentID: doc.ID, ObjectKey: doc.ObjectKey})
	if err != nil {
		return err
	}
	return queue.EnqueueWithRetry(ctx, deps.Queue, task, 3, 200*time.Millisecond)
}

// markEnqueueFailed leaves a visible failure on a document nobody will ingest.
func markEnqueueFailed(ctx context.Context, deps *app.Deps, log *slog.Logger, docID string, cause error) {
	state := store.RAGState{Status: store.StatusFailed, Error: "failed to schedule ingestion: " + cause.Error()}
	if err := deps.Store.SetRAGState(context.WithoutCancel(ctx), docID, state); err != nil {
		log.Error("failed to mark document failed", "err", err)
	}
}

func statusHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID := chi.URLParam(r, "id")
		state, err := deps.Orchestrator.Status(r.Context(), docID)
		if err != nil {
			httputil.FailErr(deps.Log, w, "failed to load status", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"document_id": docID,
			"rag_status":  state.Status,
			"rag_error":   state.Error,
			"chunk_count": state.ChunkCount,
		})
	}
}

type logEntryView struct {
	ID        string          `json:"id"`
	Stage     store.Stage     `json:"stage"`
	Status    store.LogStatus `json:"status"`
	Message   string          `json:"message"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func logsHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID := chi.URLParam(r, "id")
		entries, err := deps.Orchestrator.Logs(r.Context(), docID)
		if err != nil {
			httputil.FailErr(deps.Log, w, "failed to load logs", err)
			return
		}
		views := make([]logEntryView, len(entries))
		for i, e := range entries {
			views[i] = logEntryView{
				ID:        e.ID,
				Stage:     e.Stage,
				Status:    e.Status,
				Message:   e.Message,
				Metadata:  e.Metadata,
				CreatedAt: e.CreatedAt,
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"document_id": docID,
			"logs":        views,
		})
	}
}

type chunkView struct {
	ID             string `json:"id"`
	ChunkIndex     int    `json:"chunk_index"`
	ContentPreview string `json:"content_preview"`
	PageNumbers    []int  `json:"page_numbers"`
	CharCount      int    `json:"char_count"`
}

func chunksHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID := chi.URLParam(r, "id")
		chunks, err := deps.Orchestrator.Chunks(r.Context(), docID)
		if err != nil {
			httputil.FailErr(deps.Log, w, "failed to load chunks", err)
			return
		}
		views := make([]chunkView, len(chunks))
		for i, c := range chunks {
			views[i] = chunkView{
				ID:             c.ID,
				ChunkIndex:     c.ChunkIndex,
				ContentPreview: c.ContentPreview,
				PageNumbers:    c.PageNumbers,
				CharCount:      c.CharCount,
			}
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"document_id": docID,
			"chunks":      views,
		})
	}
}

func reingestHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		doc, err := deps.Orchestrator.Requeue(ctx, chi.URLParam(r, "id"))
		if err != nil {
			httputil.FailErr(deps.Log, w, "failed to reingest document", err)
			return
		}
		if err := enqueueIngest(ctx, deps, doc); err != nil {
			httputil.Fail(deps.Log.With("document_id", doc.ID), w, "failed to enqueue document; please retry", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": doc.ID,
			"rag_status":  doc.RAGStatus,
		})
	}
}

func reconcileHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := deps.Orchestrator.Reconcile(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			httputil.FailErr(deps.Log, w, "failed to reconcile document", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, report)
	}
}

func purgeHandler(deps *app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docID := chi.URLParam(r, "id")
		deleted, err := deps.Orchestrator.Purge(r.Context(), docID)
		if err != nil {
			httputil.FailErr(deps.Log, w, "failed to delete vectors", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{
			"document_id":   docID,
			"deleted_count": deleted,
		})
	}
}

func retrieveProxy(deps *app.Deps) http.HandlerFunc {
	retrieveURL := strings.TrimRight(deps.Config.RetrievalURL, "/") + "/api/retrieve"
	client := &http.Client{Timeout: 60 * time.Second}

	return func(w http.ResponseWriter, r *http.Request) {
		// Forward request to the retrieval service
		req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, retrieveURL, r.Body)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to create request", err, http.StatusInternalServerError)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			httputil.Fail(deps.Log, w, "retrieval service unavailable", err, http.StatusServiceUnavailable)
			return
		}
		defer resp.Body.Close()

		// Copy response status, headers, and body
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			deps.Log.Error("failed to copy response", "err", err)
		}
	}
}
