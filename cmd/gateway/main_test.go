package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-rag/internal/app"
	"doc-rag/internal/blob"
	"doc-rag/internal/config"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/extractor"
	"doc-rag/internal/ingest"
	"doc-rag/internal/queue"
	"doc-rag/internal/retrieval"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorindex"
)

type testEnv struct {
	deps    *app.Deps
	blobDir string
	queue   *queue.MockQueue
	emb     *embeddings.MockEmbedder
	ext     *extractor.MockExtractor
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewSQLite(filepath.Join(dir, "rag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.NewFS(filepath.Join(dir, "uploads"))
	require.NoError(t, err)

	env := &testEnv{
		blobDir: filepath.Join(dir, "uploads"),
		queue:   new(queue.MockQueue),
		emb:     new(embeddings.MockEmbedder),
		ext:     new(extractor.MockExtractor),
	}
	idx := vectorindex.NewMemory(3)
	env.deps = &app.Deps{
		Config: config.Config{
			MaxUploadSize: 1024 * 1024, // 1MB for tests
		},
		Log:          log,
		Store:        st,
		Index:        idx,
		Embedder:     env.emb,
		Extractor:    env.ext,
		Queue:        env.queue,
		Blob:         blobs,
		Orchestrator: ingest.New(st, idx, env.emb, env.ext, ingest.WithLogger(log)),
		Retriever:    retrieval.New(st, idx, env.emb, retrieval.WithLogger(log)),
	}
	env.router = newRouter(env.deps)
	return env
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func uploadRequest(t *testing.T, filename, contentType string, content []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	part, err := writer.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestUploadHandler(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		content     []byte
		setup       func(*queue.MockQueue)
		wantStatus  int
		wantRAG     store.RAGStatus
	}{
		{
			name:        "pdf is queued for ingestion",
			filename:    "report.pdf",
			contentType: "application/pdf",
			content:     []byte("%PDF-1.4"),
			setup: func(q *queue.MockQueue) {
				q.On("Enqueue", mock.Anything, mock.MatchedBy(func(task queue.Task) bool {
					var p ingest.TaskPayload
					return task.Type == queue.TaskTypeIngest &&
						json.Unmarshal(task.Payload, &p) == nil &&
						strings.HasSuffix(p.ObjectKey, "/report.pdf")
				})).Return(nil).Once()
			},
			wantStatus: http.StatusAccepted,
			wantRAG:    store.StatusPending,
		},
		{
			name:       "missing Content-Type detects pdf from extension",
			filename:   "report.pdf",
			content:    []byte("%PDF-1.4"),
			setup:      func(q *queue.MockQueue) { q.On("Enqueue", mock.Anything, mock.Anything).Return(nil).Once() },
			wantStatus: http.StatusAccepted,
			wantRAG:    store.StatusPending,
		},
		{
			name:        "non-pdf is stored but not ingested",
			filename:    "notes.txt",
			contentType: "text/plain",
			content:     []byte("hello"),
			wantStatus:  http.StatusCreated,
			wantRAG:     store.StatusNotApplicable,
		},
		{
			name:        "file too large",
			filename:    "large.pdf",
			contentType: "application/pdf",
			content:     make([]byte, 2*1024*1024), // 2MB
			wantStatus:  http.StatusBadRequest,
		},
		{
			name:        "enqueue failure marks document failed",
			filename:    "report.pdf",
			contentType: "application/pdf",
			content:     []byte("%PDF-1.4"),
			setup: func(q *queue.MockQueue) {
				q.On("Enqueue", mock.Anything, mock.Anything).Return(errors.New("nats down"))
			},
			wantStatus: http.StatusInternalServerError,
			wantRAG:    store.StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.setup != nil {
				tt.setup(env.queue)
			}

			rec := env.do(t, uploadRequest(t, tt.filename, tt.contentType, tt.content))
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			env.queue.AssertExpectations(t)

			if tt.wantRAG == "" {
				return
			}
			docs := listDocuments(t, env)
			require.Len(t, docs, 1)
			assert.Equal(t, tt.wantRAG, docs[0].RAGStatus)

			stored, err := env.deps.Blob.Get(context.Background(), docs[0].ObjectKey)
			require.NoError(t, err)
			assert.Equal(t, tt.content, stored)

			if rec.Code < 300 {
				body := decode(t, rec)
				assert.Equal(t, docs[0].ID, body["document_id"])
				assert.Equal(t, string(tt.wantRAG), body["rag_status"])
			}
		})
	}
}

// listDocuments loads every document that has an uploaded file.
func listDocuments(t *testing.T, env *testEnv) []store.Document {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(env.blobDir, "documents", "*"))
	require.NoError(t, err)
	var docs []store.Document
	for _, m := range matches {
		doc, err := env.deps.Store.GetDocument(context.Background(), filepath.Base(m))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return docs
}

func TestDocumentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	text := "[Page 1]\n" + strings.Repeat("a", 800) + "[Page 2]\n" + strings.Repeat("b", 800)

	env.queue.On("Enqueue", mock.Anything, mock.Anything).Return(nil)
	env.ext.On("Extract", mock.Anything, []byte("%PDF-1.4")).Return(extractor.Result{Content: text, Success: true})
	vecs := []embeddings.Vector{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {1, 1, 0}}
	env.emb.On("EmbedBatch", mock.Anything, mock.Anything).Return(vecs, nil)
	env.emb.On("Embed", mock.Anything, "where is b?").Return(embeddings.Vector{0, 0, 1}, nil)

	rec := env.do(t, uploadRequest(t, "report.pdf", "application/pdf", []byte("%PDF-1.4")))
	require.Equal(t, http.StatusAccepted, rec.Code)
	docID := decode(t, rec)["document_id"].(string)

	enqueued := env.queue.EnqueuedTasks()
	require.Len(t, enqueued, 1)
	handler := ingest.TaskHandler(env.deps.Orchestrator, env.deps.Blob, env.deps.Log)
	require.NoError(t, handler(context.Background(), enqueued[0]))

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+docID+"/rag-status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "completed", status["rag_status"])
	assert.EqualValues(t, 4, status["chunk_count"])

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+docID+"/rag-logs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode(t, rec)["logs"].([]any)
	require.Len(t, logs, 7)
	assert.Equal(t, "upload", logs[0].(map[string]any)["stage"])
	assert.Equal(t, "complete", logs[6].(map[string]any)["stage"])

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+docID+"/chunks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["chunks"], 4)

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/retrieve",
		strings.NewReader(`{"question":"where is b?","document_id":"`+docID+`","top_k":1}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	retrieved := decode(t, rec)
	assert.Equal(t, true, retrieved["available"])
	assert.Equal(t, "[Source 1 | page 2]\n"+strings.Repeat("b", 500), retrieved["context"])

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/documents/"+docID+"/reconcile", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["rows_repaired"])

	rec = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+docID+"/vectors", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decode(t, rec)["deleted_count"])

	rec = env.do(t, httptest.NewRequest(http.MethodPost, "/api/documents/"+docID+"/reingest", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "pending", decode(t, rec)["rag_status"])
	require.Len(t, env.queue.EnqueuedTasks(), 2)
	assert.Equal(t, enqueued[0].Payload, env.queue.EnqueuedTasks()[1].Payload)
}

func TestDocumentEndpointsErrors(t *testing.T) {
	env := newTestEnv(t)
	txt := env.do(t, uploadRequest(t, "notes.txt", "text/plain", []byte("hello")))
	require.Equal(t, http.StatusCreated, txt.Code)
	txtID := decode(t, txt)["document_id"].(string)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"status of unknown document", http.MethodGet, "/api/documents/missing/rag-status", http.StatusNotFound},
		{"logs of unknown document", http.MethodGet, "/api/documents/missing/rag-logs", http.StatusNotFound},
		{"chunks of unknown document", http.MethodGet, "/api/documents/missing/chunks", http.StatusNotFound},
		{"reconcile unknown document", http.MethodPost, "/api/documents/missing/reconcile", http.StatusNotFound},
		{"purge unknown document", http.MethodDelete, "/api/documents/missing/vectors", http.StatusNotFound},
		{"reingest non-pdf", http.MethodPost, "/api/documents/" + txtID + "/reingest", http.StatusBadRequest},
		{"health", http.MethodGet, "/healthz", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestRetrieveProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/retrieve", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"question":"q","document_id":"d"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"context":"ctx","available":true}`))
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	env.deps.Config.RetrievalURL = upstream.URL + "/"
	router := newRouter(env.deps)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/retrieve", strings.NewReader(`{"question":"q","document_id":"d"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"context":"ctx","available":true}`, rec.Body.String())
}

func TestDetectContentType(t *testing.T) {
	tests := []struct {
		filename, declared, want string
	}{
		{"a.pdf", "", "application/pdf"},
		{"a.PDF", "application/octet-stream", "application/pdf"},
		{"a.bin", "application/pdf; charset=binary", "application/pdf"},
		{"a.txt", "", "text/plain"},
		{"a", "", "application/octet-stream"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectContentType(tt.filename, tt.declared), tt.filename)
	}
}

func TestUploadRemovesBlobWhenDocumentNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	st := new(store.MockStore)
	st.On("CreateDocument", mock.Anything, mock.Anything).Return(store.Document{}, errors.New("db down"))
	blobs := new(blob.MockStore)
	blobs.On("Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, "application/pdf").Return(nil)
	blobs.On("Delete", mock.Anything, mock.MatchedBy(func(key string) bool {
		return strings.HasSuffix(key, "/report.pdf")
	})).Return(nil).Once()
	env.deps.Store = st
	env.deps.Blob = blobs
	env.deps.Orchestrator = ingest.New(st, env.deps.Index, env.emb, env.ext, ingest.WithLogger(env.deps.Log))

	rec := httptest.NewRecorder()
	newRouter(env.deps).ServeHTTP(rec, uploadRequest(t, "report.pdf", "application/pdf", []byte("%PDF-1.4")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	blobs.AssertExpectations(t)
	env.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
}
