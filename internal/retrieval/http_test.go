package retrieval

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-rag/internal/embeddings"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorindex"
)

func TestHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setupMock  func(*store.MockStore, *vectorindex.MockIndex, *embeddings.MockEmbedder)
		wantStatus int
		want       Response
	}{
		{
			name: "context found",
			body: `{"question":"What is Go?","document_id":"doc-1","top_k":2}`,
			setupMock: func(st *store.MockStore, idx *vectorindex.MockIndex, emb *embeddings.MockEmbedder) {
				st.On("GetDocument", mock.Anything, "doc-1").Return(store.Document{ID: "doc-1", RAGStatus: store.StatusCompleted}, nil)
				emb.On("Embed", mock.Anything, "What is Go?").Return(embeddings.Vector{1}, nil)
				idx.On("Search", mock.Anything, embeddings.Vector{1}, []string{"doc-1"}, 2).
					Return([]vectorindex.Result{{Content: "A language.", PageNumbers: []int{4}}}, nil)
			},
			wantStatus: http.StatusOK,
			want:       Response{Context: "[Source 1 | page 4]\nA language.", Available: true},
		},
		{
			name: "document not ready is not an error",
			body: `{"question":"What is Go?","document_id":"doc-1"}`,
			setupMock: func(st *store.MockStore, idx *vectorindex.MockIndex, emb *embeddings.MockEmbedder) {
				st.On("GetDocument", mock.Anything, "doc-1").Return(store.Document{ID: "doc-1", RAGStatus: store.StatusPending}, nil)
			},
			wantStatus: http.StatusOK,
			want:       Response{},
		},
		{
			name:       "missing document id",
			body:       `{"question":"What is Go?"}`,
			setupMock:  func(*store.MockStore, *vectorindex.MockIndex, *embeddings.MockEmbedder) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "top_k out of range",
			body:       `{"question":"q","document_id":"doc-1","top_k":100}`,
			setupMock:  func(*store.MockStore, *vectorindex.MockIndex, *embeddings.MockEmbedder) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := new(store.MockStore)
			idx := new(vectorindex.MockIndex)
			emb := new(embeddings.MockEmbedder)
			tt.setupMock(st, idx, emb)

			h := Handler(New(st, idx, emb, WithLogger(discard)), discard)
			rec := httptest.NewRecorder()
			h(rec, httptest.NewRequest(http.MethodPost, "/api/retrieve", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var got Response
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
				assert.Equal(t, tt.want, got)
			}
			st.AssertExpectations(t)
			idx.AssertExpectations(t)
			emb.AssertExpectations(t)
		})
	}
}
