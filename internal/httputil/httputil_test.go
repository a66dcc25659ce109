package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-rag/internal/domain"
)

type retrieveBody struct {
	Question   string `json:"question" validate:"required"`
	DocumentID string `json:"document_id" validate:"required"`
	TopK       int    `json:"top_k" validate:"gte=0,lte=20"`
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "valid", body: `{"question":"q","document_id":"d","top_k":3}`},
		{name: "missing question", body: `{"document_id":"d"}`, wantErr: "Question failed on required"},
		{name: "top_k too large", body: `{"question":"q","document_id":"d","top_k":50}`, wantErr: "TopK failed on lte"},
		{name: "unknown field", body: `{"question":"q","document_id":"d","x":1}`, wantErr: "invalid JSON body"},
		{name: "malformed", body: `{`, wantErr: "invalid JSON body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst retrieveBody
			err := DecodeJSON(req, &dst)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", domain.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("document %w", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrTransient, http.StatusBadGateway},
		{domain.ErrUpstream, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestRecovererReturns500(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRouter(log)
	r.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	r.Get("/healthz", HealthHandler(log))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestFailWritesJSONError(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantMsg    string
	}{
		{"validation echoes cause", fmt.Errorf("%w: question is blank", domain.ErrValidation), http.StatusBadRequest, "validation error: question is blank"},
		{"internal hides cause", errors.New("db password wrong"), http.StatusInternalServerError, "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			FailErr(log, rec, "request failed", tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMsg, body.Error)
		})
	}
}
