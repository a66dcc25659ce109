package retrieval

import (
	"log/slog"
	"net/http"

	"doc-rag/internal/httputil"
)

// Request is the body of POST /api/retrieve.
type Request struct {
	Question   string `json:"question" validate:"required,max=2000"`
	DocumentID string `json:"document_id" validate:"required"`
	TopK       int    `json:"top_k" validate:"omitempty,min=1,max=20"`
}

// Response carries the formatted context. Available is false when the document has
// nothing to offer, which is not an error.
type Response struct {
	Context   string `json:"context"`
	Available bool   `json:"available"`
}

// Handler serves retrieval over HTTP.
func Handler(r *Retriever, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var body Request
		if err := httputil.DecodeJSON(req, &body); err != nil {
			httputil.FailErr(log, w, "invalid payload", err)
			return
		}
		text, ok := r.Retrieve(req.Context(), body.Question, body.DocumentID, body.TopK)
		httputil.WriteJSON(w, http.StatusOK, Response{Context: text, Available: ok})
	}
}
