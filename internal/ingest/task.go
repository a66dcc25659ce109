package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"doc-rag/internal/blob"
	"doc-rag/internal/domain"
	"doc-rag/internal/queue"
)

// TaskPayload is the body of an ingest task.
type TaskPayload struct {
	DocumentID string `json:"document_id"`
	ObjectKey  string `json:"object_key"`
}

// NewTask builds an ingest task for the queue.
func NewTask(p TaskPayload) (queue.Task, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return queue.Task{}, err
	}
	return queue.Task{Type: queue.TaskTypeIngest, Payload: body, MaxAttempts: 3}, nil
}

// TaskHandler adapts the Orchestrator to a queue worker. Only errors that happened
// before the pipeline recorded anything are returned, so the queue retries those alone.
func TaskHandler(o *Orchestrator, blobs blob.Store, log *slog.Logger) queue.Handler {
	return func(ctx context.Context, task queue.Task) error {
		var p TaskPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			log.Error("dropping malformed ingest task", "id", task.ID, "err", err)
			return nil
		}

		err := o.Ingest(ctx, p.DocumentID, func(ctx context.Context) ([]byte, error) {
			return blobs.Get(ctx, p.ObjectKey)
		})

		var stageErr *domain.StageError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &stageErr):
			return nil
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrNotFound):
			log.Warn("ingest task skipped", "id", task.ID, "document_id", p.DocumentID, "err", err)
			return nil
		default:
			return err
		}
	}
}
