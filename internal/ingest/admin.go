package ingest

import (
	"context"
	"fmt"

	"doc-rag/internal/store"
	"doc-rag/internal/vectorindex"
)

// Status returns the ingestion fields of a document.
func (o *Orchestrator) Status(ctx context.Context, docID string) (store.RAGState, error) {
	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return store.RAGState{}, err
	}
	return store.RAGState{Status: doc.RAGStatus, Error: doc.RAGError, ChunkCount: doc.ChunkCount}, nil
}

// Logs returns the processing log of a document in creation order.
func (o *Orchestrator) Logs(ctx context.Context, docID string) ([]store.LogEntry, error) {
	if _, err := o.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	return o.store.ListLogs(ctx, docID)
}

// Chunks returns the persisted chunk rows of a document.
func (o *Orchestrator) Chunks(ctx context.Context, docID string) ([]store.DocumentChunk, error) {
	if _, err := o.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	return o.store.ListChunks(ctx, docID)
}

// Purge removes a document's vectors and chunk rows and resets it to pending.
// It returns the number of vectors removed.
func (o *Orchestrator) Purge(ctx context.Context, docID string) (int, error) {
	unlock := o.locks.Lock(docID)
	defer unlock()

	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	if doc.RAGStatus == store.StatusProcessing && !o.abandoned(doc) {
		return 0, ErrBusy
	}

	deleted, err := o.index.DeleteDocument(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("delete vectors: %w", err)
	}
	o.invalidate(ctx, docID)
	rowsDeleted, err := o.store.DeleteChunks(ctx, docID)
	if err != nil {
		return deleted, fmt.Errorf("delete chunk rows: %w", err)
	}

	status := store.StatusPending
	if doc.RAGStatus == store.StatusNotApplicable {
		status = store.StatusNotApplicable
	}
	if err := o.store.SetRAGState(ctx, docID, store.RAGState{Status: status}); err != nil {
		return deleted, fmt.Errorf("reset status: %w", err)
	}
	o.appendLog(ctx, docID, store.StagePurge, store.LogSuccess,
		fmt.Sprintf("deleted %d vectors and %d chunk rows", deleted, rowsDeleted),
		map[string]any{"deleted_count": deleted, "chunk_rows_deleted": rowsDeleted, "previous_status": string(doc.RAGStatus)})
	o.log.Info("document vectors purged", "document_id", docID, "deleted_count", deleted)
	return deleted, nil
}

// ReconcileReport describes what Reconcile found and changed.
type ReconcileReport struct {
	DocumentID   string          `json:"document_id"`
	IndexedCount int             `json:"indexed_count"`
	ChunkRows    int             `json:"chunk_rows"`
	RowsRepaired bool            `json:"rows_repaired"`
	Status       store.RAGStatus `json:"rag_status"`
	ChunkCount   int             `json:"chunk_count"`
}

// Reconcile heals drift between the vector index and the relational chunk rows.
// The index is authoritative: rows are rebuilt from its records and chunk_count is
// set to the number of records. A completed document without records becomes failed.
func (o *Orchestrator) Reconcile(ctx context.Context, docID string) (ReconcileReport, error) {
	unlock := o.locks.Lock(docID)
	defer unlock()

	doc, err := o.store.GetDocument(ctx, docID)
	if err != nil {
		return ReconcileReport{}, err
	}
	if doc.RAGStatus == store.StatusProcessing && !o.abandoned(doc) {
		return ReconcileReport{}, ErrBusy
	}

	records, err := o.index.Records(ctx, docID)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list vectors: %w", err)
	}
	rows, err := o.store.ListChunks(ctx, docID)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list chunk rows: %w", err)
	}

	report := ReconcileReport{
		DocumentID:   docID,
		IndexedCount: len(records),
		ChunkRows:    len(rows),
		Status:       doc.RAGStatus,
		ChunkCount:   doc.ChunkCount,
	}

	if drifted(records, rows) {
		if err := o.store.ReplaceChunks(ctx, docID, rowsFromRecords(records)); err != nil {
			return report, fmt.Errorf("rebuild chunk rows: %w", err)
		}
		report.RowsRepaired = true
	}

	state := store.RAGState{Status: doc.RAGStatus, Error: doc.RAGError, ChunkCount: len(records)}
	switch {
	case doc.RAGStatus == store.StatusCompleted && len(records) == 0:
		state.Status = store.StatusFailed
		state.Error = "reconcile: no indexed chunks found"
	case doc.RAGStatus == store.StatusProcessing:
		state.Status = store.StatusFailed
		state.Error = "reconcile: ingestion abandoned while processing"
	}
	if state.Status != doc.RAGStatus || state.ChunkCount != doc.ChunkCount {
		if err := o.store.SetRAGState(ctx, docID, state); err != nil {
			return report, fmt.Errorf("update status: %w", err)
		}
	}
	report.Status = state.Status
	report.ChunkCount = state.ChunkCount

	if report.RowsRepaired || state.Status != doc.RAGStatus || state.ChunkCount != doc.ChunkCount {
		o.appendLog(ctx, docID, store.StageReconcile, store.LogSuccess, "drift repaired", map[string]any{
			"indexed_count":   len(records),
			"chunk_rows":      len(rows),
			"rows_repaired":   report.RowsRepaired,
			"previous_status": string(doc.RAGStatus),
			"rag_status":      string(state.Status),
		})
		o.log.Warn("document drift repaired", "document_id", docID,
			"indexed_count", len(records), "chunk_rows", len(rows), "rag_status", state.Status)
	}
	return report, nil
}

// drifted reports whether the chunk rows differ from the index records by id set.
// Both slices are ordered by chunk index.
func drifted(records []vectorindex.Record, rows []store.DocumentChunk) bool {
	if len(records) != len(rows) {
		return true
	}
	for i := range records {
		if records[i].ChunkID != rows[i].ID {
			return true
		}
	}
	return false
}

func rowsFromRecords(records []vectorindex.Record) []store.DocumentChunk {
	rows := make([]store.DocumentChunk, len(records))
	for i, r := range records {
		rows[i] = store.DocumentChunk{
			ID:             r.ChunkID,
			DocumentID:     r.DocumentID,
			ChunkIndex:     r.ChunkIndex,
			ContentPreview: truncate(r.Content, maxPreviewLen),
			PageNumbers:    r.PageNumbers,
			CharCount:      len([]rune(r.Content)),
		}
	}
	return rows
}
