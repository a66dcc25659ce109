package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

// SQLStore implements Store over database/sql. Queries are written with "?"
// placeholders and rebound for Postgres. Timestamps are stored as Unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (s *SQLStore) CreateDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.RAGStatus == "" {
		doc.RAGStatus = StatusPending
	}
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO documents (id, filename, content_type, object_key, rag_status, rag_error, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, NULL, 0, ?, ?)`),
		doc.ID, doc.Filename, doc.ContentType, doc.ObjectKey, string(doc.RAGStatus), now, now)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	doc.RAGError = ""
	doc.ChunkCount = 0
	doc.CreatedAt = fromMillis(now)
	doc.UpdatedAt = doc.CreatedAt
	return doc, nil
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (Document, error) {
	var (
		doc     Document
		status  string
		ragErr  sql.NullString
		created int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, filename, content_type, object_key, rag_status, rag_error, chunk_count, created_at, updated_at
		FROM documents WHERE id = ?`), id).
		Scan(&doc.ID, &doc.Filename, &doc.ContentType, &doc.ObjectKey, &status, &ragErr, &doc.ChunkCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrDocumentNotFound
		}
		return Document{}, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	doc.RAGStatus = RAGStatus(status)
	doc.RAGError = ragErr.String
	doc.CreatedAt = fromMillis(created)
	doc.UpdatedAt = fromMillis(updated)
	return doc, nil
}

func (s *SQLStore) SetRAGState(ctx context.Context, id string, state RAGState) error {
	var ragErr sql.NullString
	if state.Error != "" {
		ragErr = sql.NullString{String: state.Error, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE documents SET rag_status = ?, rag_error = ?, chunk_count = ?, updated_at = ? WHERE id = ?`),
		string(state.Status), ragErr, state.ChunkCount, nowMillis(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}

func (s *SQLStore) ReplaceChunks(ctx context.Context, docID string, chunks []DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM document_chunks WHERE document_id = ?`), docID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`
		INSERT INTO document_chunks (id, document_id, chunk_index, content_preview, page_numbers, char_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := nowMillis()
	for _, c := range chunks {
		pages, err := json.Marshal(c.PageNumbers)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, c.ID, docID, c.ChunkIndex, c.ContentPreview, string(pages), c.CharCount, now); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) ListChunks(ctx context.Context, docID string) ([]DocumentChunk, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, chunk_index, content_preview, page_numbers, char_count, created_at
		FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`), docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocumentChunk
	for rows.Next() {
		var (
			c       DocumentChunk
			pages   string
			created int64
		)
		if err := rows.Scan(&c.ID, &c.ChunkIndex, &c.ContentPreview, &pages, &c.CharCount, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(pages), &c.PageNumbers); err != nil {
			return nil, fmt.Errorf("decode page numbers of %s: %w", c.ID, err)
		}
		c.DocumentID = docID
		c.CreatedAt = fromMillis(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteChunks(ctx context.Context, docID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM document_chunks WHERE document_id = ?`), docID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLStore) AppendLog(ctx context.Context, entry LogEntry) (LogEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return LogEntry{}, fmt.Errorf("encode log metadata: %w", err)
	}
	now := nowMillis()
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO rag_processing_logs (id, document_id, stage, status, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.DocumentID, string(entry.Stage), string(entry.Status), entry.Message, string(meta), now)
	if err != nil {
		return LogEntry{}, fmt.Errorf("insert log entry: %w", err)
	}
	entry.CreatedAt = fromMillis(now)
	return entry, nil
}

func (s *SQLStore) ListLogs(ctx context.Context, docID string) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, stage, status, message, metadata, created_at
		FROM rag_processing_logs WHERE document_id = ? ORDER BY seq`), docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			stage   string
			status  string
			meta    string
			created int64
		)
		if err := rows.Scan(&e.ID, &stage, &status, &e.Message, &meta, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			return nil, fmt.Errorf("decode log metadata of %s: %w", e.ID, err)
		}
		e.DocumentID = docID
		e.Stage = Stage(stage)
		e.Status = LogStatus(status)
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
