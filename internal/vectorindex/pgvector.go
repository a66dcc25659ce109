package vectorindex

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"doc-rag/internal/chunker"
	"doc-rag/internal/embeddings"
)

// PGVector keeps records in a Postgres table with a pgvector column and answers
// searches with the cosine distance operator.
type PGVector struct {
	db    *sql.DB
	table string
	dims  int
}

// NewPGVector connects to Postgres and ensures the records table exists.
func NewPGVector(dsn, table string, dims int) (*PGVector, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("pgvector index needs a fixed dimension")
	}
	if table == "" {
		table = DefaultCollection
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	p := &PGVector{db: db, table: pq.QuoteIdentifier(table), dims: dims}
	if err := p.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PGVector) migrate(ctx context.Context) error {
	// Serialise schema changes across services starting together.
	const lockID = 723911004

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, lockID); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockID)
	}()

	if _, err := conn.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			page_numbers TEXT NOT NULL DEFAULT '',
			embedding vector(%d) NOT NULL
		)`, p.table, p.dims),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`,
			pq.QuoteIdentifier(unquote(p.table)+"_document_idx"), p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	// ivfflat/hnsw cap out at 2000 dimensions; wider vectors fall back to exact scans.
	if p.dims <= 2000 {
		_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS %s
			ON %s USING hnsw (embedding vector_cosine_ops)`,
			pq.QuoteIdentifier(unquote(p.table)+"_embedding_idx"), p.table))
		if err != nil {
			return fmt.Errorf("failed to create vector index: %w", err)
		}
	}
	return nil
}

func (p *PGVector) Add(ctx context.Context, documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector) (int, error) {
	records, err := buildRecords(documentID, chunks, vectors, p.dims)
	if err != nil || len(records) == 0 {
		return 0, err
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, document_id, chunk_index, content, page_numbers, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			document_id = excluded.document_id,
			chunk_index = excluded.chunk_index,
			content = excluded.content,
			page_numbers = excluded.page_numbers,
			embedding = excluded.embedding`, p.table))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ChunkID, r.DocumentID, r.ChunkIndex, r.Content,
			FormatPages(r.PageNumbers), pgvector.NewVector(r.Embedding)); err != nil {
			return 0, fmt.Errorf("insert %s: %w", r.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (p *PGVector) Search(ctx context.Context, query embeddings.Vector, documentIDs []string, k int) ([]Result, error) {
	if k <= 0 {
		k = DefaultSearchK
	}
	q := pgvector.NewVector(query)

	var (
		rows *sql.Rows
		err  error
	)
	switch len(documentIDs) {
	case 0:
		rows, err = p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, document_id, chunk_index, content, page_numbers, embedding <=> $1 AS distance
			FROM %s ORDER BY distance, id LIMIT $2`, p.table), q, k)
	case 1:
		rows, err = p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, document_id, chunk_index, content, page_numbers, embedding <=> $1 AS distance
			FROM %s WHERE document_id = $2 ORDER BY distance, id LIMIT $3`, p.table), q, documentIDs[0], k)
	default:
		rows, err = p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, document_id, chunk_index, content, page_numbers, embedding <=> $1 AS distance
			FROM %s WHERE document_id = ANY($2) ORDER BY distance, id LIMIT $3`, p.table), q, pq.Array(documentIDs), k)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r     Result
			pages string
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ChunkIndex, &r.Content, &pages, &r.Distance); err != nil {
			return nil, err
		}
		r.PageNumbers = ParsePages(pages)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *PGVector) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	res, err := p.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, p.table), documentID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PGVector) Count(ctx context.Context, documentID string) (int, error) {
	var n int
	var err error
	if documentID == "" {
		err = p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, p.table)).Scan(&n)
	} else {
		err = p.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE document_id = $1`, p.table), documentID).Scan(&n)
	}
	return n, err
}

func (p *PGVector) Records(ctx context.Context, documentID string) ([]Record, error) {
	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, document_id, chunk_index, content, page_numbers, embedding
		FROM %s WHERE document_id = $1 ORDER BY chunk_index`, p.table), documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r     Record
			pages string
			vec   pgvector.Vector
		)
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.ChunkIndex, &r.Content, &pages, &vec); err != nil {
			return nil, err
		}
		r.PageNumbers = ParsePages(pages)
		r.Embedding = vec.Slice()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PGVector) Close() error {
	return p.db.Close()
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
