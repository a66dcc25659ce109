package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"doc-rag/internal/chunker"
	"doc-rag/internal/embeddings"
)

// Keys are "rec\x00{document_id}\x00{chunk_index:010d}" so a document's records form
// one contiguous, index-ordered prefix range.
const badgerRecordPrefix = "rec\x00"

// Badger is a durable single-node index on top of BadgerDB. Search scans the
// candidate prefix and ranks in memory.
type Badger struct {
	db   *badger.DB
	dims int
	log  *slog.Logger
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	log *slog.Logger
}

var _ badger.Logger = (*badgerLogger)(nil)

func (l *badgerLogger) Errorf(msg string, items ...any) { l.log.Error(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.log.Warn(fmt.Sprintf(msg, items...))
}
func (l *badgerLogger) Infof(msg string, items ...any)  { l.log.Debug(fmt.Sprintf(msg, items...)) }
func (l *badgerLogger) Debugf(msg string, items ...any) { l.log.Debug(fmt.Sprintf(msg, items...)) }

// OpenBadger opens (creating if needed) an index stored under dir. An empty dir keeps
// everything in memory.
func OpenBadger(dir string, dims int, log *slog.Logger) (*Badger, error) {
	if log == nil {
		log = slog.Default()
	}
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = &badgerLogger{log: log.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, dims: dims, log: log}, nil
}

func badgerDocPrefix(documentID string) []byte {
	return []byte(badgerRecordPrefix + documentID + "\x00")
}

func badgerKey(documentID string, chunkIndex int) []byte {
	return []byte(fmt.Sprintf("%s%s\x00%010d", badgerRecordPrefix, documentID, chunkIndex))
}

func (b *Badger) Add(_ context.Context, documentID string, chunks []chunker.Chunk, vectors []embeddings.Vector) (int, error) {
	records, err := buildRecords(documentID, chunks, vectors, b.dims)
	if err != nil || len(records) == 0 {
		return 0, err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range records {
		val, err := json.Marshal(r)
		if err != nil {
			return 0, err
		}
		if err := wb.Set(badgerKey(documentID, r.ChunkIndex), val); err != nil {
			return 0, fmt.Errorf("stage record %s: %w", r.ChunkID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("write records: %w", err)
	}
	return len(records), nil
}

func (b *Badger) Search(_ context.Context, query embeddings.Vector, documentIDs []string, k int) ([]Result, error) {
	var candidates []Record
	if len(documentIDs) == 0 {
		recs, err := b.scan([]byte(badgerRecordPrefix), true)
		if err != nil {
			return nil, err
		}
		candidates = recs
	} else {
		for id := range documentFilter(documentIDs) {
			recs, err := b.scan(badgerDocPrefix(id), true)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, recs...)
		}
	}
	return rankRecords(query, candidates, k), nil
}

func (b *Badger) DeleteDocument(_ context.Context, documentID string) (int, error) {
	keys, err := b.keys(badgerDocPrefix(documentID))
	if err != nil || len(keys) == 0 {
		return 0, err
	}
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return len(keys), nil
}

func (b *Badger) Count(_ context.Context, documentID string) (int, error) {
	prefix := []byte(badgerRecordPrefix)
	if documentID != "" {
		prefix = badgerDocPrefix(documentID)
	}
	keys, err := b.keys(prefix)
	return len(keys), err
}

func (b *Badger) Records(_ context.Context, documentID string) ([]Record, error) {
	recs, err := b.scan(badgerDocPrefix(documentID), false)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ChunkIndex < recs[j].ChunkIndex })
	return recs, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

func (b *Badger) keys(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

func (b *Badger) scan(prefix []byte, prefetch bool) ([]Record, error) {
	var out []Record
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = prefetch
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !bytes.HasPrefix(item.Key(), prefix) {
				break
			}
			var r Record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &r)
			}); err != nil {
				return fmt.Errorf("decode %q: %w", item.Key(), err)
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}
