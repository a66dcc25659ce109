package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doc-rag/internal/cache"
	"doc-rag/internal/config"
	"doc-rag/internal/vectorindex"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBuildProviders(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		StoreProvider:       "sqlite",
		SQLitePath:          filepath.Join(dir, "rag.db"),
		VectorIndexProvider: "memory",
		EmbeddingDimensions: 3,
		QueueProvider:       "local",
		WorkerPoolSize:      1,
		CacheProvider:       "none",
		BlobProvider:        "fs",
		BlobDir:             filepath.Join(dir, "uploads"),
	}
	ctx := context.Background()

	st, err := buildStore(cfg, discard)
	require.NoError(t, err)
	defer st.Close()

	idx, err := buildIndex(ctx, cfg, discard)
	require.NoError(t, err)
	assert.IsType(t, &vectorindex.Memory{}, idx)

	q, closeQueue, err := buildQueue(cfg, discard)
	require.NoError(t, err)
	assert.NotNil(t, q)
	assert.NoError(t, closeQueue())

	assert.IsType(t, cache.Nop{}, buildCache(cfg, discard))

	b, err := buildBlob(ctx, cfg, discard)
	require.NoError(t, err)
	assert.NotNil(t, b)
}

func TestBuildBadgerIndex(t *testing.T) {
	cfg := config.Config{VectorIndexProvider: "badger", VectorIndexPath: t.TempDir(), EmbeddingDimensions: 3}
	idx, err := buildIndex(context.Background(), cfg, discard)
	require.NoError(t, err)
	assert.IsType(t, &vectorindex.Badger{}, idx)
	assert.NoError(t, idx.Close())
}

func TestBuildRejectsInvalidProviders(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		build   func() error
		wantMsg string
	}{
		{
			name: "store",
			build: func() error {
				_, err := buildStore(config.Config{StoreProvider: "mysql"}, discard)
				return err
			},
			wantMsg: "invalid STORE_PROVIDER",
		},
		{
			name: "postgres without url",
			build: func() error {
				_, err := buildStore(config.Config{StoreProvider: "postgres"}, discard)
				return err
			},
			wantMsg: "DB_URL is required",
		},
		{
			name: "index",
			build: func() error {
				_, err := buildIndex(ctx, config.Config{VectorIndexProvider: "qdrant"}, discard)
				return err
			},
			wantMsg: "invalid VECTOR_INDEX_PROVIDER",
		},
		{
			name: "embedder without key",
			build: func() error {
				_, err := buildEmbedder(config.Config{EmbeddingProvider: "openai"}, discard)
				return err
			},
			wantMsg: "OPENAI_API_KEY is required",
		},
		{
			name: "queue",
			build: func() error {
				_, _, err := buildQueue(config.Config{QueueProvider: "kafka"}, discard)
				return err
			},
			wantMsg: "invalid QUEUE_PROVIDER",
		},
		{
			name: "blob",
			build: func() error {
				_, err := buildBlob(ctx, config.Config{BlobProvider: "s3"}, discard)
				return err
			},
			wantMsg: "invalid BLOB_PROVIDER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestDepsCloseRunsInReverseOrder(t *testing.T) {
	var order []int
	d := &Deps{}
	d.onClose(func() error { order = append(order, 1); return nil })
	d.onClose(func() error { order = append(order, 2); return errors.New("boom") })

	err := d.Close()
	assert.EqualError(t, err, "boom")
	assert.Equal(t, []int{2, 1}, order)
	assert.NoError(t, d.Close())
}

func TestCheckTopology(t *testing.T) {
	single := config.Config{VectorIndexProvider: "badger", QueueProvider: "local"}
	tests := []struct {
		name    string
		service string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{name: "badger in single-process gateway", service: "gateway"},
		{name: "memory in single-process gateway", service: "gateway", mutate: func(c *config.Config) { c.VectorIndexProvider = "memory" }},
		{name: "badger with nats queue", service: "gateway", mutate: func(c *config.Config) { c.QueueProvider = "nats" }, wantErr: true},
		{name: "badger with remote retrieval", service: "gateway", mutate: func(c *config.Config) { c.RetrievalURL = "http://retrieval:8080" }, wantErr: true},
		{name: "badger in ingest worker", service: "ingest", wantErr: true},
		{name: "memory in retrieval service", service: "retrieval", mutate: func(c *config.Config) { c.VectorIndexProvider = "memory" }, wantErr: true},
		{name: "pgvector anywhere", service: "ingest", mutate: func(c *config.Config) { c.VectorIndexProvider = "pgvector"; c.QueueProvider = "nats" }},
		{name: "elasticsearch anywhere", service: "retrieval", mutate: func(c *config.Config) { c.VectorIndexProvider = "elasticsearch" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := single
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			err := checkTopology(tt.service, cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "needs a single process")
				return
			}
			assert.NoError(t, err)
		})
	}
}
