package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadFromDefaults(t *testing.T) {
	cfg := LoadFrom(map[string]string{})

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8081, cfg.HealthPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "postgres", cfg.StoreProvider)
	assert.Equal(t, "nats", cfg.QueueProvider)
	assert.Equal(t, 4, cfg.WorkerPoolSize)
	assert.Equal(t, "text-embedding-3-large", cfg.EmbeddingModel)
	assert.Equal(t, 3072, cfg.EmbeddingDimensions)
	assert.Equal(t, 16, cfg.EmbeddingBatchSize)
	assert.Equal(t, 2*time.Second, cfg.EmbeddingRetryBase)
	assert.Equal(t, "pgvector", cfg.VectorIndexProvider)
	assert.Equal(t, 30*time.Minute, cfg.IngestStaleAfter)
	assert.Equal(t, []string{"http://localhost:9200"}, cfg.ESAddresses)
	assert.Equal(t, "none", cfg.CacheProvider)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, "fs", cfg.BlobProvider)
	assert.Equal(t, 500, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.ChunkOverlap)
	assert.Equal(t, 100, cfg.MinChunkSize)
	assert.Equal(t, 3, cfg.RetrievalTopK)
	assert.Empty(t, cfg.RetrievalURL)
}

func TestLoadFromOverrides(t *testing.T) {
	cfg := LoadFrom(map[string]string{
		"PORT":                  "9090",
		"CACHE_TTL":             "5m",
		"REDIS_DB":              "2",
		"STORE_PROVIDER":        "sqlite",
		"VECTOR_INDEX_PROVIDER": "elasticsearch",
		"ES_ADDRESSES":          "http://es1:9200,http://es2:9200",
		"MINIO_USE_SSL":         "true",
	})

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "sqlite", cfg.StoreProvider)
	assert.Equal(t, "elasticsearch", cfg.VectorIndexProvider)
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, cfg.ESAddresses)
	assert.True(t, cfg.MinIOUseSSL)
}

func TestLoadReadsProcessEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CHUNK_SIZE", "800")

	cfg := Load()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 800, cfg.ChunkSize)
}
