package config

import (
	"log/slog"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds runtime configuration shared by every service.
type Config struct {
	// Server
	Port       int    `env:"PORT" envDefault:"8080"`
	HealthPort int    `env:"HEALTH_PORT" envDefault:"8081"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	// Upload limits
	MaxUploadSize int64 `env:"MAX_UPLOAD_SIZE" envDefault:"10485760"` // 10MB in bytes

	// Store
	StoreProvider string `env:"STORE_PROVIDER" envDefault:"postgres"` // "postgres" or "sqlite" (single node)
	DBURL         string `env:"DB_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/rag.db"`

	// Queue
	QueueProvider  string `env:"QUEUE_PROVIDER" envDefault:"nats"` // "nats" or "local" (in-process worker pool)
	QueueURL       string `env:"QUEUE_URL"`
	WorkerPoolSize int    `env:"WORKER_POOL_SIZE" envDefault:"4"`

	// Embeddings
	EmbeddingProvider   string        `env:"EMBEDDING_PROVIDER" envDefault:"openai"`
	OpenAIKey           string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL       string        `env:"OPENAI_BASE_URL"`
	EmbeddingModel      string        `env:"EMBEDDING_MODEL" envDefault:"text-embedding-3-large"`
	EmbeddingDimensions int           `env:"EMBEDDING_DIMENSIONS" envDefault:"3072"`
	EmbeddingBatchSize  int           `env:"EMBEDDING_BATCH_SIZE" envDefault:"16"`
	EmbeddingAttempts   int           `env:"EMBEDDING_MAX_ATTEMPTS" envDefault:"3"`
	EmbeddingRetryBase  time.Duration `env:"EMBEDDING_RETRY_BASE" envDefault:"2s"`
	EmbeddingRetryMax   time.Duration `env:"EMBEDDING_RETRY_MAX" envDefault:"10s"`
	EmbeddingRPS        float64       `env:"EMBEDDING_RPS" envDefault:"0"` // 0 disables client-side pacing
	EmbeddingTimeout    time.Duration `env:"EMBEDDING_TIMEOUT" envDefault:"30s"`

	// Vector index
	VectorIndexProvider string   `env:"VECTOR_INDEX_PROVIDER" envDefault:"pgvector"` // "pgvector", "elasticsearch", or single-process "badger"/"memory"
	VectorIndexPath     string   `env:"VECTOR_INDEX_PATH" envDefault:"data/vectors"`
	ESAddresses         []string `env:"ES_ADDRESSES" envSeparator:"," envDefault:"http://localhost:9200"`
	ESUsername          string   `env:"ES_USERNAME"`
	ESPassword          string   `env:"ES_PASSWORD"`
	ESIndex             string   `env:"ES_INDEX" envDefault:"document_chunks"`

	// Cache
	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"none"` // "redis" or "none"
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"1h"`

	// Raw file storage
	BlobProvider   string `env:"BLOB_PROVIDER" envDefault:"fs"` // "fs" or "minio"
	BlobDir        string `env:"BLOB_DIR" envDefault:"data/uploads"`
	MinIOEndpoint  string `env:"MINIO_ENDPOINT"`
	MinIOAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinIOSecretKey string `env:"MINIO_SECRET_KEY"`
	MinIOBucket    string `env:"MINIO_BUCKET" envDefault:"documents"`
	MinIOUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	// Ingestion
	// A document left in processing longer than this is treated as abandoned by a dead worker.
	IngestStaleAfter time.Duration `env:"INGEST_STALE_AFTER" envDefault:"30m"`

	// Chunking
	ChunkSize    int `env:"CHUNK_SIZE" envDefault:"500"`
	ChunkOverlap int `env:"CHUNK_OVERLAP" envDefault:"50"`
	MinChunkSize int `env:"MIN_CHUNK_SIZE" envDefault:"100"`

	// Retrieval
	RetrievalTopK int    `env:"RETRIEVAL_TOP_K" envDefault:"3"`
	RetrievalURL  string `env:"RETRIEVAL_URL"` // empty serves retrieval in-process
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	return parse(env.Options{})
}

// LoadFrom reads configuration from vars instead of the process environment.
func LoadFrom(vars map[string]string) Config {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) Config {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		slog.Warn("failed to parse env; using defaults where set", "err", err)
	}
	return cfg
}
