package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/openai/openai-go/v3"

	"doc-rag/internal/blob"
	"doc-rag/internal/cache"
	"doc-rag/internal/chunker"
	"doc-rag/internal/config"
	"doc-rag/internal/embeddings"
	"doc-rag/internal/extractor"
	"doc-rag/internal/ingest"
	"doc-rag/internal/logger"
	"doc-rag/internal/queue"
	"doc-rag/internal/retrieval"
	"doc-rag/internal/retry"
	"doc-rag/internal/store"
	"doc-rag/internal/vectorindex"
)

// pgvectorTable keeps vectors apart from the relational document_chunks table when
// both live in the same database.
const pgvectorTable = "document_chunk_vectors"

// Deps bundles common runtime dependencies for services.
type Deps struct {
	Config       config.Config
	Log          *slog.Logger
	Store        store.Store
	Index        vectorindex.Index
	Embedder     embeddings.Embedder
	Extractor    extractor.Extractor
	Queue        queue.Queue
	Cache        cache.Cache
	Blob         blob.Store
	Orchestrator *ingest.Orchestrator
	Retriever    *retrieval.Retriever

	closers []func() error
}

// Close releases every component in reverse construction order.
func (d *Deps) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

func (d *Deps) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

// Build loads env, config, and shared components for the named service.
func Build(service string) (*Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg := config.Load()
	log := logger.New(cfg.LogLevel, service)
	if err := checkTopology(service, cfg); err != nil {
		return nil, err
	}
	ctx := context.Background()

	d := &Deps{Config: cfg, Log: log}
	fail := func(what string, err error) (*Deps, error) {
		if cerr := d.Close(); cerr != nil {
			log.Warn("cleanup after failed build", "err", cerr)
		}
		return nil, fmt.Errorf("failed to initialize %s: %w", what, err)
	}

	var err error
	if d.Store, err = buildStore(cfg, log); err != nil {
		return fail("store", err)
	}
	d.onClose(d.Store.Close)

	if d.Index, err = buildIndex(ctx, cfg, log); err != nil {
		return fail("vector index", err)
	}
	d.onClose(d.Index.Close)

	if d.Embedder, err = buildEmbedder(cfg, log); err != nil {
		return fail("embedder", err)
	}

	d.Cache = buildCache(cfg, log)
	d.onClose(d.Cache.Close)

	if d.Blob, err = buildBlob(ctx, cfg, log); err != nil {
		return fail("blob storage", err)
	}

	q, closeQueue, err := buildQueue(cfg, log)
	if err != nil {
		return fail("queue", err)
	}
	d.Queue = q
	d.onClose(closeQueue)

	d.Extractor = extractor.NewPDF()
	d.Orchestrator = ingest.New(d.Store, d.Index, d.Embedder, d.Extractor,
		ingest.WithChunkOptions(chunker.Options{
			ChunkSize:    cfg.ChunkSize,
			Overlap:      cfg.ChunkOverlap,
			MinChunkSize: cfg.MinChunkSize,
		}),
		ingest.WithCache(d.Cache),
		ingest.WithStaleAfter(cfg.IngestStaleAfter),
		ingest.WithLogger(log.With("component", "ingest")),
	)
	d.Retriever = retrieval.New(d.Store, d.Index, d.Embedder,
		retrieval.WithTopK(cfg.RetrievalTopK),
		retrieval.WithCache(d.Cache, cfg.CacheTTL),
		retrieval.WithLogger(log.With("component", "retrieval")),
	)
	return d, nil
}

// checkTopology rejects index providers that cannot be shared with the other services.
// Badger holds an exclusive directory lock and memory is private to the process, so both
// need ingestion and retrieval to run inside the gateway.
func checkTopology(service string, cfg config.Config) error {
	switch cfg.VectorIndexProvider {
	case "badger", "memory":
	default:
		return nil
	}
	if service == "gateway" && cfg.QueueProvider == "local" && cfg.RetrievalURL == "" {
		return nil
	}
	return fmt.Errorf("VECTOR_INDEX_PROVIDER=%s needs a single process: run only the gateway with QUEUE_PROVIDER=local and no RETRIEVAL_URL, or use pgvector or elasticsearch",
		cfg.VectorIndexProvider)
}

func buildStore(cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreProvider {
	case "postgres":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when STORE_PROVIDER=postgres")
		}
		db, err := store.NewPostgres(cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
		log.Info("using Postgres store")
		return db, nil
	case "sqlite":
		db, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		log.Info("using SQLite store", "path", cfg.SQLitePath)
		return db, nil
	default:
		return nil, fmt.Errorf("invalid STORE_PROVIDER: %s (valid options: postgres, sqlite)", cfg.StoreProvider)
	}
}

func buildIndex(ctx context.Context, cfg config.Config, log *slog.Logger) (vectorindex.Index, error) {
	switch cfg.VectorIndexProvider {
	case "badger":
		idx, err := vectorindex.OpenBadger(cfg.VectorIndexPath, cfg.EmbeddingDimensions, log)
		if err != nil {
			return nil, err
		}
		log.Info("using Badger vector index", "path", cfg.VectorIndexPath)
		return idx, nil
	case "memory":
		log.Warn("using in-memory vector index; vectors are lost on restart")
		return vectorindex.NewMemory(cfg.EmbeddingDimensions), nil
	case "pgvector":
		if cfg.DBURL == "" {
			return nil, fmt.Errorf("DB_URL is required when VECTOR_INDEX_PROVIDER=pgvector")
		}
		idx, err := vectorindex.NewPGVector(cfg.DBURL, pgvectorTable, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize pgvector: %w", err)
		}
		log.Info("using pgvector index", "table", pgvectorTable)
		return idx, nil
	case "elasticsearch":
		idx, err := vectorindex.NewElastic(ctx, vectorindex.ElasticConfig{
			Addresses: cfg.ESAddresses,
			Username:  cfg.ESUsername,
			Password:  cfg.ESPassword,
			Index:     cfg.ESIndex,
			Dims:      cfg.EmbeddingDimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Elasticsearch: %w", err)
		}
		log.Info("using Elasticsearch vector index", "index", cfg.ESIndex)
		return idx, nil
	default:
		return nil, fmt.Errorf("invalid VECTOR_INDEX_PROVIDER: %s (valid options: badger, memory, pgvector, elasticsearch)", cfg.VectorIndexProvider)
	}
}

func buildEmbedder(cfg config.Config, log *slog.Logger) (embeddings.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when EMBEDDING_PROVIDER=openai")
		}
		embedder, err := embeddings.NewOpenAIEmbedder(cfg.OpenAIKey, openai.EmbeddingModel(cfg.EmbeddingModel),
			embeddings.WithBaseURL(cfg.OpenAIBaseURL),
			embeddings.WithDimensions(cfg.EmbeddingDimensions),
			embeddings.WithBatchSize(cfg.EmbeddingBatchSize),
			embeddings.WithTimeout(cfg.EmbeddingTimeout),
			embeddings.WithRateLimit(cfg.EmbeddingRPS),
			embeddings.WithRetryPolicy(retry.Policy{
				MaxAttempts: cfg.EmbeddingAttempts,
				BaseDelay:   cfg.EmbeddingRetryBase,
				MaxDelay:    cfg.EmbeddingRetryMax,
			}),
			embeddings.WithLogger(log),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize OpenAI embedder: %w", err)
		}
		log.Info("using OpenAI embedder", "model", cfg.EmbeddingModel, "dimensions", cfg.EmbeddingDimensions)
		return embedder, nil
	default:
		return nil, fmt.Errorf("invalid EMBEDDING_PROVIDER: %s (valid option: openai)", cfg.EmbeddingProvider)
	}
}

// buildCache falls back to the no-op cache when Redis is unreachable; retrieval
// works without it.
func buildCache(cfg config.Config, log *slog.Logger) cache.Cache {
	switch cfg.CacheProvider {
	case "redis":
		c, err := cache.NewRedis(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn("redis unavailable, caching disabled", "addr", cfg.RedisAddr, "err", err)
			return cache.Nop{}
		}
		log.Info("using Redis cache", "addr", cfg.RedisAddr, "ttl", cfg.CacheTTL)
		return c
	case "none", "":
		return cache.Nop{}
	default:
		log.Warn("unknown CACHE_PROVIDER, caching disabled", "provider", cfg.CacheProvider)
		return cache.Nop{}
	}
}

func buildBlob(ctx context.Context, cfg config.Config, log *slog.Logger) (blob.Store, error) {
	switch cfg.BlobProvider {
	case "fs":
		s, err := blob.NewFS(cfg.BlobDir)
		if err != nil {
			return nil, err
		}
		log.Info("using filesystem blob storage", "dir", cfg.BlobDir)
		return s, nil
	case "minio":
		if cfg.MinIOEndpoint == "" {
			return nil, fmt.Errorf("MINIO_ENDPOINT is required when BLOB_PROVIDER=minio")
		}
		s, err := blob.NewMinIO(ctx, blob.MinIOConfig{
			Endpoint:        cfg.MinIOEndpoint,
			AccessKeyID:     cfg.MinIOAccessKey,
			SecretAccessKey: cfg.MinIOSecretKey,
			Bucket:          cfg.MinIOBucket,
			UseSSL:          cfg.MinIOUseSSL,
		}, log)
		if err != nil {
			return nil, err
		}
		log.Info("using MinIO blob storage", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucket)
		return s, nil
	default:
		return nil, fmt.Errorf("invalid BLOB_PROVIDER: %s (valid options: fs, minio)", cfg.BlobProvider)
	}
}

func buildQueue(cfg config.Config, log *slog.Logger) (queue.Queue, func() error, error) {
	switch cfg.QueueProvider {
	case "nats":
		if cfg.QueueURL == "" {
			return nil, nil, fmt.Errorf("QUEUE_URL is required when QUEUE_PROVIDER=nats")
		}
		nc, err := nats.Connect(cfg.QueueURL, nats.ErrorHandler(queue.SlowConsumerHandler(log)))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		log.Info("using NATS queue", "workers", cfg.WorkerPoolSize)
		return queue.NewNATS(log, nc, cfg.WorkerPoolSize), func() error { return nc.Drain() }, nil
	case "local":
		q, err := queue.NewLocal(log, cfg.WorkerPoolSize)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using in-process queue", "workers", cfg.WorkerPoolSize)
		return q, func() error { return q.Close(30 * time.Second) }, nil
	default:
		return nil, nil, fmt.Errorf("invalid QUEUE_PROVIDER: %s (valid options: nats, local)", cfg.QueueProvider)
	}
}
