package embeddings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"golang.org/x/time/rate"

	"doc-rag/internal/domain"
	"doc-rag/internal/retry"
)

const (
	defaultEmbeddingTimeout = 30 * time.Second
	defaultBatchSize        = 16
)

// OpenAIEmbedder calls OpenAI's embeddings API in fixed-size batches, retrying
// transient failures with capped exponential backoff.
type OpenAIEmbedder struct {
	model      openai.EmbeddingModel
	dimensions int
	batchSize  int
	timeout    time.Duration
	policy     retry.Policy
	limiter    *rate.Limiter
	client     *openai.Client
	log        *slog.Logger
}

type openAIConfig struct {
	baseURL    string
	dimensions int
	batchSize  int
	timeout    time.Duration
	policy     retry.Policy
	rps        float64
	httpClient *http.Client
	log        *slog.Logger
}

// Option configures an OpenAIEmbedder.
type Option func(*openAIConfig)

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithDimensions requests vectors of the given size. Zero keeps the model default.
func WithDimensions(n int) Option {
	return func(c *openAIConfig) { c.dimensions = n }
}

func WithBatchSize(n int) Option {
	return func(c *openAIConfig) { c.batchSize = n }
}

// WithTimeout bounds each HTTP request, not the whole batch run.
func WithTimeout(d time.Duration) Option {
	return func(c *openAIConfig) { c.timeout = d }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(c *openAIConfig) { c.policy = p }
}

// WithRateLimit paces outgoing requests. Zero or negative disables pacing.
func WithRateLimit(requestsPerSecond float64) Option {
	return func(c *openAIConfig) { c.rps = requestsPerSecond }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *openAIConfig) { c.httpClient = hc }
}

func WithLogger(log *slog.Logger) Option {
	return func(c *openAIConfig) { c.log = log }
}

// NewOpenAIEmbedder creates a new OpenAI embedder.
func NewOpenAIEmbedder(apiKey string, model openai.EmbeddingModel, opts ...Option) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api key required")
	}
	if model == "" {
		model = openai.EmbeddingModelTextEmbedding3Large
	}
	cfg := openAIConfig{
		batchSize: defaultBatchSize,
		timeout:   defaultEmbeddingTimeout,
		policy:    retry.DefaultPolicy(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.batchSize <= 0 {
		cfg.batchSize = defaultBatchSize
	}
	cfg.policy.Retryable = IsTransient

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries are owned by the retry policy so attempts stay bounded.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}
	cli := openai.NewClient(reqOpts...)

	e := &OpenAIEmbedder{
		model:      model,
		dimensions: cfg.dimensions,
		batchSize:  cfg.batchSize,
		timeout:    cfg.timeout,
		policy:     cfg.policy,
		client:     &cli,
		log:        cfg.log.With("component", "openai-embedder", "model", string(model)),
	}
	if cfg.rps > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.rps), 1)
	}
	return e, nil
}

// Dimensions reports the requested vector size, 0 when the model default is used.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: text must not be empty", domain.ErrValidation)
	}
	vectors, err := e.embedWithRetry(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	valid := make([]string, 0, len(texts))
	for _, t := range texts {
		if strings.TrimSpace(t) != "" {
			valid = append(valid, t)
		}
	}
	if len(valid) == 0 {
		return []Vector{}, nil
	}

	out := make([]Vector, 0, len(valid))
	for start := 0; start < len(valid); start += e.batchSize {
		end := start + e.batchSize
		if end > len(valid) {
			end = len(valid)
		}
		vectors, err := e.embedWithRetry(ctx, valid[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
		e.log.Debug("embedded batch", "from", start, "to", end, "total", len(valid))
	}
	return out, nil
}

func (e *OpenAIEmbedder) embedWithRetry(ctx context.Context, batch []string) ([]Vector, error) {
	var vectors []Vector
	attempt := 0
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		attempt++
		var err error
		vectors, err = e.request(ctx, batch)
		if err != nil && IsTransient(err) && attempt < e.policy.MaxAttempts {
			e.log.Warn("transient embedding failure, retrying", "attempt", attempt, "size", len(batch), "err", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) request(ctx context.Context, batch []string) ([]Vector, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: batch,
		},
		Model: e.model,
	}
	if e.dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.dimensions))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", domain.ErrUpstream, len(batch), len(resp.Data))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	vectors := make([]Vector, len(data))
	for i, d := range data {
		// Convert []float64 to []float32
		vec := make(Vector, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// IsTransient reports whether err belongs to the retryable failure classes.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransient)
}

// classify tags provider errors as transient or upstream.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return fmt.Errorf("%w: %w", domain.ErrUpstream, err)
}
