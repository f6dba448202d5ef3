package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"golang.org/x/time/rate"

	"github.com/bull/ragsworth/internal/domain"
)

const (
	// DefaultModel is the OpenAI model used for generating embeddings.
	DefaultModel = "text-embedding-3-small"

	// DefaultDimension is the vector dimension for text-embedding-3-small.
	DefaultDimension = 1536

	// DefaultBatchSize balances requests-per-minute vs tokens-per-minute rate limits.
	// OpenAI supports up to 2048 texts per batch, but smaller batches reduce TPM pressure.
	DefaultBatchSize = 500
)

// Gateway turns texts into vectors. The result has the same length and
// order as the input; failures wrap domain.ErrProvider.
type Gateway interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Embedder is a Gateway backed by the OpenAI embeddings endpoint.
// It batches requests, limits the request rate and retries with
// exponential backoff on rate limit and server errors.
type Embedder struct {
	client      *Client
	model       string
	dim         int
	batchSize   int
	limiter     *rate.Limiter
	maxElapsed  time.Duration
	initialWait time.Duration
	logger      *slog.Logger
}

var _ Gateway = (*Embedder)(nil)

// Option configures an Embedder.
type Option func(*Embedder)

// WithModel sets the embedding model.
func WithModel(model string) Option {
	return func(e *Embedder) {
		if model != "" {
			e.model = model
		}
	}
}

// WithDimensions sets the expected vector dimension. Vectors of any other
// length are rejected.
func WithDimensions(dim int) Option {
	return func(e *Embedder) {
		if dim > 0 {
			e.dim = dim
		}
	}
}

// WithBatchSize sets the number of texts sent per request.
func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithRateLimit limits requests per second. Zero disables the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Embedder) {
		if rps <= 0 {
			e.limiter = nil
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithRetry sets the first backoff interval and the total retry budget.
func WithRetry(initial, maxElapsed time.Duration) Option {
	return func(e *Embedder) {
		e.initialWait = initial
		e.maxElapsed = maxElapsed
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Embedder) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEmbedder creates a new Embedder with the given client.
func NewEmbedder(client *Client, opts ...Option) *Embedder {
	e := &Embedder{
		client:      client,
		model:       DefaultModel,
		dim:         DefaultDimension,
		batchSize:   DefaultBatchSize,
		initialWait: 500 * time.Millisecond,
		maxElapsed:  30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dimensions implements Gateway.
func (e *Embedder) Dimensions() int { return e.dim }

// Embed implements Gateway.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	all := make([][]float32, 0, len(texts))

	// Process in batches
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))

		vectors, err := e.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vectors...)
	}

	return all, nil
}

// embedBatchWithRetry embeds a single batch. Rate limit and server errors
// are retried with exponential backoff; other errors fail immediately.
func (e *Embedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	operation := func() error {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}

		resp, err := e.client.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			if IsRetryable(err) {
				e.logger.Warn("Embedding request failed, retrying", "batch", len(texts), "error", err)
				return err
			}
			return backoff.Permanent(err)
		}

		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("%w: got %d embeddings for %d texts",
				domain.ErrInvalidRequest, len(resp.Data), len(texts)))
		}

		// The API may return items out of order.
		sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

		vectors = make([][]float32, len(resp.Data))
		for i, data := range resp.Data {
			if len(data.Embedding) != e.dim {
				return backoff.Permanent(fmt.Errorf("%w: model returned %d dimensions, expected %d",
					domain.ErrDimensionMismatch, len(data.Embedding), e.dim))
			}
			vectors[i] = toFloat32(data.Embedding)
		}
		return nil
	}

	// Configure exponential backoff
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialWait
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = e.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, ClassifyError("embed", err)
	}
	return vectors, nil
}

// toFloat32 converts []float64 to []float32.
// OpenAI API returns float64, but indexes store float32.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}
