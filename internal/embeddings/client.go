// Package embeddings turns record text into fixed-dimension vectors.
//
// The provider is any langchaingo Embedder (OpenAI or an OpenAI-compatible
// server such as TEI). LangchainClient adds rate limiting, batching with
// bounded concurrency, dimension checks and error mapping; CachingClient
// memoises vectors in the resilient cache.
package embeddings

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/metrics"
)

var tracer = otel.Tracer("github.com/GiovanoMP/chatwootai-sub005/internal/embeddings")

// Client produces embeddings. Every failure is an embedding error.
type Client interface {
	// Embed embeds one text after trimming it to maxTokens
	Embed(ctx context.Context, text string, maxTokens int) ([]float32, error)
	// EmbedBatch embeds texts in order; the result has one vector per text
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
}

// Config holds client configuration
type Config struct {
	Model          string  `json:"model"`
	Dimension      int     `json:"dimension"`
	MaxTokens      int     `json:"max_tokens"`
	BatchSize      int     `json:"batch_size"`
	Concurrency    int     `json:"concurrency"`
	RequestsPerSec float64 `json:"requests_per_sec"`
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		Model:          "text-embedding-3-small",
		Dimension:      1536,
		MaxTokens:      8000,
		BatchSize:      32,
		Concurrency:    4,
		RequestsPerSec: 10,
	}
}

// LangchainClient adapts a langchaingo Embedder to Client
type LangchainClient struct {
	embedder  embeddings.Embedder
	config    Config
	tokenizer *Tokenizer
	limiter   *rate.Limiter
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewLangchainClient creates a new client around embedder
func NewLangchainClient(embedder embeddings.Embedder, config Config, logger *logging.Logger, m *metrics.Metrics) (*LangchainClient, error) {
	if embedder == nil {
		return nil, errors.NewValidationError("embedder is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = logging.GetLogger()
	}

	limit := rate.Inf
	burst := config.Concurrency
	if config.RequestsPerSec > 0 {
		limit = rate.Limit(config.RequestsPerSec)
	}

	return &LangchainClient{
		embedder:  embedder,
		config:    config,
		tokenizer: TokenizerFor(config.Model),
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
		metrics:   m,
	}, nil
}

// Dimension returns the expected vector size, zero when unchecked
func (c *LangchainClient) Dimension() int {
	return c.config.Dimension
}

// Model returns the configured model name
func (c *LangchainClient) Model() string {
	return c.config.Model
}

// Embed embeds a single text
func (c *LangchainClient) Embed(ctx context.Context, text string, maxTokens int) ([]float32, error) {
	if maxTokens <= 0 {
		maxTokens = c.config.MaxTokens
	}
	text = c.tokenizer.Truncate(text, maxTokens)
	if strings.TrimSpace(text) == "" {
		return nil, errors.NewValidationError("cannot embed empty text")
	}

	ctx, span := tracer.Start(ctx, "embeddings.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("model", c.config.Model))

	vectors, err := c.call(ctx, []string{text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embed failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return vectors[0], nil
}

// EmbedBatch splits texts into provider batches and runs them concurrently
func (c *LangchainClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	prepared := make([]string, len(texts))
	for i, text := range texts {
		prepared[i] = c.tokenizer.Truncate(text, c.config.MaxTokens)
		if strings.TrimSpace(prepared[i]) == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("cannot embed empty text at index %d", i))
		}
	}

	ctx, span := tracer.Start(ctx, "embeddings.EmbedBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", c.config.Model),
		attribute.Int("texts", len(texts)),
	)

	out := make([][]float32, len(prepared))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)

	for start := 0; start < len(prepared); start += c.config.BatchSize {
		end := min(start+c.config.BatchSize, len(prepared))
		g.Go(func() error {
			vectors, err := c.call(gctx, prepared[start:end])
			if err != nil {
				return err
			}
			copy(out[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch embed failed")
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return out, nil
}

// call performs one rate-limited provider request and validates the answer
func (c *LangchainClient) call(ctx context.Context, texts []string) ([][]float32, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.NewEmbeddingError("embedding request not admitted").WithCause(err)
	}

	start := time.Now()
	vectors, err := c.embedder.EmbedDocuments(ctx, texts)
	duration := time.Since(start)
	if err != nil {
		c.metrics.RecordEmbedding("error", duration)
		c.logger.Warn("Embedding request failed",
			"model", c.config.Model,
			"batch_size", len(texts),
			"error", err.Error(),
		)
		return nil, errors.NewEmbeddingError("embedding provider request failed").WithCause(err)
	}

	if len(vectors) != len(texts) {
		c.metrics.RecordEmbedding("error", duration)
		return nil, errors.NewEmbeddingError(fmt.Sprintf("provider returned %d vectors for %d texts", len(vectors), len(texts)))
	}
	for i, vec := range vectors {
		if len(vec) == 0 {
			c.metrics.RecordEmbedding("error", duration)
			return nil, errors.NewEmbeddingError(fmt.Sprintf("provider returned an empty vector at index %d", i))
		}
		if c.config.Dimension > 0 && len(vec) != c.config.Dimension {
			c.metrics.RecordEmbedding("error", duration)
			return nil, errors.NewEmbeddingError(fmt.Sprintf("dimension mismatch: expected %d, got %d", c.config.Dimension, len(vec))).
				WithDetail("model", c.config.Model)
		}
	}

	c.metrics.RecordEmbedding("ok", duration)
	return vectors, nil
}
