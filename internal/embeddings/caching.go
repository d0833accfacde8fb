package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/GiovanoMP/chatwootai-sub005/internal/cache"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
)

// CachingClient memoises vectors per (model, text) in the resilient cache.
// Cache problems never fail an embedding call.
type CachingClient struct {
	next      Client
	cache     *cache.Service
	tenant    string
	tokenizer *Tokenizer
	logger    *logging.Logger
}

// NewCachingClient wraps next. Vectors live under tenant's embedding namespace.
func NewCachingClient(next Client, c *cache.Service, tenant string, logger *logging.Logger) *CachingClient {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &CachingClient{
		next:      next,
		cache:     c,
		tenant:    tenant,
		tokenizer: TokenizerFor(next.Model()),
		logger:    logger,
	}
}

// Dimension returns the wrapped client's dimension
func (c *CachingClient) Dimension() int {
	return c.next.Dimension()
}

// Model returns the wrapped client's model
func (c *CachingClient) Model() string {
	return c.next.Model()
}

// Embed returns the cached vector or embeds and stores it
func (c *CachingClient) Embed(ctx context.Context, text string, maxTokens int) ([]float32, error) {
	key := c.key(c.tokenizer.Truncate(text, maxTokens))
	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}

	vec, err := c.next.Embed(ctx, text, maxTokens)
	if err != nil {
		return nil, err
	}

	c.store(ctx, key, vec)
	return vec, nil
}

// EmbedBatch serves cached vectors and embeds only the misses, in one batch
func (c *CachingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		keys[i] = c.key(text)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	vectors, err := c.next.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(missTexts) {
		return nil, errors.NewEmbeddingError(fmt.Sprintf("provider returned %d vectors for %d texts", len(vectors), len(missTexts)))
	}

	for j, i := range missIdx {
		out[i] = vectors[j]
		c.store(ctx, keys[i], vectors[j])
	}

	c.logger.Debug("Embedding batch served",
		"texts", len(texts),
		"cached", len(texts)-len(missTexts),
	)
	return out, nil
}

func (c *CachingClient) key(text string) string {
	sum := sha256.Sum256([]byte(c.next.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

func (c *CachingClient) lookup(ctx context.Context, key string) ([]float32, bool) {
	var vec []float32
	found, err := c.cache.Get(ctx, c.tenant, cache.DataTypeEmbedding, key, &vec)
	if err != nil || !found || len(vec) == 0 {
		return nil, false
	}
	return vec, true
}

func (c *CachingClient) store(ctx context.Context, key string, vec []float32) {
	if err := c.cache.Set(ctx, c.tenant, cache.DataTypeEmbedding, key, vec); err != nil {
		c.logger.Warn("Failed to cache embedding", "error", err.Error())
	}
}
