package embeddings

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiovanoMP/chatwootai-sub005/internal/cache"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/errors"
	"github.com/GiovanoMP/chatwootai-sub005/pkg/logging"
)

// testModel has no BPE encoding, so tests count with the estimator
const testModel = "test-embedder"

// fakeEmbedder returns [len(text), 1, 0, ...] vectors and records batch sizes
type fakeEmbedder struct {
	dim     int
	err     error
	short   bool
	mutex   sync.Mutex
	batches []int
	seen    []string
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mutex.Lock()
	f.batches = append(f.batches, len(texts))
	f.seen = append(f.seen, texts...)
	f.mutex.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	n := len(texts)
	if f.short {
		n--
	}
	out := make([][]float32, n)
	for i := range out {
		vec := make([]float32, f.dim)
		vec[0] = float32(len(texts[i]))
		if f.dim > 1 {
			vec[1] = 1
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeEmbedder) calls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.batches)
}

func newTestClient(t *testing.T, fake *fakeEmbedder, batchSize int) *LangchainClient {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Model = testModel
	cfg.Dimension = fake.dim
	cfg.BatchSize = batchSize
	cfg.RequestsPerSec = 0
	client, err := NewLangchainClient(fake, cfg, logging.NewNopLogger(), nil)
	require.NoError(t, err)
	return client
}

func TestEmbed(t *testing.T) {
	fake := &fakeEmbedder{dim: 4}
	client := newTestClient(t, fake, 8)

	vec, err := client.Embed(context.Background(), "refund policy", 0)
	require.NoError(t, err)
	assert.Len(t, vec, 4)
	assert.Equal(t, float32(len("refund policy")), vec[0])
	assert.Equal(t, testModel, client.Model())
	assert.Equal(t, 4, client.Dimension())
}

func TestEmbed_TruncatesToBudget(t *testing.T) {
	fake := &fakeEmbedder{dim: 2}
	client := newTestClient(t, fake, 8)

	_, err := client.Embed(context.Background(), "one two three four five", 3)
	require.NoError(t, err)
	require.Len(t, fake.seen, 1)
	assert.Equal(t, "one two three", fake.seen[0])
}

func TestEmbed_Errors(t *testing.T) {
	tests := []struct {
		name     string
		fake     *fakeEmbedder
		text     string
		wantType errors.ErrorType
	}{
		{
			name:     "empty text",
			fake:     &fakeEmbedder{dim: 2},
			text:     "   ",
			wantType: errors.ErrorTypeValidation,
		},
		{
			name:     "provider failure",
			fake:     &fakeEmbedder{dim: 2, err: stderrors.New("503 from provider")},
			text:     "hello",
			wantType: errors.ErrorTypeEmbedding,
		},
		{
			name:     "missing vectors",
			fake:     &fakeEmbedder{dim: 2, short: true},
			text:     "hello",
			wantType: errors.ErrorTypeEmbedding,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.fake, 8)
			_, err := client.Embed(context.Background(), tt.text, 100)
			require.Error(t, err)
			assert.Equal(t, tt.wantType, errors.GetType(err))
		})
	}
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	fake := &fakeEmbedder{dim: 3}
	cfg := DefaultConfig()
	cfg.Model = testModel
	cfg.Dimension = 1536
	client, err := NewLangchainClient(fake, cfg, logging.NewNopLogger(), nil)
	require.NoError(t, err)

	_, err = client.Embed(context.Background(), "hello", 0)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEmbedding))
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestEmbedBatch_SplitsAndKeepsOrder(t *testing.T) {
	fake := &fakeEmbedder{dim: 2}
	client := newTestClient(t, fake, 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := client.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, text := range texts {
		assert.Equal(t, float32(len(text)), vectors[i][0], "vector %d out of order", i)
	}
	assert.Equal(t, 3, fake.calls())
	assert.ElementsMatch(t, []int{2, 2, 1}, fake.batches)
}

func TestEmbedBatch_Empty(t *testing.T) {
	fake := &fakeEmbedder{dim: 2}
	client := newTestClient(t, fake, 2)

	vectors, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Equal(t, 0, fake.calls())
}

func TestEmbedBatch_ProviderFailure(t *testing.T) {
	fake := &fakeEmbedder{dim: 2, err: stderrors.New("rate limited")}
	client := newTestClient(t, fake, 2)

	_, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEmbedding))
	assert.True(t, errors.IsRetryable(err))
}

func TestNewLangchainClient_RequiresEmbedder(t *testing.T) {
	_, err := NewLangchainClient(nil, DefaultConfig(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func newLocalCache() *cache.Service {
	return cache.NewService(nil, nil, cache.DefaultConfig(), logging.NewNopLogger(), nil)
}

func TestCachingClient_Embed(t *testing.T) {
	fake := &fakeEmbedder{dim: 2}
	client := NewCachingClient(newTestClient(t, fake, 8), newLocalCache(), "shared", logging.NewNopLogger())

	first, err := client.Embed(context.Background(), "shipping rules", 0)
	require.NoError(t, err)
	second, err := client.Embed(context.Background(), "shipping rules", 0)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fake.calls())
}

func TestCachingClient_EmbedBatchOnlyEmbedsMisses(t *testing.T) {
	fake := &fakeEmbedder{dim: 2}
	client := NewCachingClient(newTestClient(t, fake, 8), newLocalCache(), "shared", logging.NewNopLogger())

	_, err := client.EmbedBatch(context.Background(), []string{"a", "bb"})
	require.NoError(t, err)

	vectors, err := client.EmbedBatch(context.Background(), []string{"bb", "ccc", "a"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(2), vectors[0][0])
	assert.Equal(t, float32(3), vectors[1][0])
	assert.Equal(t, float32(1), vectors[2][0])

	assert.Equal(t, []string{"a", "bb", "ccc"}, fake.seen)
}

// shortClient returns one vector fewer than asked for
type shortClient struct{}

func (shortClient) Embed(ctx context.Context, text string, maxTokens int) ([]float32, error) {
	return []float32{1, 1}, nil
}

func (shortClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts)-1)
	for i := range out {
		out[i] = []float32{1, 1}
	}
	return out, nil
}

func (shortClient) Dimension() int { return 2 }
func (shortClient) Model() string  { return testModel }

func TestCachingClient_ShortBatchIsEmbeddingError(t *testing.T) {
	client := NewCachingClient(shortClient{}, newLocalCache(), "shared", logging.NewNopLogger())

	var vectors [][]float32
	var err error
	require.NotPanics(t, func() {
		vectors, err = client.EmbedBatch(context.Background(), []string{"a", "bb"})
	})
	require.Error(t, err)
	assert.Nil(t, vectors)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEmbedding))
}

func TestCachingClient_PropagatesErrors(t *testing.T) {
	fake := &fakeEmbedder{dim: 2, err: stderrors.New("down")}
	client := NewCachingClient(newTestClient(t, fake, 8), newLocalCache(), "shared", logging.NewNopLogger())

	_, err := client.EmbedBatch(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeEmbedding))
}

func TestTokenizer_EstimatedTruncate(t *testing.T) {
	long := strings.Repeat("x", 40)
	tok := TokenizerFor(testModel)
	require.False(t, tok.Exact())

	tests := []struct {
		name      string
		text      string
		maxTokens int
		want      string
	}{
		{name: "no budget", text: "a b c", maxTokens: 0, want: "a b c"},
		{name: "within budget", text: "a b c", maxTokens: 3, want: "a b c"},
		{name: "word boundary", text: "a b c d", maxTokens: 2, want: "a b"},
		{name: "long words cost more", text: "abcdefgh ij", maxTokens: 2, want: "abcdefgh"},
		{name: "single oversized word", text: long, maxTokens: 2, want: strings.Repeat("x", 8)},
		{name: "whitespace collapses", text: "a\n\nb\tc", maxTokens: 2, want: "a b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tok.Truncate(tt.text, tt.maxTokens)
			assert.Equal(t, tt.want, got)
			if tt.maxTokens > 0 {
				assert.LessOrEqual(t, tok.Count(got), tt.maxTokens)
			}
		})
	}
}

func TestTokenizerFor(t *testing.T) {
	tok := TokenizerFor(testModel)
	assert.Same(t, tok, TokenizerFor(testModel))
	assert.Equal(t, testModel, tok.Model())
	assert.Equal(t, EstimateTokens("olá mundo !"), tok.Count("olá mundo !"))

	assert.False(t, TokenizerFor("").Exact())
}

func TestTokenizer_BPETruncate(t *testing.T) {
	tok := TokenizerFor("text-embedding-ada-002")
	if !tok.Exact() {
		t.Skip("BPE ranks could not be loaded")
	}

	text := strings.Repeat("Política de devolução: até 30 dias após a compra. ", 20)
	require.Greater(t, tok.Count(text), 16)

	got := tok.Truncate(text, 16)
	assert.LessOrEqual(t, tok.Count(got), 16)
	assert.NotEmpty(t, got)
	assert.True(t, strings.HasPrefix(text, got))
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, text, tok.Truncate(text, tok.Count(text)))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 4, EstimateTokens("olá mundo !"))
}
