package embeddings

import (
	"fmt"
	"net/http"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/GiovanoMP/chatwootai-sub005/pkg/config"
)

// NewOpenAIEmbedder builds a langchaingo embedder for OpenAI or any
// OpenAI-compatible endpoint. httpClient may be nil.
func NewOpenAIEmbedder(cfg *config.EmbeddingConfig, httpClient *http.Client) (embeddings.Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedding configuration is required")
	}

	// langchaingo requires a token even for servers that ignore it
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if httpClient != nil {
		opts = append(opts, openai.WithHTTPClient(httpClient))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm, embeddings.WithBatchSize(cfg.BatchSize))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return embedder, nil
}

// ConfigFrom maps the application configuration onto client configuration
func ConfigFrom(cfg *config.EmbeddingConfig) Config {
	return Config{
		Model:          cfg.Model,
		Dimension:      cfg.Dimension,
		MaxTokens:      cfg.MaxTokens,
		BatchSize:      cfg.BatchSize,
		Concurrency:    cfg.Concurrency,
		RequestsPerSec: cfg.RequestsPerSec,
	}
}
