package embeddings

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// runesPerToken approximates BPE tokenizers for models without a known encoding
const runesPerToken = 4

// embeddingEncoding is the BPE encoding of the OpenAI text-embedding models
const embeddingEncoding = "cl100k_base"

// tokenizers caches one Tokenizer per model; loading BPE ranks is expensive
var tokenizers sync.Map

// Tokenizer counts and trims text in the token units of an embedding model.
// Without a BPE encoding it falls back to EstimateTokens.
type Tokenizer struct {
	model string
	enc   *tiktoken.Tiktoken
}

// TokenizerFor returns the shared tokenizer of model. Models tiktoken does not
// know, and known models whose ranks cannot be loaded, use the estimator.
func TokenizerFor(model string) *Tokenizer {
	if t, ok := tokenizers.Load(model); ok {
		return t.(*Tokenizer)
	}
	t, _ := tokenizers.LoadOrStore(model, &Tokenizer{model: model, enc: encodingFor(model)})
	return t.(*Tokenizer)
}

func encodingFor(model string) *tiktoken.Tiktoken {
	if model == "" {
		return nil
	}
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return enc
	}
	if strings.HasPrefix(model, "text-embedding-") {
		if enc, err := tiktoken.GetEncoding(embeddingEncoding); err == nil {
			return enc
		}
	}
	return nil
}

// Model returns the model the tokenizer counts for
func (t *Tokenizer) Model() string {
	return t.model
}

// Exact reports whether counts come from the model's BPE encoding
func (t *Tokenizer) Exact() bool {
	return t.enc != nil
}

// Count returns the number of tokens in text
func (t *Tokenizer) Count(text string) int {
	if t.enc == nil {
		return EstimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate trims text so Count(result) <= maxTokens.
// A non-positive budget returns text unchanged.
func (t *Tokenizer) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	if t.enc == nil {
		return truncateEstimated(text, maxTokens)
	}

	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	// a cut inside a multi-byte character leaves a partial rune at the end
	return strings.ToValidUTF8(t.enc.Decode(tokens[:maxTokens]), "")
}

// EstimateTokens approximates the token count of text: every whitespace
// separated word costs ceil(runes/4) tokens with a minimum of one.
func EstimateTokens(text string) int {
	total := 0
	for _, word := range strings.Fields(text) {
		total += wordTokens(word)
	}
	return total
}

func wordTokens(word string) int {
	n := (utf8.RuneCountInString(word) + runesPerToken - 1) / runesPerToken
	if n < 1 {
		return 1
	}
	return n
}

// truncateEstimated keeps whole words within the estimated budget; a single
// word longer than the budget is cut by runes.
func truncateEstimated(text string, maxTokens int) string {
	if EstimateTokens(text) <= maxTokens {
		return text
	}

	var b strings.Builder
	used := 0
	for _, word := range strings.Fields(text) {
		cost := wordTokens(word)
		if used+cost > maxTokens {
			if used == 0 {
				runes := []rune(word)
				return string(runes[:maxTokens*runesPerToken])
			}
			break
		}
		if used > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
		used += cost
	}
	return b.String()
}
