package llm

import "context"

// Provider is the narrow model surface the memory pipeline consumes: short
// single-prompt completions and batched embeddings. Implementations exist
// for Ollama and OpenAI, both wrapped with a circuit breaker and a rate
// limiter.
type Provider interface {
	// Complete sends a single-turn completion and returns the response text.
	Complete(ctx context.Context, prompt string) (string, error)

	// EmbedBatch embeds texts in one call. The result may legitimately be
	// shorter than the input on partial provider failure; callers match
	// vectors to texts positionally and handle the unmatched tail.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the configured model name.
	Model() string

	// Dimension returns the embedding vector dimensionality.
	Dimension() int
}
