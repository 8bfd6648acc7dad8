package llm

import (
	"fmt"
	"time"
)

// FactoryConfig selects and configures a provider.
type FactoryConfig struct {
	Provider string // "ollama" (default) or "openai"

	OllamaURL      string
	Model          string
	EmbeddingModel string
	Dimension      int
	OpenAIAPIKey   string
	Timeout        time.Duration

	// Rate limiting across all provider calls. Zero RPS disables.
	RPS   float64
	Burst int
}

// NewProvider builds the configured provider, wrapped with rate limiting.
// Circuit breaking lives inside each client.
func NewProvider(cfg FactoryConfig) (Provider, error) {
	var (
		inner Provider
		err   error
	)
	switch cfg.Provider {
	case "", "ollama":
		inner = NewOllamaClient(OllamaConfig{
			BaseURL:        cfg.OllamaURL,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimension:      cfg.Dimension,
			Timeout:        cfg.Timeout,
		})
	case "openai":
		inner, err = NewOpenAIClient(OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			Model:          cfg.Model,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimension:      cfg.Dimension,
			Timeout:        cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
	return NewRateLimited(inner, cfg.RPS, cfg.Burst), nil
}
