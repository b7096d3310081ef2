package llmqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/llm"
	"github.com/stackradar/knowledge-engine/pkg/llm/google"
	"github.com/stackradar/knowledge-engine/pkg/llm/openai"
)

// NewProvider selects the completion backend from configuration: "openai"
// covers any OpenAI-compatible endpoint, "google" talks to Gemini.
func NewProvider(cfg *config.Config, log *slog.Logger) (llm.Provider, error) {
	switch cfg.LLM.Provider {
	case "google":
		client, err := google.NewClient(context.Background(), google.Config{
			APIKey:    cfg.LLM.GoogleAPIKey,
			Model:     cfg.LLM.Model,
			MaxTokens: cfg.LLM.MaxTokens,
		}, google.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("create google provider: %w", err)
		}
		return client, nil

	case "openai", "":
		client, err := openai.NewClient(openai.Config{
			BaseURL:   cfg.LLM.BaseURL,
			APIKey:    cfg.LLM.APIKey,
			Model:     cfg.LLM.Model,
			Timeout:   cfg.LLM.Timeout(),
			MaxTokens: cfg.LLM.MaxTokens,
		}, openai.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("create openai provider: %w", err)
		}
		return client, nil

	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.LLM.Provider)
	}
}
