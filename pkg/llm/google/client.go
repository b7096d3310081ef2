// Package google provides a Gemini chat completion client via the
// Generative AI API.
package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/stackradar/knowledge-engine/pkg/llm"
)

const (
	// DefaultModel is the default chat model
	DefaultModel = "gemini-2.0-flash"

	// DefaultMaxTokens is the default completion token budget
	DefaultMaxTokens = 4096
)

// Config holds the configuration for the client
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int
}

// Client is a Gemini chat completion client.
//
// Complete makes exactly one attempt; retry policy lives with the caller.
type Client struct {
	client    *genai.Client
	model     string
	maxTokens int
	log       *slog.Logger
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// NewClient creates a new Gemini chat completion client
func NewClient(ctx context.Context, cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	c := &Client{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		log:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Complete implements llm.Provider
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	maxTokens := c.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(req.Temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}
	if req.JSONMode {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	result, err := c.client.Models.GenerateContent(ctx, model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(result.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	candidate := result.Candidates[0]

	var content string
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			content += part.Text
		}
	}

	usage := llm.Usage{}
	if result.UsageMetadata != nil {
		usage = llm.Usage{
			PromptTokens:     int(result.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(result.UsageMetadata.TotalTokenCount),
		}
	}

	c.log.Debug("completion finished",
		slog.String("model", model),
		slog.String("finish_reason", string(candidate.FinishReason)),
		slog.Duration("duration", time.Since(start)),
	)

	return &llm.Response{
		Content:      content,
		FinishReason: mapFinishReason(candidate.FinishReason),
		Usage:        usage,
	}, nil
}

func mapFinishReason(reason genai.FinishReason) llm.FinishReason {
	switch reason {
	case genai.FinishReasonStop, genai.FinishReasonUnspecified:
		return llm.FinishStop
	case genai.FinishReasonMaxTokens:
		return llm.FinishLength
	default:
		return llm.FinishOther
	}
}

// Model returns the configured model name
func (c *Client) Model() string {
	return c.model
}

// IsConfigured implements llm.Provider
func (c *Client) IsConfigured() bool {
	return c.client != nil && c.model != ""
}
