// Package llm provides interfaces for language model providers.
package llm

import (
	"context"
)

// FinishReason reports why the model stopped generating.
type FinishReason string

const (
	// FinishStop means the model completed its answer.
	FinishStop FinishReason = "stop"

	// FinishLength means output was truncated at the token limit.
	FinishLength FinishReason = "length"

	// FinishOther covers safety blocks and provider-specific reasons.
	FinishOther FinishReason = "other"
)

// Request is a single completion request.
type Request struct {
	// Prompt is the user prompt (required)
	Prompt string

	// SystemPrompt is an optional system prompt
	SystemPrompt string

	// Model overrides the provider's configured model when non-empty
	Model string

	// Temperature for this request (0.0-2.0)
	Temperature float64

	// MaxTokens overrides the provider default when > 0
	MaxTokens int

	// JSONMode requests a JSON object response when the provider supports it
	JSONMode bool
}

// Usage contains token usage information
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the provider's answer to a Request.
type Response struct {
	Content      string
	FinishReason FinishReason
	Usage        Usage
}

// Provider is an interface for LLM providers
type Provider interface {
	// Complete generates a completion for the given request
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the configured model name
	Model() string

	// IsConfigured returns true if the provider is properly configured
	IsConfigured() bool
}
