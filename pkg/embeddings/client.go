// Package embeddings provides embedding generation functionality.
package embeddings

import (
	"context"

	"github.com/stackradar/knowledge-engine/pkg/embeddings/openai"
)

// EmbeddingDimension is the default embedding dimension (1024 for bge-m3)
const EmbeddingDimension = 1024

// Client provides embedding generation functionality
type Client interface {
	// EmbedQuery generates an embedding vector for the given query text
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// EmbedDocuments generates embedding vectors for the given documents
	EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error)
}

// RerankResult is one scored document from a rerank call.
type RerankResult = openai.RerankResult

// Reranker scores documents against a query with a cross-encoder.
type Reranker interface {
	// Rerank returns one result per document, sorted by descending score
	Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error)
}

// NoopClient is a no-op implementation that returns nil embeddings
// Used when embeddings are disabled
type NoopClient struct{}

// NewNoopClient creates a new NoopClient
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// EmbedQuery returns nil, nil (no embedding available)
func (c *NoopClient) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return nil, nil
}

// EmbedDocuments returns nil, nil (no embeddings available)
func (c *NoopClient) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	return nil, nil
}

// Rerank returns nil, nil (no scores available)
func (c *NoopClient) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	return nil, nil
}
