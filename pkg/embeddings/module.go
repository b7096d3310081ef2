package embeddings

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/embeddings/openai"
)

// NewNoopService creates a service with a noop client (for testing)
func NewNoopService(log *slog.Logger) *Service {
	return &Service{
		client:   NewNoopClient(),
		reranker: NewNoopClient(),
		log:      log,
		enabled:  false,
	}
}

// Module provides the embeddings fx.Module
var Module = fx.Module("embeddings",
	fx.Provide(NewService),
)

// Service provides embedding generation and reranking
type Service struct {
	client   Client
	reranker Reranker
	log      *slog.Logger
	enabled  bool
}

// NewService creates a new embeddings service
func NewService(cfg *config.Config, log *slog.Logger) (*Service, error) {
	embCfg := cfg.Embeddings

	if !embCfg.IsConfigured() {
		log.Info("embeddings service disabled - no endpoint configured")
		return NewNoopService(log), nil
	}

	client, err := openai.NewClient(openai.Config{
		BaseURL:           embCfg.BaseURL,
		APIKey:            embCfg.APIKey,
		Model:             embCfg.Model,
		RerankModel:       embCfg.RerankModel,
		Timeout:           embCfg.Timeout(),
		RequestsPerSecond: embCfg.RequestsPerSecond,
	}, openai.WithLogger(log))
	if err != nil {
		return nil, err
	}

	log.Info("embeddings service initialized",
		slog.String("base_url", embCfg.BaseURL),
		slog.String("model", embCfg.Model),
		slog.Int("dimension", embCfg.Dimension),
	)

	return &Service{
		client:   client,
		reranker: client,
		log:      log,
		enabled:  true,
	}, nil
}

// IsEnabled returns true if embeddings are available
func (s *Service) IsEnabled() bool {
	return s.enabled
}

// EmbedQuery generates an embedding for a single query
func (s *Service) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return s.client.EmbedQuery(ctx, query)
}

// EmbedDocuments generates embeddings for multiple documents
func (s *Service) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	return s.client.EmbedDocuments(ctx, documents)
}

// Rerank scores documents against a query, best first
func (s *Service) Rerank(ctx context.Context, query string, documents []string) ([]RerankResult, error) {
	return s.reranker.Rerank(ctx, query, documents)
}
