package entities

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/internal/config"
)

// Module provides the entities domain
var Module = fx.Module("entities",
	fx.Provide(NewRepository),
	fx.Provide(provideExtractor),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

func provideExtractor(queue *llmqueue.Queue, repo *Repository, cfg *config.Config, log *slog.Logger) *Extractor {
	return NewExtractor(queue, repo, cfg, log)
}
