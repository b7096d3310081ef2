package vectorstore

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Module provides the vector store
var Module = fx.Module("vectorstore",
	fx.Provide(NewStore),
)

// NewStore selects the store implementation from configuration. Without a
// configured vector database it falls back to the in-process store, which
// keeps dedup working within a single process lifetime.
func NewStore(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (Store, error) {
	if !cfg.Vector.IsConfigured() {
		log.Warn("vector store not configured, using in-process store", logger.Scope("vectorstore"))
		return NewMemoryStore(), nil
	}

	store, err := NewQdrantStore(QdrantConfig{
		URL:        cfg.Vector.URL,
		APIKey:     cfg.Vector.APIKey,
		Collection: cfg.Vector.Collection,
		Dimension:  cfg.Embeddings.Dimension,
	}, WithLogger(log))
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: store.EnsureCollection,
	})

	log.Info("vector store configured",
		logger.Scope("vectorstore"),
		slog.String("url", cfg.Vector.URL),
		slog.String("collection", cfg.Vector.Collection),
	)
	return store, nil
}
