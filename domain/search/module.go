package search

import (
	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
)

// Module provides semantic search over extractions.
var Module = fx.Module("search",
	fx.Provide(
		func(s *embeddings.Service) QueryEmbedder { return s },
		func(r *extraction.Repository) ExtractionLoader { return r },
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
