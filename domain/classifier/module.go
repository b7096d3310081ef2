package classifier

import (
	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
)

// Module provides the smart classifier as the pipeline's group selector.
var Module = fx.Module("classifier",
	fx.Provide(
		func(svc *embeddings.Service) Embedder { return svc },
		NewClassifier,
		func(c *Classifier) extraction.GroupSelector { return c },
	),
)
