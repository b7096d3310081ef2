package chunking

import (
	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/internal/config"
)

var Module = fx.Module("chunking",
	fx.Provide(NewChunker),
)

// NewChunker builds the chunker from extraction configuration.
func NewChunker(cfg *config.Config) (*Chunker, error) {
	return New(Config{
		TargetSize: cfg.Extraction.ChunkTargetSize,
		MinSize:    cfg.Extraction.ChunkMinSize,
		MaxSize:    cfg.Extraction.ChunkMaxSize,
		Overlap:    cfg.Extraction.ChunkOverlap,
	})
}
