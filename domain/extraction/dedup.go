package extraction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
	"github.com/stackradar/knowledge-engine/pkg/logger"
	"github.com/stackradar/knowledge-engine/pkg/vectorstore"
)

// DuplicateCheck is the outcome of one duplicate check.
type DuplicateCheck struct {
	IsDuplicate bool
	SimilarID   string
	Score       float64

	// Vector is the embedding computed for the check, reusable for the
	// upsert when the payload turns out to be unique.
	Vector []float32
}

// Deduplicator flags extraction payloads that are semantically identical
// to one already stored for the same project and source group.
type Deduplicator struct {
	embedder  embeddings.Client
	store     vectorstore.Store
	threshold float64
	log       *slog.Logger
}

// NewDeduplicator creates a deduplicator with the configured similarity
// threshold.
func NewDeduplicator(embedder embeddings.Client, store vectorstore.Store, cfg *config.Config, log *slog.Logger) *Deduplicator {
	return &Deduplicator{
		embedder:  embedder,
		store:     store,
		threshold: cfg.Extraction.DedupThreshold,
		log:       log.With(logger.Scope("extraction.dedup")),
	}
}

// CheckDuplicate embeds text and searches the vector store for the nearest
// stored extraction within (projectID, sourceGroup). Scores at or above
// the threshold count as duplicates, the threshold itself included.
func (d *Deduplicator) CheckDuplicate(ctx context.Context, projectID, sourceGroup, text string) (*DuplicateCheck, error) {
	vector, err := d.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vector) == 0 {
		// Embeddings disabled; there is nothing to compare against.
		return &DuplicateCheck{}, nil
	}

	hits, err := d.store.Search(ctx, vector, vectorstore.Filter{
		"project_id":   projectID,
		"source_group": sourceGroup,
	}, 1)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	if len(hits) == 0 {
		return &DuplicateCheck{Vector: vector}, nil
	}

	best := hits[0]
	check := &DuplicateCheck{
		IsDuplicate: best.Score >= d.threshold,
		SimilarID:   best.ID,
		Score:       best.Score,
		Vector:      vector,
	}
	if check.IsDuplicate {
		d.log.Debug("duplicate payload",
			slog.String("similar_id", best.ID),
			slog.Float64("score", best.Score))
	}
	return check, nil
}
