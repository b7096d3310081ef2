// Package search serves semantic search over a project's extractions: the
// query is embedded and matched against the vector store, hits are hydrated
// from the extraction rows.
package search

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
	"github.com/stackradar/knowledge-engine/pkg/vectorstore"
)

const (
	// DefaultLimit is the default number of hits returned
	DefaultLimit = 10
	// MaxLimit is the maximum number of hits per search
	MaxLimit = 50
	// MaxQueryLength bounds the query text
	MaxQueryLength = 800
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// QueryEmbedder is the slice of the embeddings client search needs.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	IsEnabled() bool
}

// ExtractionLoader hydrates vector hits into extraction rows.
type ExtractionLoader interface {
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]extraction.Extraction, error)
}

// Request is the search request body.
type Request struct {
	Query          string `json:"query"`
	SourceGroup    string `json:"source_group,omitempty"`
	ExtractionType string `json:"extraction_type,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ExtractionID   string         `json:"extraction_id"`
	Score          float64        `json:"score"`
	ExtractionType string         `json:"extraction_type,omitempty"`
	SourceGroup    string         `json:"source_group,omitempty"`
	SourceID       string         `json:"source_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Response is a search result page.
type Response struct {
	Query  string `json:"query"`
	Hits   []Hit  `json:"hits"`
	TookMs int64  `json:"took_ms"`
}

// Service runs semantic searches.
type Service struct {
	embedder    QueryEmbedder
	store       vectorstore.Store
	extractions ExtractionLoader
	log         *slog.Logger
}

// NewService creates the search service.
func NewService(embedder QueryEmbedder, store vectorstore.Store, extractions ExtractionLoader, log *slog.Logger) *Service {
	return &Service{
		embedder:    embedder,
		store:       store,
		extractions: extractions,
		log:         log.With(logger.Scope("search.service")),
	}
}

// Search embeds the query and returns the nearest extractions of the
// project, best first. Hits whose rows have been deleted since embedding
// are dropped.
func (s *Service) Search(ctx context.Context, projectID string, req Request) (*Response, error) {
	if !uuidRegex.MatchString(projectID) {
		return nil, apperror.New(422, "invalid-id", "project id must be a valid UUID")
	}
	if req.Query == "" {
		return nil, apperror.New(422, "invalid-request", "query is required")
	}
	if len(req.Query) > MaxQueryLength {
		return nil, apperror.New(422, "invalid-request", "query is too long")
	}
	if !s.embedder.IsEnabled() {
		return nil, apperror.New(503, "search-unavailable", "semantic search requires an embedding service")
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	started := time.Now()
	vector, err := s.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, apperror.New(502, "embedding-failed", "failed to embed query").WithInternal(err)
	}

	filter := vectorstore.Filter{"project_id": projectID}
	if req.SourceGroup != "" {
		filter["source_group"] = req.SourceGroup
	}
	if req.ExtractionType != "" {
		filter["extraction_type"] = req.ExtractionType
	}

	scored, err := s.store.Search(ctx, vector, filter, limit)
	if err != nil {
		return nil, apperror.New(502, "vector-search-failed", "vector search failed").WithInternal(err)
	}

	hits, err := s.hydrate(ctx, scored)
	if err != nil {
		return nil, err
	}

	return &Response{
		Query:  req.Query,
		Hits:   hits,
		TookMs: time.Since(started).Milliseconds(),
	}, nil
}

func (s *Service) hydrate(ctx context.Context, scored []vectorstore.Scored) ([]Hit, error) {
	ids := make([]uuid.UUID, 0, len(scored))
	for _, sc := range scored {
		id, err := uuid.Parse(sc.ID)
		if err != nil {
			s.log.Warn("vector hit with non-uuid id", slog.String("id", sc.ID))
			continue
		}
		ids = append(ids, id)
	}

	rows, err := s.extractions.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*extraction.Extraction, len(rows))
	for i := range rows {
		byID[rows[i].ID.String()] = &rows[i]
	}

	hits := make([]Hit, 0, len(scored))
	for _, sc := range scored {
		row, ok := byID[sc.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ExtractionID:   sc.ID,
			Score:          sc.Score,
			ExtractionType: row.ExtractionType,
			SourceGroup:    row.SourceGroup,
			SourceID:       row.SourceID.String(),
			Data:           row.Data,
		})
	}
	return hits, nil
}
