package entities

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	// DefaultLimit is the default page size for listing entities
	DefaultLimit = 100
	// MaxLimit is the maximum allowed page size
	MaxLimit = 500
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Service handles entity queries for the API
type Service struct {
	repo *Repository
	log  *slog.Logger
}

// NewService creates a new entity service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("entities.service")),
	}
}

// ListQuery carries raw query parameters for an entity listing
type ListQuery struct {
	ProjectID     string
	EntityType    string
	SourceGroup   string
	Search        string
	AttributeKeys []string
	Limit         int
	Offset        int
}

// List returns a project's entities matching the filters
func (s *Service) List(ctx context.Context, query ListQuery) (*ListResult, error) {
	if !uuidRegex.MatchString(query.ProjectID) {
		return nil, apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}
	projectID, err := uuid.Parse(query.ProjectID)
	if err != nil {
		return nil, apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}

	params := ListParams{
		ProjectID:     projectID,
		AttributeKeys: query.AttributeKeys,
		Limit:         query.Limit,
		Offset:        query.Offset,
	}
	if params.Limit <= 0 {
		params.Limit = DefaultLimit
	}
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if query.EntityType != "" {
		params.EntityType = &query.EntityType
	}
	if query.SourceGroup != "" {
		params.SourceGroup = &query.SourceGroup
	}
	if query.Search != "" {
		params.Search = &query.Search
	}

	ents, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, err
	}
	if ents == nil {
		ents = []Entity{}
	}

	return &ListResult{Entities: ents, Total: total}, nil
}

// Summary aggregates a project's entities per type
func (s *Service) Summary(ctx context.Context, projectID string) ([]TypeCount, error) {
	if !uuidRegex.MatchString(projectID) {
		return nil, apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}
	id, err := uuid.Parse(projectID)
	if err != nil {
		return nil, apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}

	counts, err := s.repo.TypeSummary(ctx, id)
	if err != nil {
		return nil, err
	}
	if counts == nil {
		counts = []TypeCount{}
	}
	return counts, nil
}
