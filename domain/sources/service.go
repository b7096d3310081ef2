package sources

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Service handles business logic for sources
type Service struct {
	repo *Repository
	log  *slog.Logger
}

// NewService creates a new source service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("sources.svc")),
	}
}

// List returns a project's sources with optional filters
func (s *Service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if !isValidUUID(params.ProjectID) {
		return nil, apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}
	if params.Status != nil && !isValidStatus(*params.Status) {
		return nil, apperror.New(422, "invalid-status", "status must be one of pending, ready, extracted, failed")
	}
	return s.repo.List(ctx, params)
}

// GetByID returns a source by ID
func (s *Service) GetByID(ctx context.Context, id string) (*Source, error) {
	if !isValidUUID(id) {
		return nil, apperror.New(422, "invalid-uuid", "id must be a valid UUID")
	}

	src, err := s.repo.GetByID(ctx, "", id)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, apperror.ErrSourceNotFound
	}

	return src, nil
}

// Summary aggregates a project's sources by status and source group
func (s *Service) Summary(ctx context.Context, projectID string) (*Summary, error) {
	if !isValidUUID(projectID) {
		return nil, apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}
	return s.repo.Summary(ctx, projectID)
}

// Delete deletes a source from a project
func (s *Service) Delete(ctx context.Context, projectID, sourceID string) error {
	if !isValidUUID(projectID) {
		return apperror.New(422, "invalid-uuid", "project_id must be a valid UUID")
	}
	if !isValidUUID(sourceID) {
		return apperror.New(422, "invalid-uuid", "id must be a valid UUID")
	}

	deleted, err := s.repo.Delete(ctx, projectID, sourceID)
	if err != nil {
		return err
	}
	if !deleted {
		return apperror.ErrSourceNotFound
	}

	s.log.Info("source deleted",
		slog.String("sourceID", sourceID),
		slog.String("projectID", projectID))

	return nil
}

func isValidStatus(status SourceStatus) bool {
	switch status {
	case StatusPending, StatusReady, StatusExtracted, StatusFailed:
		return true
	}
	return false
}

func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}
