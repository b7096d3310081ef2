package extraction

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/sources"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	// DefaultLimit is the default page size for listing extractions
	DefaultLimit = 100
	// MaxLimit is the maximum allowed page size
	MaxLimit = 500
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ExtractRequest is the request body for starting an extraction job.
type ExtractRequest struct {
	SourceIDs []string `json:"source_ids,omitempty"`
	Force     bool     `json:"force,omitempty"`
	Profile   string   `json:"profile,omitempty"`
}

// ExtractAccepted is the 202 response for a queued extraction job.
type ExtractAccepted struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	SourceCount int    `json:"source_count"`
	ProjectID   string `json:"project_id"`
}

// Service queues extraction jobs and lists their results.
type Service struct {
	queue    *jobqueue.Queue
	repo     *Repository
	projects *projects.Repository
	sources  *sources.Repository
	log      *slog.Logger
}

// NewService creates the extraction service.
func NewService(queue *jobqueue.Queue, repo *Repository, projectsRepo *projects.Repository, sourcesRepo *sources.Repository, log *slog.Logger) *Service {
	return &Service{
		queue:    queue,
		repo:     repo,
		projects: projectsRepo,
		sources:  sourcesRepo,
		log:      log.With(logger.Scope("extraction.service")),
	}
}

// StartJob validates the request and queues an extract job for the project.
// A project with an extract job already queued or running gets a conflict.
func (s *Service) StartJob(ctx context.Context, projectID string, req ExtractRequest) (*ExtractAccepted, error) {
	if !uuidRegex.MatchString(projectID) {
		return nil, apperror.New(422, "invalid-id", "project id must be a valid UUID")
	}
	for _, id := range req.SourceIDs {
		if !uuidRegex.MatchString(id) {
			return nil, apperror.New(422, "invalid-id", "source ids must be valid UUIDs")
		}
	}

	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if project == nil {
		return nil, apperror.NewNotFound("Project", projectID)
	}

	active, err := s.queue.HasActiveJob(ctx, project.ID, jobqueue.TypeExtract)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if active {
		return nil, apperror.New(409, "job-active", "an extract job for this project is already queued or running")
	}

	sourceCount, err := s.countSources(ctx, projectID, req)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if len(req.SourceIDs) > 0 {
		payload["source_ids"] = req.SourceIDs
	}
	if req.Force {
		payload["force"] = true
	}
	if req.Profile != "" {
		payload["profile"] = req.Profile
	}

	job := &jobqueue.Job{
		ID:        uuid.New(),
		ProjectID: &project.ID,
		Type:      jobqueue.TypeExtract,
		Status:    jobqueue.StatusQueued,
		Payload:   payload,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	s.log.Info("extract job queued",
		slog.String("job_id", job.ID.String()),
		slog.String("project_id", projectID),
		slog.Int("source_count", sourceCount))

	return &ExtractAccepted{
		JobID:       job.ID.String(),
		Status:      string(jobqueue.StatusQueued),
		SourceCount: sourceCount,
		ProjectID:   projectID,
	}, nil
}

func (s *Service) countSources(ctx context.Context, projectID string, req ExtractRequest) (int, error) {
	if len(req.SourceIDs) > 0 {
		return len(req.SourceIDs), nil
	}
	var (
		list []sources.Source
		err  error
	)
	if req.Force {
		list, err = s.sources.ListExtractable(ctx, projectID)
	} else {
		list, err = s.sources.ListPendingExtraction(ctx, projectID)
	}
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return len(list), nil
}

// ListQuery carries raw query parameters for an extraction listing
type ListQuery struct {
	ProjectID      string
	SourceID       string
	ExtractionType string
	SourceGroup    string
	Limit          int
	Offset         int
}

// List returns extractions for a project with optional filters.
func (s *Service) List(ctx context.Context, query ListQuery) (*ListResult, error) {
	if !uuidRegex.MatchString(query.ProjectID) {
		return nil, apperror.New(422, "invalid-id", "project_id must be a valid UUID")
	}
	params := ListParams{
		ProjectID: uuid.MustParse(query.ProjectID),
		Limit:     query.Limit,
		Offset:    query.Offset,
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
	if query.SourceID != "" {
		if !uuidRegex.MatchString(query.SourceID) {
			return nil, apperror.New(422, "invalid-id", "source_id must be a valid UUID")
		}
		id := uuid.MustParse(query.SourceID)
		params.SourceID = &id
	}
	if query.ExtractionType != "" {
		params.ExtractionType = &query.ExtractionType
	}
	if query.SourceGroup != "" {
		params.SourceGroup = &query.SourceGroup
	}

	result, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return result, nil
}
