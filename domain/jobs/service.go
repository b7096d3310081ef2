package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/internal/config"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	// DefaultLimit is the default page size for listing jobs
	DefaultLimit = 100
	// MaxLimit is the maximum allowed page size
	MaxLimit = 500
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// Service exposes the background job queue to the API
type Service struct {
	queue *jobqueue.Queue
	cfg   *config.Config
	log   *slog.Logger
}

// NewService creates a new job service
func NewService(queue *jobqueue.Queue, cfg *config.Config, log *slog.Logger) *Service {
	return &Service{
		queue: queue,
		cfg:   cfg,
		log:   log.With(logger.Scope("jobs.service")),
	}
}

// ListQuery carries raw query parameters for a job listing
type ListQuery struct {
	ProjectID string
	Status    string
	Type      string
	Limit     int
	Offset    int
}

// ListResult is a page of jobs with the total match count
type ListResult struct {
	Jobs  []jobqueue.Job `json:"jobs"`
	Total int            `json:"total"`
}

// List returns jobs filtered by project, status, and type, newest first
func (s *Service) List(ctx context.Context, query ListQuery) (*ListResult, error) {
	params := jobqueue.ListParams{
		Limit:  query.Limit,
		Offset: query.Offset,
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

	if query.ProjectID != "" {
		id, err := parseID(query.ProjectID, "project_id")
		if err != nil {
			return nil, err
		}
		params.ProjectID = &id
	}
	if query.Status != "" {
		status := jobqueue.JobStatus(query.Status)
		if !isValidStatus(status) {
			return nil, apperror.New(422, "invalid-status",
				"status must be one of queued, running, cancelling, completed, failed, cancelled")
		}
		params.Status = &status
	}
	if query.Type != "" {
		jobType := jobqueue.JobType(query.Type)
		if !isValidType(jobType) {
			return nil, apperror.New(422, "invalid-type",
				"type must be one of scrape, crawl, extract, report")
		}
		params.Type = &jobType
	}

	jobs, total, err := s.queue.List(ctx, params)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if jobs == nil {
		jobs = []jobqueue.Job{}
	}

	return &ListResult{Jobs: jobs, Total: total}, nil
}

// GetByID returns a single job
func (s *Service) GetByID(ctx context.Context, id string) (*jobqueue.Job, error) {
	jobID, err := parseID(id, "id")
	if err != nil {
		return nil, err
	}

	job, err := s.queue.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if job == nil {
		return nil, apperror.ErrNotFound.WithMessage("Job not found")
	}
	return job, nil
}

// Cancel requests cancellation of a job. Queued jobs are cancelled outright;
// running jobs stop at their next chunk boundary. Cancelling twice is a
// no-op, finished jobs conflict.
func (s *Service) Cancel(ctx context.Context, id string) (*jobqueue.Job, error) {
	jobID, err := parseID(id, "id")
	if err != nil {
		return nil, err
	}

	status, err := s.queue.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	if status == "" {
		job, err := s.queue.GetByID(ctx, jobID)
		if err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		if job == nil {
			return nil, apperror.ErrNotFound.WithMessage("Job not found")
		}
		if job.Status == jobqueue.StatusCancelling {
			return job, nil
		}
		return nil, apperror.ErrConflict.WithMessage(fmt.Sprintf("Job is already %s", job.Status))
	}

	s.log.Info("job cancellation requested",
		slog.String("job_id", jobID.String()),
		slog.String("status", string(status)))

	job, err := s.queue.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if job == nil {
		return nil, apperror.ErrNotFound.WithMessage("Job not found")
	}
	return job, nil
}

// Delete removes a finished job
func (s *Service) Delete(ctx context.Context, id string) error {
	jobID, err := parseID(id, "id")
	if err != nil {
		return err
	}

	deleted, err := s.queue.Delete(ctx, jobID)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if deleted {
		s.log.Info("job deleted", slog.String("job_id", jobID.String()))
		return nil
	}

	job, err := s.queue.GetByID(ctx, jobID)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if job == nil {
		return apperror.ErrNotFound.WithMessage("Job not found")
	}
	return apperror.ErrConflict.WithMessage("Job has not finished, cancel it before deleting")
}

// Cleanup deletes finished jobs older than the retention window. A zero
// retention falls back to the configured default.
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays < 0 {
		return 0, apperror.New(422, "invalid-retention", "retention_days must be >= 0")
	}
	if retentionDays == 0 {
		retentionDays = s.cfg.Jobs.RetentionDays
	}

	deleted, err := s.queue.CleanupOld(ctx, retentionDays)
	if err != nil {
		return 0, apperror.ErrDatabase.WithInternal(err)
	}
	return deleted, nil
}

// Stats returns queue depth per status
func (s *Service) Stats(ctx context.Context) (*jobqueue.Stats, error) {
	stats, err := s.queue.GetStats(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return stats, nil
}

func parseID(raw, field string) (uuid.UUID, error) {
	if !uuidRegex.MatchString(raw) {
		return uuid.Nil, apperror.New(422, "invalid-uuid", field+" must be a valid UUID")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperror.New(422, "invalid-uuid", field+" must be a valid UUID")
	}
	return id, nil
}

func isValidStatus(s jobqueue.JobStatus) bool {
	switch s {
	case jobqueue.StatusQueued, jobqueue.StatusRunning, jobqueue.StatusCancelling,
		jobqueue.StatusCompleted, jobqueue.StatusFailed, jobqueue.StatusCancelled:
		return true
	}
	return false
}

func isValidType(t jobqueue.JobType) bool {
	switch t {
	case jobqueue.TypeScrape, jobqueue.TypeCrawl, jobqueue.TypeExtract, jobqueue.TypeReport:
		return true
	}
	return false
}
