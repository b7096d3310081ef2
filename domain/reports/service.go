package reports

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/domain/projects"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	// DefaultLimit is the default page size for listing reports
	DefaultLimit = 50
	// MaxLimit is the maximum allowed page size
	MaxLimit = 200
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// CreateRequest is the request body for starting a report job.
type CreateRequest struct {
	Group        string   `json:"group"`
	SourceGroups []string `json:"source_groups,omitempty"`
}

// ReportAccepted is the 202 response for a queued report job.
type ReportAccepted struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Group     string `json:"group"`
	ProjectID string `json:"project_id"`
}

// ReportView is one report job with its result, as served by the API.
type ReportView struct {
	JobID     string         `json:"job_id"`
	ProjectID string         `json:"project_id,omitempty"`
	Status    string         `json:"status"`
	Group     string         `json:"group,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// ListResult is a page of reports.
type ListResult struct {
	Reports []ReportView `json:"reports"`
	Total   int          `json:"total"`
}

// Service queues report jobs and serves their results off the jobs table.
type Service struct {
	queue    *jobqueue.Queue
	projects *projects.Repository
	log      *slog.Logger
}

// NewService creates the reports service.
func NewService(queue *jobqueue.Queue, projectsRepo *projects.Repository, log *slog.Logger) *Service {
	return &Service{
		queue:    queue,
		projects: projectsRepo,
		log:      log.With(logger.Scope("reports.service")),
	}
}

// Create validates the request and queues a report job. Reports cover
// scalar field groups; entity-list groups have no per-column merge shape.
func (s *Service) Create(ctx context.Context, projectID string, req CreateRequest) (*ReportAccepted, error) {
	if !uuidRegex.MatchString(projectID) {
		return nil, apperror.New(422, "invalid-id", "project id must be a valid UUID")
	}
	if req.Group == "" {
		return nil, apperror.New(422, "invalid-request", "group is required")
	}

	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if project == nil {
		return nil, apperror.NewNotFound("Project", projectID)
	}
	group, ok := project.Schema.Group(req.Group)
	if !ok {
		return nil, apperror.New(422, "invalid-request", "project has no such field group")
	}
	if group.IsEntityList {
		return nil, apperror.New(422, "invalid-request", "entity-list groups cannot be reported as a table")
	}

	payload := map[string]any{"group": req.Group}
	if len(req.SourceGroups) > 0 {
		payload["source_groups"] = req.SourceGroups
	}
	job := &jobqueue.Job{
		ID:        uuid.New(),
		ProjectID: &project.ID,
		Type:      jobqueue.TypeReport,
		Status:    jobqueue.StatusQueued,
		Payload:   payload,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	s.log.Info("report job queued",
		slog.String("job_id", job.ID.String()),
		slog.String("project_id", projectID),
		slog.String("group", req.Group))

	return &ReportAccepted{
		JobID:     job.ID.String(),
		Status:    string(jobqueue.StatusQueued),
		Group:     req.Group,
		ProjectID: projectID,
	}, nil
}

// Get returns one report by its job id.
func (s *Service) Get(ctx context.Context, id string) (*ReportView, error) {
	if !uuidRegex.MatchString(id) {
		return nil, apperror.New(422, "invalid-id", "report id must be a valid UUID")
	}
	job, err := s.queue.GetByID(ctx, uuid.MustParse(id))
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if job == nil || job.Type != jobqueue.TypeReport {
		return nil, apperror.NewNotFound("Report", id)
	}
	return reportView(job), nil
}

// List returns a project's reports, newest first.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int) (*ListResult, error) {
	if !uuidRegex.MatchString(projectID) {
		return nil, apperror.New(422, "invalid-id", "project_id must be a valid UUID")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	pid := uuid.MustParse(projectID)
	reportType := jobqueue.TypeReport
	jobs, total, err := s.queue.List(ctx, jobqueue.ListParams{
		ProjectID: &pid,
		Type:      &reportType,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	views := make([]ReportView, len(jobs))
	for i := range jobs {
		views[i] = *reportView(&jobs[i])
	}
	return &ListResult{Reports: views, Total: total}, nil
}

func reportView(job *jobqueue.Job) *ReportView {
	view := &ReportView{
		JobID:     job.ID.String(),
		Status:    string(job.Status),
		Result:    job.Result,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}
	if job.LastError != nil {
		view.Error = *job.LastError
	}
	if job.ProjectID != nil {
		view.ProjectID = job.ProjectID.String()
	}
	if group, ok := job.Payload["group"].(string); ok {
		view.Group = group
	}
	return view
}
