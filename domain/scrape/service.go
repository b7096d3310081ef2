package scrape

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/domain/projects"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// MaxScrapeURLs caps the url list of a single scrape job.
const MaxScrapeURLs = 100

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// ScrapeRequest is the request body for starting a scrape job.
type ScrapeRequest struct {
	URLs         []string `json:"urls"`
	SourceGroup  string   `json:"source_group,omitempty"`
	DiscoverAjax bool     `json:"discover_ajax,omitempty"`
}

// CrawlRequest is the request body for starting a crawl job.
type CrawlRequest struct {
	URL         string `json:"url"`
	SourceGroup string `json:"source_group,omitempty"`
	MaxPages    int    `json:"max_pages,omitempty"`
	MaxDepth    int    `json:"max_depth,omitempty"`
}

// JobAccepted is the 202 response for a queued scrape or crawl job.
type JobAccepted struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Type      string `json:"type"`
	ProjectID string `json:"project_id"`
	URLCount  int    `json:"url_count"`
}

// Service queues scrape and crawl jobs.
type Service struct {
	queue    *jobqueue.Queue
	projects *projects.Repository
	log      *slog.Logger
}

// NewService creates the scrape service.
func NewService(queue *jobqueue.Queue, projectsRepo *projects.Repository, log *slog.Logger) *Service {
	return &Service{
		queue:    queue,
		projects: projectsRepo,
		log:      log.With(logger.Scope("scrape.service")),
	}
}

// StartScrape validates the request and queues a scrape job for the project.
func (s *Service) StartScrape(ctx context.Context, projectID string, req ScrapeRequest) (*JobAccepted, error) {
	if len(req.URLs) == 0 {
		return nil, apperror.New(422, "invalid-request", "urls must not be empty")
	}
	if len(req.URLs) > MaxScrapeURLs {
		return nil, apperror.New(422, "invalid-request", "too many urls in one scrape job")
	}
	for _, u := range req.URLs {
		if err := validateScrapeURL(u); err != nil {
			return nil, err
		}
	}

	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"urls": req.URLs}
	if req.SourceGroup != "" {
		payload["source_group"] = req.SourceGroup
	}
	if req.DiscoverAjax {
		payload["discover_ajax"] = true
	}

	job, err := s.enqueue(ctx, project, jobqueue.TypeScrape, payload)
	if err != nil {
		return nil, err
	}
	s.log.Info("scrape job queued",
		slog.String("job_id", job.ID.String()),
		slog.String("project_id", projectID),
		slog.Int("url_count", len(req.URLs)))

	return &JobAccepted{
		JobID:     job.ID.String(),
		Status:    string(jobqueue.StatusQueued),
		Type:      string(jobqueue.TypeScrape),
		ProjectID: projectID,
		URLCount:  len(req.URLs),
	}, nil
}

// StartCrawl validates the request and queues a crawl job for the project.
func (s *Service) StartCrawl(ctx context.Context, projectID string, req CrawlRequest) (*JobAccepted, error) {
	if err := validateScrapeURL(req.URL); err != nil {
		return nil, err
	}
	if req.MaxPages < 0 || req.MaxPages > maxCrawlPages {
		return nil, apperror.New(422, "invalid-request", "max_pages out of range")
	}
	if req.MaxDepth < 0 || req.MaxDepth > maxCrawlDepth {
		return nil, apperror.New(422, "invalid-request", "max_depth out of range")
	}

	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"url": req.URL}
	if req.SourceGroup != "" {
		payload["source_group"] = req.SourceGroup
	}
	if req.MaxPages > 0 {
		payload["max_pages"] = req.MaxPages
	}
	if req.MaxDepth > 0 {
		payload["max_depth"] = req.MaxDepth
	}

	job, err := s.enqueue(ctx, project, jobqueue.TypeCrawl, payload)
	if err != nil {
		return nil, err
	}
	s.log.Info("crawl job queued",
		slog.String("job_id", job.ID.String()),
		slog.String("project_id", projectID),
		slog.String("url", req.URL))

	return &JobAccepted{
		JobID:     job.ID.String(),
		Status:    string(jobqueue.StatusQueued),
		Type:      string(jobqueue.TypeCrawl),
		ProjectID: projectID,
		URLCount:  1,
	}, nil
}

func (s *Service) loadProject(ctx context.Context, projectID string) (*projects.Project, error) {
	if !uuidRegex.MatchString(projectID) {
		return nil, apperror.New(422, "invalid-id", "project id must be a valid UUID")
	}
	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	if project == nil {
		return nil, apperror.NewNotFound("Project", projectID)
	}
	return project, nil
}

func (s *Service) enqueue(ctx context.Context, project *projects.Project, jobType jobqueue.JobType, payload map[string]any) (*jobqueue.Job, error) {
	job := &jobqueue.Job{
		ID:        uuid.New(),
		ProjectID: &project.ID,
		Type:      jobType,
		Status:    jobqueue.StatusQueued,
		Payload:   payload,
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return job, nil
}

func validateScrapeURL(raw string) error {
	if raw == "" {
		return apperror.New(422, "invalid-url", "url must not be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return apperror.New(422, "invalid-url", "url must be absolute http or https")
	}
	return nil
}
