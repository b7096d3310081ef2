package scrape

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stackradar/knowledge-engine/domain/alerting"
	"github.com/stackradar/knowledge-engine/domain/dlq"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/internal/shutdown"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	defaultCrawlMaxPages = 25
	maxCrawlPages        = 200
	defaultCrawlMaxDepth = 2
	maxCrawlDepth        = 5
)

// Runner executes scrape and crawl jobs off the jobs table. Both job types
// test for cancellation between pages; pages already persisted stay.
type Runner struct {
	queue       *jobqueue.Queue
	worker      *jobqueue.Worker
	fetcher     *Fetcher
	projects    *projects.Repository
	deadLetters *dlq.Store
	notifier    alerting.Notifier
	shutdown    *shutdown.Manager
	log         *slog.Logger
}

// NewRunner creates the scrape job runner.
func NewRunner(
	queue *jobqueue.Queue,
	fetcher *Fetcher,
	projectsRepo *projects.Repository,
	deadLetters *dlq.Store,
	notifier alerting.Notifier,
	sd *shutdown.Manager,
	cfg *config.Config,
	log *slog.Logger,
) *Runner {
	r := &Runner{
		queue:       queue,
		fetcher:     fetcher,
		projects:    projectsRepo,
		deadLetters: deadLetters,
		notifier:    notifier,
		shutdown:    sd,
		log:         log.With(logger.Scope("scrape.runner")),
	}
	r.worker = jobqueue.NewWorker(jobqueue.WorkerConfig{
		Name:                  "scrape-runner",
		PollInterval:          cfg.Jobs.PollInterval(),
		BatchSize:             1,
		StaleThresholdMinutes: cfg.Jobs.StaleThresholdMinutes,
	}, log, r.processBatch)
	return r
}

// Start begins polling for scrape and crawl jobs.
func (r *Runner) Start(ctx context.Context) error {
	return r.worker.Start(ctx)
}

// Stop finishes the in-flight page and stops.
func (r *Runner) Stop(ctx context.Context) error {
	return r.worker.Stop(ctx)
}

func (r *Runner) processBatch(ctx context.Context) error {
	if r.shutdown.IsShuttingDown() {
		return nil
	}
	jobs, err := r.queue.Dequeue(ctx, []jobqueue.JobType{jobqueue.TypeScrape, jobqueue.TypeCrawl}, 1)
	if err != nil {
		return fmt.Errorf("dequeue scrape jobs: %w", err)
	}
	for _, job := range jobs {
		r.runJob(ctx, job)
	}
	return nil
}

func (r *Runner) runJob(ctx context.Context, job *jobqueue.Job) {
	jlog := r.log.With(
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
	)

	project, err := r.loadProject(ctx, job)
	if err != nil {
		jlog.Error("job rejected", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	var outcome *fetchOutcome
	switch job.Type {
	case jobqueue.TypeScrape:
		outcome, err = r.runScrape(ctx, job, project)
	case jobqueue.TypeCrawl:
		outcome, err = r.runCrawl(ctx, job, project)
	default:
		err = fmt.Errorf("unexpected job type %q", job.Type)
	}
	if err != nil {
		jlog.Error("job failed", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	result := outcome.result()
	switch {
	case outcome.cancelled && r.shutdown.IsShuttingDown():
		// Shutdown, not a user cancel: the stale sweep re-queues the job.
		// Already-ready sources are upserted again on the re-run, which is
		// idempotent.
		jlog.Info("job interrupted by shutdown, will resume")
	case outcome.cancelled:
		if err := r.queue.MarkCancelled(ctx, job.ID, result); err != nil {
			jlog.Error("failed to mark job cancelled", logger.Error(err))
		}
	case outcome.succeeded == 0 && outcome.attempted > 0:
		r.failJob(ctx, job, fmt.Errorf("all %d pages failed", outcome.attempted))
	default:
		if err := r.queue.MarkCompleted(ctx, job.ID, result); err != nil {
			jlog.Error("failed to mark job completed", logger.Error(err))
		}
		jlog.Info("job completed",
			slog.Int("succeeded", outcome.succeeded),
			slog.Int("failed", len(outcome.failures)),
		)
	}
}

// fetchOutcome aggregates page results for one job.
type fetchOutcome struct {
	attempted  int
	succeeded  int
	discovered int
	cancelled  bool
	failures   map[string]string // url -> error
}

func newFetchOutcome() *fetchOutcome {
	return &fetchOutcome{failures: make(map[string]string)}
}

func (o *fetchOutcome) result() map[string]any {
	result := map[string]any{
		"attempted": o.attempted,
		"succeeded": o.succeeded,
		"failed":    len(o.failures),
	}
	if o.discovered > 0 {
		result["discovered"] = o.discovered
	}
	if len(o.failures) > 0 {
		result["errors"] = o.failures
	}
	return result
}

// runScrape fetches the payload's explicit URL list.
func (r *Runner) runScrape(ctx context.Context, job *jobqueue.Job, project *projects.Project) (*fetchOutcome, error) {
	urls, err := stringSlice(job.Payload["urls"])
	if err != nil || len(urls) == 0 {
		return nil, fmt.Errorf("scrape job has no urls")
	}
	sourceGroup, _ := job.Payload["source_group"].(string)
	discoverAjax, _ := job.Payload["discover_ajax"].(bool)

	outcome := newFetchOutcome()
	for _, u := range urls {
		stop, err := r.cancelRequested(ctx, job)
		if err != nil {
			return nil, err
		}
		if stop {
			outcome.cancelled = true
			break
		}

		outcome.attempted++
		if _, _, err := r.fetcher.FetchPage(ctx, project, u, sourceGroup, discoverAjax); err != nil {
			r.recordFailure(ctx, outcome, project, u, err)
			continue
		}
		outcome.succeeded++
	}
	return outcome, nil
}

// runCrawl walks same-host links breadth-first from the payload URL, bounded
// by max_pages and max_depth.
func (r *Runner) runCrawl(ctx context.Context, job *jobqueue.Job, project *projects.Project) (*fetchOutcome, error) {
	start, _ := job.Payload["url"].(string)
	if start == "" {
		return nil, fmt.Errorf("crawl job has no url")
	}
	sourceGroup, _ := job.Payload["source_group"].(string)
	maxPages := intOption(job.Payload, "max_pages", defaultCrawlMaxPages, maxCrawlPages)
	maxDepth := intOption(job.Payload, "max_depth", defaultCrawlMaxDepth, maxCrawlDepth)

	type frontierEntry struct {
		url   string
		depth int
	}
	frontier := []frontierEntry{{url: start}}
	visited := map[string]struct{}{start: {}}

	outcome := newFetchOutcome()
	for len(frontier) > 0 && outcome.attempted < maxPages {
		stop, err := r.cancelRequested(ctx, job)
		if err != nil {
			return nil, err
		}
		if stop {
			outcome.cancelled = true
			break
		}

		entry := frontier[0]
		frontier = frontier[1:]

		outcome.attempted++
		_, links, err := r.fetcher.FetchPage(ctx, project, entry.url, sourceGroup, false)
		if err != nil {
			r.recordFailure(ctx, outcome, project, entry.url, err)
			continue
		}
		outcome.succeeded++

		if entry.depth >= maxDepth {
			continue
		}
		for _, link := range links {
			if _, seen := visited[link]; seen {
				continue
			}
			visited[link] = struct{}{}
			outcome.discovered++
			frontier = append(frontier, frontierEntry{url: link, depth: entry.depth + 1})
		}
	}
	return outcome, nil
}

// cancelRequested reports whether the job should stop before the next page:
// either the process is shutting down or the job was flipped to cancelling.
func (r *Runner) cancelRequested(ctx context.Context, job *jobqueue.Job) (bool, error) {
	if r.shutdown.IsShuttingDown() {
		return true, nil
	}
	status, err := r.queue.CurrentStatus(ctx, job.ID)
	if err != nil {
		return false, err
	}
	return status == jobqueue.StatusCancelling, nil
}

func (r *Runner) recordFailure(ctx context.Context, outcome *fetchOutcome, project *projects.Project, url string, cause error) {
	outcome.failures[url] = cause.Error()
	item := dlq.Item{
		Kind:      dlq.KindScrape,
		Ref:       url,
		ProjectID: project.ID.String(),
		Error:     cause.Error(),
	}
	if err := r.deadLetters.Push(ctx, item); err != nil {
		r.log.Error("failed to dead-letter url",
			slog.String("url", url), logger.Error(err))
	}
}

func (r *Runner) loadProject(ctx context.Context, job *jobqueue.Job) (*projects.Project, error) {
	if job.ProjectID == nil {
		return nil, fmt.Errorf("job has no project id")
	}
	project, err := r.projects.GetByID(ctx, job.ProjectID.String())
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, fmt.Errorf("project %s not found", job.ProjectID)
	}
	return project, nil
}

func (r *Runner) failJob(ctx context.Context, job *jobqueue.Job, cause error) {
	if err := r.queue.MarkFailed(ctx, job.ID, job.AttemptCount, cause.Error()); err != nil {
		r.log.Error("failed to mark job failed",
			slog.String("job_id", job.ID.String()), logger.Error(err))
		return
	}
	if max := r.queue.MaxAttempts(); max > 0 && job.AttemptCount+1 >= max {
		subject := fmt.Sprintf("[knowledge-engine] %s job %s permanently failed", job.Type, job.ID)
		body := fmt.Sprintf("Job %s (%s) exhausted its %d attempts.\n\nLast error:\n%s",
			job.ID, job.Type, max, cause.Error())
		if err := r.notifier.Notify(ctx, subject, body); err != nil {
			r.log.Warn("failed to send job failure alert",
				slog.String("job_id", job.ID.String()), logger.Error(err))
		}
	}
}

// stringSlice coerces a jsonb array payload value into []string.
func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not a string array")
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("not a string array")
		}
		out = append(out, s)
	}
	return out, nil
}

// intOption reads a numeric payload option with a default and a hard cap.
func intOption(payload map[string]any, key string, def, cap int) int {
	v, ok := payload[key].(float64)
	if !ok || v <= 0 {
		return def
	}
	n := int(v)
	if n > cap {
		return cap
	}
	return n
}
