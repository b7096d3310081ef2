package reports

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/internal/shutdown"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Runner executes report jobs: build the table for the payload's field
// group and store it in the job result.
type Runner struct {
	queue    *jobqueue.Queue
	worker   *jobqueue.Worker
	builder  *Builder
	projects *projects.Repository
	shutdown *shutdown.Manager
	log      *slog.Logger
}

// NewRunner creates the report job runner.
func NewRunner(
	queue *jobqueue.Queue,
	builder *Builder,
	projectsRepo *projects.Repository,
	sd *shutdown.Manager,
	cfg *config.Config,
	log *slog.Logger,
) *Runner {
	r := &Runner{
		queue:    queue,
		builder:  builder,
		projects: projectsRepo,
		shutdown: sd,
		log:      log.With(logger.Scope("reports.runner")),
	}
	r.worker = jobqueue.NewWorker(jobqueue.WorkerConfig{
		Name:                  "report-runner",
		PollInterval:          cfg.Jobs.PollInterval(),
		BatchSize:             1,
		StaleThresholdMinutes: cfg.Jobs.StaleThresholdMinutes,
	}, log, r.processBatch)
	return r
}

// Start begins polling for report jobs.
func (r *Runner) Start(ctx context.Context) error {
	return r.worker.Start(ctx)
}

// Stop finishes the in-flight row and stops.
func (r *Runner) Stop(ctx context.Context) error {
	return r.worker.Stop(ctx)
}

func (r *Runner) processBatch(ctx context.Context) error {
	if r.shutdown.IsShuttingDown() {
		return nil
	}
	jobs, err := r.queue.Dequeue(ctx, []jobqueue.JobType{jobqueue.TypeReport}, 1)
	if err != nil {
		return fmt.Errorf("dequeue report jobs: %w", err)
	}
	for _, job := range jobs {
		r.runJob(ctx, job)
	}
	return nil
}

func (r *Runner) runJob(ctx context.Context, job *jobqueue.Job) {
	jlog := r.log.With(slog.String("job_id", job.ID.String()))

	project, group, err := r.resolveTarget(ctx, job)
	if err != nil {
		jlog.Error("job rejected", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	opts := BuildOptions{
		SourceGroups:    payloadStrings(job.Payload["source_groups"]),
		CancelRequested: r.cancelProbe(job),
	}
	report, cancelled, err := r.builder.Build(ctx, project, group, opts)
	if err != nil {
		jlog.Error("report build failed", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	result := map[string]any{
		"report": report,
		"rows":   len(report.Rows),
	}
	switch {
	case cancelled && r.shutdown.IsShuttingDown():
		// Shutdown: the stale sweep re-queues the job and the next run
		// rebuilds from scratch. Reports are cheap relative to extraction.
		jlog.Info("report interrupted by shutdown, will rebuild")
	case cancelled:
		if err := r.queue.MarkCancelled(ctx, job.ID, result); err != nil {
			jlog.Error("failed to mark job cancelled", logger.Error(err))
		}
	default:
		if err := r.queue.MarkCompleted(ctx, job.ID, result); err != nil {
			jlog.Error("failed to mark job completed", logger.Error(err))
		}
		jlog.Info("report completed",
			slog.String("group", group.Name),
			slog.Int("rows", len(report.Rows)))
	}
}

func (r *Runner) resolveTarget(ctx context.Context, job *jobqueue.Job) (*projects.Project, *projects.FieldGroup, error) {
	if job.ProjectID == nil {
		return nil, nil, fmt.Errorf("job has no project id")
	}
	project, err := r.projects.GetByID(ctx, job.ProjectID.String())
	if err != nil {
		return nil, nil, fmt.Errorf("load project: %w", err)
	}
	if project == nil {
		return nil, nil, fmt.Errorf("project %s not found", job.ProjectID)
	}

	groupName, _ := job.Payload["group"].(string)
	if groupName == "" {
		return nil, nil, fmt.Errorf("report job has no group")
	}
	group, ok := project.Schema.Group(groupName)
	if !ok {
		return nil, nil, fmt.Errorf("project has no field group %q", groupName)
	}
	return project, group, nil
}

// cancelProbe tests between rows whether the job should stop: process
// shutdown or a user cancel flipping the status to cancelling.
func (r *Runner) cancelProbe(job *jobqueue.Job) func(ctx context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		if r.shutdown.IsShuttingDown() {
			return true, nil
		}
		status, err := r.queue.CurrentStatus(ctx, job.ID)
		if err != nil {
			return false, err
		}
		return status == jobqueue.StatusCancelling, nil
	}
}

func (r *Runner) failJob(ctx context.Context, job *jobqueue.Job, cause error) {
	if err := r.queue.MarkFailed(ctx, job.ID, job.AttemptCount, cause.Error()); err != nil {
		r.log.Error("failed to mark job failed",
			slog.String("job_id", job.ID.String()), logger.Error(err))
	}
}

func payloadStrings(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
