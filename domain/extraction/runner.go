package extraction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/domain/alerting"
	"github.com/stackradar/knowledge-engine/domain/dlq"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/sources"
	"github.com/stackradar/knowledge-engine/internal/config"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/internal/shutdown"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Runner executes extract jobs off the jobs table. Each job runs the
// pipeline over its sources with per-chunk checkpoints; an interrupted job
// resumes from its checkpoint on the next dequeue.
type Runner struct {
	queue       *jobqueue.Queue
	worker      *jobqueue.Worker
	pipeline    *Pipeline
	projects    *projects.Repository
	sources     *sources.Repository
	deadLetters *dlq.Store
	notifier    alerting.Notifier
	shutdown    *shutdown.Manager
	cfg         *config.Config
	log         *slog.Logger
}

// NewRunner creates the extract job runner.
func NewRunner(
	queue *jobqueue.Queue,
	pipeline *Pipeline,
	projectsRepo *projects.Repository,
	sourcesRepo *sources.Repository,
	deadLetters *dlq.Store,
	notifier alerting.Notifier,
	sd *shutdown.Manager,
	cfg *config.Config,
	log *slog.Logger,
) *Runner {
	r := &Runner{
		queue:       queue,
		pipeline:    pipeline,
		projects:    projectsRepo,
		sources:     sourcesRepo,
		deadLetters: deadLetters,
		notifier:    notifier,
		shutdown:    sd,
		cfg:         cfg,
		log:         log.With(logger.Scope("extraction.runner")),
	}
	r.worker = jobqueue.NewWorker(jobqueue.WorkerConfig{
		Name:                  "extract-runner",
		PollInterval:          cfg.Jobs.PollInterval(),
		BatchSize:             1,
		StaleThresholdMinutes: cfg.Jobs.StaleThresholdMinutes,
	}, log, r.processBatch)
	return r
}

// Start begins polling for extract jobs.
func (r *Runner) Start(ctx context.Context) error {
	return r.worker.Start(ctx)
}

// Stop waits for the in-flight job to reach its next checkpoint and stops.
func (r *Runner) Stop(ctx context.Context) error {
	return r.worker.Stop(ctx)
}

func (r *Runner) processBatch(ctx context.Context) error {
	if r.shutdown.IsShuttingDown() {
		return nil
	}
	jobs, err := r.queue.Dequeue(ctx, []jobqueue.JobType{jobqueue.TypeExtract}, 1)
	if err != nil {
		return fmt.Errorf("dequeue extract jobs: %w", err)
	}
	for _, job := range jobs {
		r.runJob(ctx, job)
	}
	return nil
}

// runJob runs one extract job end to end. Job-level failures mark the job
// for retry; per-source failures land in the result and the DLQ.
func (r *Runner) runJob(ctx context.Context, job *jobqueue.Job) {
	jlog := r.log.With(slog.String("job_id", job.ID.String()))

	project, err := r.loadProject(ctx, job)
	if err != nil {
		jlog.Error("extract job rejected", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	sourceIDs, err := r.resolveSourceIDs(ctx, job, project)
	if err != nil {
		jlog.Error("failed to resolve job sources", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	opts := BatchOptions{
		OnChunkCommit: func(ctx context.Context, tx bun.IDB, processedIDs []string, totalExtractions, totalEntities int) error {
			return r.queue.UpdateCheckpoint(ctx, tx, job.ID, jobqueue.NewCheckpoint(processedIDs, totalExtractions, totalEntities))
		},
		CancelRequested: func(ctx context.Context) (bool, error) {
			if r.shutdown.IsShuttingDown() {
				return true, nil
			}
			status, err := r.queue.CurrentStatus(ctx, job.ID)
			if err != nil {
				return false, err
			}
			return status == jobqueue.StatusCancelling, nil
		},
	}
	if profile, ok := job.Payload["profile"].(string); ok {
		opts.Profile = profile
	}
	if cp, err := job.Checkpoint(); err != nil {
		jlog.Warn("unreadable checkpoint, starting over", logger.Error(err))
	} else if cp != nil {
		opts.ResumeFrom = make(map[string]bool, len(cp.ProcessedSourceIDs))
		for _, id := range cp.ProcessedSourceIDs {
			opts.ResumeFrom[id] = true
		}
		jlog.Info("resuming from checkpoint",
			slog.Int("already_processed", len(cp.ProcessedSourceIDs)))
	}

	jlog.Info("extract job started",
		slog.String("project_id", project.ID.String()),
		slog.Int("sources", len(sourceIDs)))

	batch, err := r.pipeline.ProcessBatch(ctx, project, sourceIDs, opts)
	if err != nil {
		jlog.Error("extract job failed", logger.Error(err))
		r.failJob(ctx, job, err)
		return
	}

	r.deadLetterFailures(ctx, project, batch)
	result := r.buildResult(batch)

	switch {
	case batch.Cancelled && r.shutdown.IsShuttingDown():
		// Shutdown, not a user cancel: leave the job running so the stale
		// sweep re-queues it and the next run resumes from the checkpoint.
		jlog.Info("extract job interrupted by shutdown, will resume")
	case batch.Cancelled:
		if err := r.queue.MarkCancelled(ctx, job.ID, result); err != nil {
			jlog.Error("failed to mark job cancelled", logger.Error(err))
		}
	case batch.Succeeded == 0 && batch.Total > batch.AlreadyProcessed:
		// Nothing made progress: the job failed as a whole and is
		// eligible for retry with backoff.
		r.failJob(ctx, job, fmt.Errorf("all %d sources failed", batch.Failed))
	default:
		if err := r.queue.MarkCompleted(ctx, job.ID, result); err != nil {
			jlog.Error("failed to mark job completed", logger.Error(err))
		}
		jlog.Info("extract job completed",
			slog.Int("succeeded", batch.Succeeded),
			slog.Int("failed", batch.Failed),
			slog.Int("extractions", batch.ExtractionsCreated),
			slog.Int("deduplicated", batch.ExtractionsDeduplicated),
			slog.Int("entities", batch.EntitiesCreated))
	}
}

func (r *Runner) loadProject(ctx context.Context, job *jobqueue.Job) (*projects.Project, error) {
	if job.ProjectID == nil {
		return nil, fmt.Errorf("extract job has no project id")
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

// resolveSourceIDs returns the sources the job covers: the explicit list
// from the payload, or every pending source of the project. With force set,
// already-extracted sources are re-run as well.
func (r *Runner) resolveSourceIDs(ctx context.Context, job *jobqueue.Job, project *projects.Project) ([]string, error) {
	if raw, ok := job.Payload["source_ids"].([]any); ok && len(raw) > 0 {
		ids := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if _, err := uuid.Parse(s); err != nil {
				return nil, fmt.Errorf("invalid source id %q", s)
			}
			ids = append(ids, s)
		}
		return ids, nil
	}

	force, _ := job.Payload["force"].(bool)
	var list []sources.Source
	var err error
	if force {
		list, err = r.sources.ListExtractable(ctx, project.ID.String())
	} else {
		list, err = r.sources.ListPendingExtraction(ctx, project.ID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	ids := make([]string, 0, len(list))
	for i := range list {
		ids = append(ids, list[i].ID.String())
	}
	return ids, nil
}

// deadLetterFailures records every failed source so an operator can replay
// it after fixing the cause.
func (r *Runner) deadLetterFailures(ctx context.Context, project *projects.Project, batch *BatchResult) {
	for _, res := range batch.Results {
		if res.Completed {
			continue
		}
		errMsg := "extraction failed"
		if len(res.Errors) > 0 {
			errMsg = res.Errors[len(res.Errors)-1]
		}
		item := dlq.Item{
			Kind:      dlq.KindExtraction,
			Ref:       res.SourceID,
			ProjectID: project.ID.String(),
			Error:     errMsg,
		}
		if err := r.deadLetters.Push(ctx, item); err != nil {
			r.log.Error("failed to dead-letter source",
				slog.String("source_id", res.SourceID), logger.Error(err))
		}
	}
}

func (r *Runner) buildResult(batch *BatchResult) map[string]any {
	result := map[string]any{
		"total":                    batch.Total,
		"succeeded":                batch.Succeeded,
		"failed":                   batch.Failed,
		"extractions_created":      batch.ExtractionsCreated,
		"extractions_deduplicated": batch.ExtractionsDeduplicated,
		"entities_created":         batch.EntitiesCreated,
	}
	if batch.AlreadyProcessed > 0 {
		result["already_processed"] = batch.AlreadyProcessed
	}
	if errs := batch.Errors(); len(errs) > 0 {
		result["errors"] = errs
		result["error_count"] = len(errs)
	}
	return result
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
