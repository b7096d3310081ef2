// Package jobs provides the PostgreSQL-backed background job queue.
//
// Jobs move queued -> running -> completed|failed. Cancellation is
// cooperative: a cancel request flips a running job to cancelling, and the
// runner finishes it as cancelled at its next chunk boundary. Dequeue uses
// FOR UPDATE SKIP LOCKED so concurrent runners never claim the same job
// twice, and failed jobs are retried with exponential backoff until
// MaxAttempts is reached.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// QueueConfig contains retry and batching settings for the queue
type QueueConfig struct {
	// MaxAttempts is the maximum number of attempts per job (0 = unlimited)
	MaxAttempts int
	// BaseRetryDelaySec is the base delay in seconds for retries (default: 30)
	BaseRetryDelaySec int
	// MaxRetryDelaySec is the maximum retry delay in seconds (default: 900)
	MaxRetryDelaySec int
	// BatchSize is the default number of jobs to dequeue at once (default: 10)
	BatchSize int
}

// DefaultQueueConfig returns a QueueConfig with sensible defaults
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxAttempts:       3,
		BaseRetryDelaySec: 30,
		MaxRetryDelaySec:  900,
		BatchSize:         10,
	}
}

// retryDelay computes the backoff for the given attempt number, capped at
// MaxRetryDelaySec.
func (c QueueConfig) retryDelay(attempt int) time.Duration {
	delay := math.Min(
		float64(c.MaxRetryDelaySec),
		float64(c.BaseRetryDelaySec)*float64(attempt)*float64(attempt),
	)
	return time.Duration(delay) * time.Second
}

// Queue provides job queue operations on the ke.jobs table.
// It uses FOR UPDATE SKIP LOCKED for concurrent runner safety.
type Queue struct {
	db     bun.IDB
	config QueueConfig
	log    *slog.Logger
}

// NewQueue creates a job queue with the given configuration
func NewQueue(db bun.IDB, config QueueConfig, log *slog.Logger) *Queue {
	// Apply defaults
	if config.BaseRetryDelaySec == 0 {
		config.BaseRetryDelaySec = 30
	}
	if config.MaxRetryDelaySec == 0 {
		config.MaxRetryDelaySec = 900
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	return &Queue{
		db:     db,
		config: config,
		log:    log.With(logger.Scope("jobs.queue")),
	}
}

// Enqueue inserts a new job. The ID is generated by the database unless the
// caller set one.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Type == "" {
		return fmt.Errorf("job type is required")
	}
	if job.Status == "" {
		job.Status = StatusQueued
	}

	_, err := q.db.NewInsert().
		Model(job).
		Returning("id, created_at, updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}

	q.log.Debug("job enqueued",
		slog.String("job_id", job.ID.String()),
		slog.String("type", string(job.Type)),
		slog.Int("priority", job.Priority))

	return nil
}

// Dequeue atomically claims up to batchSize queued jobs of the given types
// and moves them to running.
//
// Uses PostgreSQL's FOR UPDATE SKIP LOCKED so concurrent runners never claim
// the same job twice.
func (q *Queue) Dequeue(ctx context.Context, types []JobType, batchSize int) ([]*Job, error) {
	if batchSize <= 0 {
		batchSize = q.config.BatchSize
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("dequeue requires at least one job type")
	}

	typeNames := make([]string, len(types))
	for i, t := range types {
		typeNames[i] = string(t)
	}

	// Strategic SQL that cannot be expressed with Bun's query builder
	query := `
		WITH cte AS (
			SELECT id FROM ke.jobs
			WHERE status = 'queued'
				AND type IN (?)
				AND (scheduled_at IS NULL OR scheduled_at <= now())
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT ?
		)
		UPDATE ke.jobs j
		SET status = 'running', started_at = now(), updated_at = now()
		FROM cte WHERE j.id = cte.id
		RETURNING j.*`

	var jobs []*Job
	_, err := q.db.NewRaw(query, bun.In(typeNames), batchSize).Exec(ctx, &jobs)
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}

	return jobs, nil
}

// MarkCompleted marks a job as completed with an optional result document
func (q *Queue) MarkCompleted(ctx context.Context, id uuid.UUID, result map[string]any) error {
	resultArg, err := marshalResult(result)
	if err != nil {
		return err
	}

	query := `
		UPDATE ke.jobs
		SET status = 'completed',
			result = $2::jsonb,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1`

	if _, err := q.db.ExecContext(ctx, query, id, resultArg); err != nil {
		return fmt.Errorf("mark completed failed: %w", err)
	}

	return nil
}

// MaxAttempts reports the configured per-job attempt limit, 0 meaning
// unlimited. Runners use it to tell a retryable failure from a final one.
func (q *Queue) MaxAttempts() int {
	return q.config.MaxAttempts
}

// MarkFailed records a failed attempt and schedules a retry with exponential
// backoff. When MaxAttempts is configured and reached, the job is permanently
// marked as failed instead.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, errMsg string) error {
	attempt := attemptCount + 1

	if q.config.MaxAttempts > 0 && attempt >= q.config.MaxAttempts {
		query := `
			UPDATE ke.jobs
			SET status = 'failed',
				attempt_count = $2,
				last_error = $3,
				completed_at = now(),
				updated_at = now()
			WHERE id = $1`

		if _, err := q.db.ExecContext(ctx, query, id, attempt, truncateError(errMsg)); err != nil {
			return fmt.Errorf("mark failed (permanent) failed: %w", err)
		}

		q.log.Warn("job permanently failed after max attempts",
			slog.String("job_id", id.String()),
			slog.Int("attempts", attempt),
			slog.String("error", errMsg))

		return nil
	}

	delay := q.config.retryDelay(attempt)

	query := `
		UPDATE ke.jobs
		SET status = 'queued',
			attempt_count = $2,
			last_error = $3,
			started_at = NULL,
			scheduled_at = now() + ($4 || ' seconds')::interval,
			updated_at = now()
		WHERE id = $1`

	_, err := q.db.ExecContext(ctx, query, id, attempt, truncateError(errMsg),
		fmt.Sprintf("%d", int(delay.Seconds())))
	if err != nil {
		return fmt.Errorf("mark failed (retry) failed: %w", err)
	}

	q.log.Debug("job scheduled for retry",
		slog.String("job_id", id.String()),
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	return nil
}

// RequestCancel asks for a job to be cancelled. Queued jobs are cancelled
// immediately; running jobs move to cancelling and the runner finishes them
// as cancelled at the next chunk boundary. Returns the resulting status, or
// "" when the job does not exist or is already past cancellation.
func (q *Queue) RequestCancel(ctx context.Context, id uuid.UUID) (JobStatus, error) {
	query := `
		UPDATE ke.jobs
		SET status = CASE status WHEN 'queued' THEN 'cancelled' ELSE 'cancelling' END,
			completed_at = CASE status WHEN 'queued' THEN now() ELSE completed_at END,
			updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
		RETURNING status`

	var status JobStatus
	err := q.db.QueryRowContext(ctx, query, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("request cancel failed: %w", err)
	}

	q.log.Info("job cancel requested",
		slog.String("job_id", id.String()),
		slog.String("status", string(status)))

	return status, nil
}

// MarkCancelled finishes a cancelling job, keeping whatever partial result
// the runner hands over. The checkpoint in the payload survives so the work
// done so far stays accounted for.
func (q *Queue) MarkCancelled(ctx context.Context, id uuid.UUID, result map[string]any) error {
	resultArg, err := marshalResult(result)
	if err != nil {
		return err
	}

	query := `
		UPDATE ke.jobs
		SET status = 'cancelled',
			result = $2::jsonb,
			completed_at = now(),
			updated_at = now()
		WHERE id = $1`

	if _, err := q.db.ExecContext(ctx, query, id, resultArg); err != nil {
		return fmt.Errorf("mark cancelled failed: %w", err)
	}

	return nil
}

// CurrentStatus returns the job's status, or "" when the job does not exist.
// Runners call this at chunk boundaries to observe cancellation.
func (q *Queue) CurrentStatus(ctx context.Context, id uuid.UUID) (JobStatus, error) {
	var status JobStatus
	err := q.db.QueryRowContext(ctx, `SELECT status FROM ke.jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get status failed: %w", err)
	}
	return status, nil
}

// UpdateCheckpoint writes the checkpoint into the job payload. Pass the
// transaction the chunk's rows were written on so the checkpoint commits with
// them as a unit; a nil db falls back to the queue's own connection.
func (q *Queue) UpdateCheckpoint(ctx context.Context, db bun.IDB, id uuid.UUID, cp *Checkpoint) error {
	if db == nil {
		db = q.db
	}

	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	query := `
		UPDATE ke.jobs
		SET payload = jsonb_set(coalesce(payload, '{}'::jsonb), '{checkpoint}', $2::jsonb),
			updated_at = now()
		WHERE id = $1`

	if _, err := db.ExecContext(ctx, query, id, string(b)); err != nil {
		return fmt.Errorf("update checkpoint failed: %w", err)
	}

	return nil
}

// RecoverStaleJobs sweeps jobs stuck in a non-terminal state after a crashed
// or restarted runner. Stale running jobs with attempts left are re-queued,
// the rest fail permanently, and stale cancelling jobs finish as cancelled.
// Returns the total number of jobs touched.
func (q *Queue) RecoverStaleJobs(ctx context.Context, staleThresholdMinutes int) (int, error) {
	if staleThresholdMinutes <= 0 {
		staleThresholdMinutes = 15
	}
	threshold := fmt.Sprintf("%d", staleThresholdMinutes)

	requeue := `
		UPDATE ke.jobs
		SET status = 'queued',
			attempt_count = attempt_count + 1,
			last_error = 'recovered from stale running state',
			started_at = NULL,
			scheduled_at = now(),
			updated_at = now()
		WHERE status = 'running'
			AND started_at < now() - ($1 || ' minutes')::interval
			AND ($2 = 0 OR attempt_count + 1 < $2)`

	requeueRes, err := q.db.ExecContext(ctx, requeue, threshold, q.config.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs failed: %w", err)
	}
	requeued, _ := requeueRes.RowsAffected()

	// Whatever is still stale in running is out of attempts
	fail := `
		UPDATE ke.jobs
		SET status = 'failed',
			attempt_count = attempt_count + 1,
			last_error = 'job stalled in running state',
			completed_at = now(),
			updated_at = now()
		WHERE status = 'running'
			AND started_at < now() - ($1 || ' minutes')::interval`

	failRes, err := q.db.ExecContext(ctx, fail, threshold)
	if err != nil {
		return int(requeued), fmt.Errorf("fail stale jobs failed: %w", err)
	}
	failed, _ := failRes.RowsAffected()

	// A job stuck in cancelling lost its runner; the work has stopped either way
	cancel := `
		UPDATE ke.jobs
		SET status = 'cancelled',
			completed_at = now(),
			updated_at = now()
		WHERE status = 'cancelling'
			AND started_at < now() - ($1 || ' minutes')::interval`

	cancelRes, err := q.db.ExecContext(ctx, cancel, threshold)
	if err != nil {
		return int(requeued + failed), fmt.Errorf("cancel stale jobs failed: %w", err)
	}
	cancelled, _ := cancelRes.RowsAffected()

	total := int(requeued + failed + cancelled)
	if total > 0 {
		q.log.Warn("recovered stale jobs",
			slog.Int64("requeued", requeued),
			slog.Int64("failed", failed),
			slog.Int64("cancelled", cancelled),
			slog.Int("threshold_minutes", staleThresholdMinutes))
	}

	return total, nil
}

// Stats represents queue statistics
type Stats struct {
	Queued     int64 `json:"queued"`
	Running    int64 `json:"running"`
	Cancelling int64 `json:"cancelling"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'queued') as queued,
			COUNT(*) FILTER (WHERE status = 'running') as running,
			COUNT(*) FILTER (WHERE status = 'cancelling') as cancelling,
			COUNT(*) FILTER (WHERE status = 'completed') as completed,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE status = 'cancelled') as cancelled
		FROM ke.jobs`

	stats := &Stats{}
	err := q.db.QueryRowContext(ctx, query).Scan(
		&stats.Queued, &stats.Running, &stats.Cancelling,
		&stats.Completed, &stats.Failed, &stats.Cancelled)
	if err != nil {
		return nil, fmt.Errorf("get stats failed: %w", err)
	}

	return stats, nil
}

// GetByID retrieves a job by its ID
func (q *Queue) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	job := &Job{}
	err := q.db.NewSelect().
		Model(job).
		Where("j.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Return nil, nil for not found (let caller decide error)
			return nil, nil
		}
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return job, nil
}

// List returns jobs matching the given filters, newest first, with the total
// count before pagination.
func (q *Queue) List(ctx context.Context, params ListParams) ([]Job, int, error) {
	applyFilters := func(query *bun.SelectQuery) *bun.SelectQuery {
		if params.ProjectID != nil {
			query = query.Where("j.project_id = ?", *params.ProjectID)
		}
		if params.Status != nil {
			query = query.Where("j.status = ?", *params.Status)
		}
		if params.Type != nil {
			query = query.Where("j.type = ?", *params.Type)
		}
		return query
	}

	total, err := applyFilters(q.db.NewSelect().Model((*Job)(nil))).Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count jobs failed: %w", err)
	}

	var jobs []Job
	query := applyFilters(q.db.NewSelect().Model(&jobs)).
		Order("created_at DESC")
	if params.Limit > 0 {
		query = query.Limit(params.Limit)
	}
	if params.Offset > 0 {
		query = query.Offset(params.Offset)
	}
	if err := query.Scan(ctx); err != nil {
		return nil, 0, fmt.Errorf("list jobs failed: %w", err)
	}

	return jobs, total, nil
}

// HasActiveJob reports whether the project already has a non-terminal job of
// the given type.
func (q *Queue) HasActiveJob(ctx context.Context, projectID uuid.UUID, jobType JobType) (bool, error) {
	exists, err := q.db.NewSelect().
		Model((*Job)(nil)).
		Where("j.project_id = ?", projectID).
		Where("j.type = ?", jobType).
		Where("j.status IN (?)", bun.In([]string{
			string(StatusQueued), string(StatusRunning), string(StatusCancelling),
		})).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("check active job failed: %w", err)
	}
	return exists, nil
}

// Delete removes a single terminal job. Returns false when the job does not
// exist or has not finished yet.
func (q *Queue) Delete(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := q.db.NewDelete().
		Model((*Job)(nil)).
		Where("j.id = ?", id).
		Where("j.status IN (?)", bun.In([]string{
			string(StatusCompleted), string(StatusFailed), string(StatusCancelled),
		})).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("delete job failed: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CleanupOld deletes terminal jobs that finished more than retentionDays ago.
// Returns the number of jobs removed.
func (q *Queue) CleanupOld(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	query := `
		DELETE FROM ke.jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
			AND completed_at < now() - ($1 || ' days')::interval`

	res, err := q.db.ExecContext(ctx, query, fmt.Sprintf("%d", retentionDays))
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs failed: %w", err)
	}

	count, _ := res.RowsAffected()
	if count > 0 {
		q.log.Info("cleaned up old jobs",
			slog.Int64("count", count),
			slog.Int("retention_days", retentionDays))
	}

	return count, nil
}

// marshalResult encodes a result document for a jsonb parameter, keeping the
// column NULL when there is nothing to store.
func marshalResult(result map[string]any) (any, error) {
	if result == nil {
		return nil, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}

// truncateError truncates an error message to 500 characters
func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
