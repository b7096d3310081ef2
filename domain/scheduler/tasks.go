package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/domain/alerting"
	"github.com/stackradar/knowledge-engine/domain/classifier"
	"github.com/stackradar/knowledge-engine/domain/dlq"
	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

var (
	jobsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "job_queue_jobs",
		Help: "Number of jobs in the queue by status",
	}, []string{"status"})

	llmQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "llm_queue_depth",
		Help: "Number of pending requests in the LLM request stream",
	})

	deadLetterDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dead_letter_items",
		Help: "Number of items in the dead-letter queue by kind",
	}, []string{"kind"})

	classifierCacheOps = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "classifier_embedding_cache_ops",
		Help: "Cumulative classifier embedding cache hits and misses",
	}, []string{"result"})

	classifierCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classifier_embedding_cache_entries",
		Help: "Live field-group embeddings in the classifier cache",
	})
)

// StaleJobSweepTask re-queues or fails jobs whose runner died mid-flight.
// Runners deliberately leave jobs in running during shutdown; this sweep is
// what eventually picks them back up.
type StaleJobSweepTask struct {
	queue        *jobqueue.Queue
	log          *slog.Logger
	staleMinutes int
}

// NewStaleJobSweepTask creates a new stale job sweep task
func NewStaleJobSweepTask(queue *jobqueue.Queue, log *slog.Logger, staleMinutes int) *StaleJobSweepTask {
	if staleMinutes <= 0 {
		staleMinutes = 15
	}
	return &StaleJobSweepTask{
		queue:        queue,
		log:          log.With(logger.Scope("scheduler.stale_job_sweep")),
		staleMinutes: staleMinutes,
	}
}

// Run executes the stale job sweep
func (t *StaleJobSweepTask) Run(ctx context.Context) error {
	start := time.Now()
	t.log.Debug("sweeping stale jobs")

	recovered, err := t.queue.RecoverStaleJobs(ctx, t.staleMinutes)
	if err != nil {
		t.log.Error("stale job sweep failed", slog.String("error", err.Error()))
		return err
	}

	if recovered > 0 {
		t.log.Info("recovered stale jobs",
			slog.Int("count", recovered),
			slog.Duration("duration", time.Since(start)))
	} else {
		t.log.Debug("no stale jobs", slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// DLQAlertTask alerts the operators when the dead-letter queue grows past the
// configured threshold. Alerts for a sustained backlog repeat no more often
// than once per alertCooldown.
type DLQAlertTask struct {
	store     *dlq.Store
	notifier  alerting.Notifier
	log       *slog.Logger
	threshold int

	mu        sync.Mutex
	lastAlert time.Time
}

const alertCooldown = 6 * time.Hour

// NewDLQAlertTask creates a new dead-letter alert task
func NewDLQAlertTask(store *dlq.Store, notifier alerting.Notifier, log *slog.Logger, threshold int) *DLQAlertTask {
	if threshold <= 0 {
		threshold = 25
	}
	return &DLQAlertTask{
		store:     store,
		notifier:  notifier,
		log:       log.With(logger.Scope("scheduler.dlq_alert")),
		threshold: threshold,
	}
}

// Run executes the dead-letter sweep
func (t *DLQAlertTask) Run(ctx context.Context) error {
	var total int64
	counts := map[dlq.Kind]int64{}

	for _, kind := range []dlq.Kind{dlq.KindScrape, dlq.KindExtraction, dlq.KindLLM} {
		n, err := t.store.Count(ctx, kind)
		if err != nil {
			t.log.Warn("failed to count dead letters",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
			continue
		}
		counts[kind] = n
		total += n
		deadLetterDepth.WithLabelValues(string(kind)).Set(float64(n))
	}

	if total < int64(t.threshold) {
		return nil
	}

	t.mu.Lock()
	recentlyAlerted := time.Since(t.lastAlert) < alertCooldown
	if !recentlyAlerted {
		t.lastAlert = time.Now()
	}
	t.mu.Unlock()

	if recentlyAlerted {
		t.log.Debug("dead-letter threshold exceeded, alert suppressed by cooldown",
			slog.Int64("total", total))
		return nil
	}

	var lines []string
	for kind, n := range counts {
		if n > 0 {
			lines = append(lines, fmt.Sprintf("  %s: %d", kind, n))
		}
	}
	subject := fmt.Sprintf("[knowledge-engine] dead-letter queue at %d items", total)
	body := fmt.Sprintf("The dead-letter queue has %d items (threshold %d):\n\n%s\n\nInspect and replay them via the /api/v1/dlq endpoints.",
		total, t.threshold, strings.Join(lines, "\n"))

	if err := t.notifier.Notify(ctx, subject, body); err != nil {
		return err
	}

	t.log.Warn("dead-letter threshold exceeded",
		slog.Int64("total", total),
		slog.Int("threshold", t.threshold))
	return nil
}

// JobCleanupTask deletes finished jobs older than the retention window
type JobCleanupTask struct {
	db            *bun.DB
	log           *slog.Logger
	retentionDays int
}

// NewJobCleanupTask creates a new job cleanup task
func NewJobCleanupTask(db *bun.DB, log *slog.Logger, retentionDays int) *JobCleanupTask {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &JobCleanupTask{
		db:            db,
		log:           log.With(logger.Scope("scheduler.job_cleanup")),
		retentionDays: retentionDays,
	}
}

// Run executes the job cleanup
func (t *JobCleanupTask) Run(ctx context.Context) error {
	start := time.Now()
	t.log.Debug("cleaning up old finished jobs")

	result, err := t.db.ExecContext(ctx, `
		DELETE FROM ke.jobs
		WHERE status IN ('completed', 'failed', 'cancelled')
		AND completed_at < NOW() - (? || ' days')::interval
	`, fmt.Sprintf("%d", t.retentionDays))
	if err != nil {
		t.log.Error("failed to clean up old jobs",
			slog.String("error", err.Error()))
		return err
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		t.log.Info("cleaned up old jobs",
			slog.Int64("count", rowsAffected),
			slog.Duration("duration", time.Since(start)))
	} else {
		t.log.Debug("no old jobs to clean up",
			slog.Duration("duration", time.Since(start)))
	}

	return nil
}

// ClassifierCacheStatsTask refreshes the classifier embedding-cache gauges
type ClassifierCacheStatsTask struct {
	classifier *classifier.Classifier
	log        *slog.Logger
}

// NewClassifierCacheStatsTask creates a new classifier cache stats task
func NewClassifierCacheStatsTask(c *classifier.Classifier, log *slog.Logger) *ClassifierCacheStatsTask {
	return &ClassifierCacheStatsTask{
		classifier: c,
		log:        log.With(logger.Scope("scheduler.classifier_cache")),
	}
}

// Run refreshes the cache gauges
func (t *ClassifierCacheStatsTask) Run(ctx context.Context) error {
	stats, err := t.classifier.CacheStats(ctx)
	// Hit/miss counters are process-local and always valid; only the Redis
	// entry scan can fail.
	classifierCacheOps.WithLabelValues("hit").Set(float64(stats.Hits))
	classifierCacheOps.WithLabelValues("miss").Set(float64(stats.Misses))
	if err != nil {
		t.log.Debug("failed to count classifier cache entries", slog.String("error", err.Error()))
		return nil
	}
	classifierCacheEntries.Set(float64(stats.Entries))
	return nil
}

// QueueDepthTask refreshes the Prometheus gauges for the job queue and the
// LLM request stream
type QueueDepthTask struct {
	jobs *jobqueue.Queue
	llm  *llmqueue.Queue
	log  *slog.Logger
}

// NewQueueDepthTask creates a new queue depth refresh task
func NewQueueDepthTask(jobs *jobqueue.Queue, llm *llmqueue.Queue, log *slog.Logger) *QueueDepthTask {
	return &QueueDepthTask{
		jobs: jobs,
		llm:  llm,
		log:  log.With(logger.Scope("scheduler.queue_depth")),
	}
}

// Run refreshes the gauges
func (t *QueueDepthTask) Run(ctx context.Context) error {
	stats, err := t.jobs.GetStats(ctx)
	if err != nil {
		t.log.Warn("failed to read job stats", slog.String("error", err.Error()))
		return err
	}
	jobsByStatus.WithLabelValues("queued").Set(float64(stats.Queued))
	jobsByStatus.WithLabelValues("running").Set(float64(stats.Running))
	jobsByStatus.WithLabelValues("cancelling").Set(float64(stats.Cancelling))

	// The LLM stream lives in Redis; its depth is best-effort here
	if depth, err := t.llm.Depth(ctx); err == nil {
		llmQueueDepth.Set(float64(depth))
	} else {
		t.log.Debug("failed to read llm queue depth", slog.String("error", err.Error()))
	}

	return nil
}
