package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/domain/alerting"
	"github.com/stackradar/knowledge-engine/domain/classifier"
	"github.com/stackradar/knowledge-engine/domain/dlq"
	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/internal/config"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
)

// Module provides scheduled task functionality
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler   *Scheduler
	DB          *bun.DB
	Jobs        *jobqueue.Queue
	LLM         *llmqueue.Queue
	DeadLetters *dlq.Store
	Classifier  *classifier.Classifier
	Notifier    alerting.Notifier
	Log         *slog.Logger
	Cfg         *Config
	AppCfg      *config.Config
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	staleTask := NewStaleJobSweepTask(p.Jobs, p.Log, p.AppCfg.Jobs.StaleThresholdMinutes)
	if err := addScheduledTask(p.Scheduler, p.Log, "stale_job_sweep",
		p.Cfg.StaleJobSweepSchedule, p.Cfg.StaleJobSweepInterval, staleTask.Run); err != nil {
		p.Log.Error("failed to register stale job sweep task",
			slog.String("error", err.Error()))
	}

	dlqTask := NewDLQAlertTask(p.DeadLetters, p.Notifier, p.Log, p.AppCfg.Alert.DLQThreshold)
	if err := addScheduledTask(p.Scheduler, p.Log, "dlq_alert",
		p.Cfg.DLQSweepSchedule, p.Cfg.DLQSweepInterval, dlqTask.Run); err != nil {
		p.Log.Error("failed to register dlq alert task",
			slog.String("error", err.Error()))
	}

	cleanupTask := NewJobCleanupTask(p.DB, p.Log, p.AppCfg.Jobs.RetentionDays)
	if err := addScheduledTask(p.Scheduler, p.Log, "job_cleanup",
		p.Cfg.JobCleanupSchedule, p.Cfg.JobCleanupInterval, cleanupTask.Run); err != nil {
		p.Log.Error("failed to register job cleanup task",
			slog.String("error", err.Error()))
	}

	depthTask := NewQueueDepthTask(p.Jobs, p.LLM, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "queue_depth",
		p.Cfg.QueueDepthSchedule, p.Cfg.QueueDepthInterval, depthTask.Run); err != nil {
		p.Log.Error("failed to register queue depth task",
			slog.String("error", err.Error()))
	}

	cacheTask := NewClassifierCacheStatsTask(p.Classifier, p.Log)
	if err := addScheduledTask(p.Scheduler, p.Log, "classifier_cache_stats",
		p.Cfg.CacheStatsSchedule, p.Cfg.CacheStatsInterval, cacheTask.Run); err != nil {
		p.Log.Error("failed to register classifier cache stats task",
			slog.String("error", err.Error()))
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// addScheduledTask registers a task with a cron schedule when one is set,
// falling back to the configured interval otherwise.
func addScheduledTask(s *Scheduler, log *slog.Logger, name, schedule string, interval time.Duration, task TaskFunc) error {
	if schedule != "" {
		return s.AddCronTask(name, schedule, task)
	}
	return s.AddIntervalTask(name, interval, task)
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
