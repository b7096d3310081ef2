package jobs

import (
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/internal/config"
)

// Module provides the shared job queue on ke.jobs.
//
// Runners live in the domains that own each job type: scrape and crawl in
// domain/scrape, extract in domain/extraction, report in domain/reports.
// Each builds a Worker around the queue with its own process callback.
var Module = fx.Module("jobs",
	fx.Provide(provideQueue),
)

func provideQueue(db bun.IDB, cfg *config.Config, log *slog.Logger) *Queue {
	return NewQueue(db, QueueConfig{
		MaxAttempts:       cfg.Jobs.MaxAttempts,
		BaseRetryDelaySec: cfg.Jobs.BaseRetryDelaySec,
		MaxRetryDelaySec:  cfg.Jobs.MaxRetryDelaySec,
	}, log)
}
