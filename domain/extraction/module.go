package extraction

import (
	"context"

	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
)

// Module provides the extraction pipeline, its job runner, and the API
// surface for starting jobs and listing results.
var Module = fx.Module("extraction",
	fx.Provide(
		func(q *llmqueue.Queue) RequestSubmitter { return q },
		NewOrchestrator,
		NewDeduplicator,
		NewRepository,
		NewPipeline,
		NewRunner,
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(registerRunner),
)

func registerRunner(lc fx.Lifecycle, r *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Use context.Background() - the fx lifecycle context has a
			// startup timeout that would cancel the runner loop.
			return r.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return r.Stop(ctx)
		},
	})
}
