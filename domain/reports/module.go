package reports

import (
	"context"

	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
)

// Module provides the report builder, its job runner, and the report API.
var Module = fx.Module("reports",
	fx.Provide(
		func(q *llmqueue.Queue) RequestSubmitter { return q },
		NewMerger,
		NewBuilder,
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
