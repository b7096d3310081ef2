package llmqueue

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the LLM request queue, the worker that drains it and the
// dead-letter queue.
var Module = fx.Module("llmqueue",
	fx.Provide(
		NewQueue,
		NewDLQ,
		NewProvider,
		NewWorker,
	),
	fx.Invoke(registerWorker),
)

func registerWorker(lc fx.Lifecycle, w *Worker) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Use context.Background() - the fx lifecycle context has a
			// startup timeout that would cancel the worker loops.
			return w.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return w.Stop(ctx)
		},
	})
}
