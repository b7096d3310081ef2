package scrape

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the scraper service client, the page fetcher, the
// scrape/crawl job runner, and the API surface for queueing jobs.
var Module = fx.Module("scrape",
	fx.Provide(
		NewClient,
		NewFetcher,
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
