package jobs

import (
	"go.uber.org/fx"
)

// Module provides the jobs API surface over the shared queue
var Module = fx.Module("jobs-api",
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
