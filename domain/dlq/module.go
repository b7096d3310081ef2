package dlq

import (
	"go.uber.org/fx"
)

// Module provides the dead-letter store and its API surface
var Module = fx.Module("dlq",
	fx.Provide(NewStore),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
