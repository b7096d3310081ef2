package sources

import (
	"go.uber.org/fx"
)

// Module provides the sources domain
var Module = fx.Module("sources",
	fx.Provide(NewRepository),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
