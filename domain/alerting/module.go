package alerting

import (
	"go.uber.org/fx"
)

// Module provides the operational alert notifier
var Module = fx.Module("alerting",
	fx.Provide(NewNotifier),
)
