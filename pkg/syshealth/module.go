package syshealth

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"
)

// Module provides the system health monitor. Processes without a database
// build their monitor directly with NewMonitor(cfg, nil, log).
var Module = fx.Module("syshealth",
	fx.Provide(provideMonitor),
)

func provideMonitor(lc fx.Lifecycle, db bun.IDB, log *slog.Logger) Monitor {
	m := NewMonitor(DefaultConfig(), db, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return m.Start() },
		OnStop:  func(context.Context) error { return m.Stop() },
	})
	return m
}
