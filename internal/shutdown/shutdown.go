// Package shutdown coordinates process-wide graceful shutdown. Long-lived
// components register cleanup callbacks and poll IsShuttingDown at safe
// stopping points instead of watching their own signal channels.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// callbackTimeout bounds each cleanup callback so one stuck component
// cannot hold the whole shutdown hostage.
const callbackTimeout = 30 * time.Second

type callback struct {
	name string
	fn   func(ctx context.Context) error
}

// Manager is the process-wide shutdown coordinator. Callbacks run
// sequentially in registration order; errors are logged and ignored so
// every registered component gets its chance to clean up.
type Manager struct {
	mu        sync.Mutex
	callbacks []callback
	down      atomic.Bool
	log       *slog.Logger
}

// NewManager creates the shutdown manager.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{log: log.With(logger.Scope("shutdown"))}
}

// IsShuttingDown reports whether shutdown has begun. Workers check this at
// chunk boundaries and decline to start new work once it is set.
func (m *Manager) IsShuttingDown() bool {
	return m.down.Load()
}

// Register adds a cleanup callback. Registration after shutdown has begun
// is accepted but the callback will not run.
func (m *Manager) Register(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback{name: name, fn: fn})
}

// Shutdown flips the shutting-down flag and runs every registered callback
// sequentially, each under its own timeout. It never returns an error; a
// failed callback is logged and the next one still runs.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.down.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	cbs := make([]callback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	m.log.Info("shutdown started", slog.Int("callbacks", len(cbs)))
	for _, cb := range cbs {
		start := time.Now()
		cbCtx, cancel := context.WithTimeout(ctx, callbackTimeout)
		err := cb.fn(cbCtx)
		cancel()
		if err != nil {
			m.log.Error("shutdown callback failed",
				slog.String("callback", cb.name),
				slog.Duration("elapsed", time.Since(start)),
				logger.Error(err))
			continue
		}
		m.log.Debug("shutdown callback finished",
			slog.String("callback", cb.name),
			slog.Duration("elapsed", time.Since(start)))
	}
	m.log.Info("shutdown complete")
}

// Module provides the shutdown manager and ties it to the fx lifecycle so
// registered callbacks run before the process exits.
var Module = fx.Module("shutdown",
	fx.Provide(NewManager),
	fx.Invoke(func(lc fx.Lifecycle, m *Manager) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				m.Shutdown(ctx)
				return nil
			},
		})
	}),
)
