package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Module wires the standalone scraper service: pool, service and HTTP
// surface. It is consumed only by cmd/scraper.
var Module = fx.Module("scraper",
	fx.Provide(
		NewConfig,
		func(cfg *Config, log *slog.Logger) *Pool {
			return NewPool(cfg, NewRodFactory(cfg, log), log)
		},
		NewService,
		NewHandler,
		newEcho,
	),
	fx.Invoke(registerPool, RegisterRoutes, startServer),
)

func newEcho(log *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(
		middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			Skipper: func(c echo.Context) bool {
				return c.Request().URL.Path == "/health"
			},
			LogURI:     true,
			LogStatus:  true,
			LogLatency: true,
			LogError:   true,
			LogMethod:  true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				attrs := []any{
					slog.String("method", v.Method),
					slog.String("uri", v.URI),
					slog.Int("status", v.Status),
					slog.Duration("latency", v.Latency),
				}
				if v.Error != nil {
					attrs = append(attrs, logger.Error(v.Error))
					log.Error("request failed", attrs...)
				} else {
					log.Info("request", attrs...)
				}
				return nil
			},
		}),
		middleware.RecoverWithConfig(middleware.RecoverConfig{
			LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
				log.Error("panic recovered",
					logger.Error(err),
					slog.String("stack", string(stack)),
				)
				return nil
			},
		}),
	)

	return e
}

func registerPool(lc fx.Lifecycle, pool *Pool, cfg *Config, log *slog.Logger) {
	log = log.With(logger.Scope("scraper"))
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return pool.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			log.Info("draining browser pool")
			pool.Close(ctx)
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *Config, log *slog.Logger) {
	log = log.With(logger.Scope("scraper.http"))

	addr := fmt.Sprintf(":%d", cfg.Port)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("starting scraper service", slog.String("address", addr))
			go func() {
				if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
					log.Error("server error", logger.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownGrace())
			defer cancel()
			return e.Shutdown(shutdownCtx)
		},
	})
}
