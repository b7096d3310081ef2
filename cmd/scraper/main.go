// Package main is the entry point for the scraper service: a browser-pool
// page renderer the API server calls over HTTP.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/stackradar/knowledge-engine/domain/scraper"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

func main() {
	// Load .env files if present (for local development)
	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		logger.Module,
		scraper.Module,
	).Run()
}
