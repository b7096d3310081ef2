// Package main is the entry point for the knowledge-engine API server: a
// schema-driven pipeline that scrapes sources, extracts structured facts and
// entities with LLMs, and serves reports and semantic search over the result.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/stackradar/knowledge-engine/domain/alerting"
	"github.com/stackradar/knowledge-engine/domain/chunking"
	"github.com/stackradar/knowledge-engine/domain/classifier"
	"github.com/stackradar/knowledge-engine/domain/dlq"
	"github.com/stackradar/knowledge-engine/domain/entities"
	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/domain/health"
	"github.com/stackradar/knowledge-engine/domain/jobs"
	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/reports"
	"github.com/stackradar/knowledge-engine/domain/scheduler"
	"github.com/stackradar/knowledge-engine/domain/scrape"
	"github.com/stackradar/knowledge-engine/domain/search"
	"github.com/stackradar/knowledge-engine/domain/sources"
	"github.com/stackradar/knowledge-engine/domain/tracing"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/internal/database"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/internal/redis"
	"github.com/stackradar/knowledge-engine/internal/server"
	"github.com/stackradar/knowledge-engine/internal/shutdown"
	"github.com/stackradar/knowledge-engine/internal/storage"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
	"github.com/stackradar/knowledge-engine/pkg/logger"
	"github.com/stackradar/knowledge-engine/pkg/syshealth"
	"github.com/stackradar/knowledge-engine/pkg/vectorstore"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local")

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		redis.Module,
		server.Module,
		shutdown.Module,
		tracing.Module,
		storage.Module,
		syshealth.Module,

		// Embeddings and vector store (semantic dedup and search)
		embeddings.Module,
		vectorstore.Module,

		// Job queue (postgres-backed, shared by all runners)
		jobqueue.Module,

		// LLM request queue (redis stream + adaptive worker pool)
		llmqueue.Module,

		// Domain modules
		health.Module,
		projects.Module,
		sources.Module,
		chunking.Module,
		classifier.Module,
		entities.Module,
		extraction.Module,
		scrape.Module,
		search.Module,
		reports.Module,
		jobs.Module,
		dlq.Module,

		// Operational alerting (Mailgun)
		alerting.Module,

		// Scheduler module (cron-based scheduled tasks)
		scheduler.Module,
	).Run()
}
