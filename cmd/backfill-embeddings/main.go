// Package main re-embeds extractions that have no vector in the store.
// Vector upserts are deferred when they fail during extraction, leaving rows
// with a null embedding_id; this tool is the later pass that fills them in.
// It is also the recovery path after switching embedding models: truncate the
// collection, null the embedding ids, run the backfill.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
	"github.com/stackradar/knowledge-engine/pkg/vectorstore"
)

func main() {
	projectID := flag.String("project", "", "Limit the backfill to one project UUID")
	batchSize := flag.Int("batch", 50, "Rows embedded per round trip")
	dryRun := flag.Bool("dry-run", false, "Count pending rows and exit")
	flag.Parse()

	_ = godotenv.Load("../../.env")
	_ = godotenv.Overload("../../.env.local")

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.NewConfig(log)
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	embedder, err := embeddings.NewService(cfg, log)
	if err != nil {
		log.Error("failed to create embeddings client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if !embedder.IsEnabled() {
		log.Error("embeddings are not configured, nothing to backfill")
		os.Exit(1)
	}

	store, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		URL:        cfg.Vector.URL,
		APIKey:     cfg.Vector.APIKey,
		Collection: cfg.Vector.Collection,
		Dimension:  cfg.Embeddings.Dimension,
	}, vectorstore.WithLogger(log))
	if err != nil {
		log.Error("failed to create vector store client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Database.DSN())))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	repo := extraction.NewRepository(db, log)
	ctx := context.Background()

	if err := store.EnsureCollection(ctx); err != nil {
		log.Error("failed to ensure collection", slog.String("error", err.Error()))
		os.Exit(1)
	}

	total, err := run(ctx, db, repo, embedder, store, *projectID, *batchSize, *dryRun, log)
	if err != nil {
		log.Error("backfill failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *dryRun {
		log.Info("dry run complete", slog.Int("pending", total))
		return
	}
	log.Info("backfill complete", slog.Int("embedded", total))
}

func run(
	ctx context.Context,
	db *bun.DB,
	repo *extraction.Repository,
	embedder *embeddings.Service,
	store vectorstore.Store,
	projectID string,
	batchSize int,
	dryRun bool,
	log *slog.Logger,
) (int, error) {
	if dryRun {
		q := db.NewSelect().Model((*extraction.Extraction)(nil)).Where("embedding_id IS NULL")
		if projectID != "" {
			q = q.Where("project_id = ?", projectID)
		}
		return q.Count(ctx)
	}

	total := 0
	for {
		var rows []extraction.Extraction
		q := db.NewSelect().Model(&rows).
			Where("embedding_id IS NULL").
			OrderExpr("created_at ASC").
			Limit(batchSize)
		if projectID != "" {
			q = q.Where("project_id = ?", projectID)
		}
		if err := q.Scan(ctx); err != nil {
			return total, fmt.Errorf("load batch: %w", err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		texts := make([]string, len(rows))
		for i := range rows {
			texts[i] = embeddingText(&rows[i])
		}

		vectors, err := embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("embed batch: %w", err)
		}
		if len(vectors) != len(rows) {
			return total, fmt.Errorf("embed batch: got %d vectors for %d rows", len(vectors), len(rows))
		}

		points := make([]vectorstore.Point, len(rows))
		ids := make([]uuid.UUID, len(rows))
		for i := range rows {
			points[i] = vectorstore.Point{
				ID:     rows[i].ID.String(),
				Vector: vectors[i],
				Payload: map[string]any{
					"project_id":      rows[i].ProjectID.String(),
					"source_group":    rows[i].SourceGroup,
					"extraction_type": rows[i].ExtractionType,
				},
			}
			ids[i] = rows[i].ID
		}

		if err := store.Upsert(ctx, points); err != nil {
			return total, fmt.Errorf("upsert batch: %w", err)
		}
		if err := repo.MarkEmbedded(ctx, ids); err != nil {
			return total, fmt.Errorf("mark embedded: %w", err)
		}

		total += len(rows)
		log.Info("embedded batch",
			slog.Int("rows", len(rows)),
			slog.Int("total", total))

		// Stay under the embedding endpoint's rate limit on large backfills
		time.Sleep(200 * time.Millisecond)
	}
}

// embeddingText reconstructs the text a row was embedded from: the fact text
// for fact rows, the compact data payload for field-group rows.
func embeddingText(ex *extraction.Extraction) string {
	if ft, ok := ex.Data["fact_text"].(string); ok && ft != "" {
		return ft
	}
	raw, err := json.Marshal(ex.Data)
	if err != nil {
		return ex.ExtractionType
	}
	return string(raw)
}
