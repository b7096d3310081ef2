package extraction

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Repository handles database operations for extractions
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new extraction repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("extraction.repo")),
	}
}

// Insert writes extraction rows. Pass a transaction as db to commit them
// together with the caller's other writes; nil uses the repository
// connection.
func (r *Repository) Insert(ctx context.Context, db bun.IDB, rows []*Extraction) error {
	if len(rows) == 0 {
		return nil
	}
	if db == nil {
		db = r.db
	}

	_, err := db.NewInsert().
		Model(&rows).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to insert extractions", logger.Error(err), slog.Int("count", len(rows)))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// MarkEntitiesExtracted flips the entities_extracted flag for the given
// extractions.
func (r *Repository) MarkEntitiesExtracted(ctx context.Context, db bun.IDB, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if db == nil {
		db = r.db
	}

	_, err := db.NewUpdate().
		Model((*Extraction)(nil)).
		Set("entities_extracted = true").
		Set("updated_at = now()").
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark entities extracted", logger.Error(err), slog.Int("count", len(ids)))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// MarkEmbedded records that the given extractions have a vector in the
// store. The point id is the extraction id.
func (r *Repository) MarkEmbedded(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := r.db.NewUpdate().
		Model((*Extraction)(nil)).
		Set("embedding_id = id::text").
		Set("updated_at = now()").
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx)
	if err != nil {
		r.log.Error("failed to mark extractions embedded", logger.Error(err), slog.Int("count", len(ids)))
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// GetByID returns one extraction by id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Extraction, error) {
	ex := new(Extraction)
	err := r.db.NewSelect().
		Model(ex).
		Where("ex.id = ?", id).
		Scan(ctx)
	if err != nil {
		// Return nil, nil for not found (let caller decide error)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.log.Error("failed to get extraction", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return ex, nil
}

// List returns extractions for a project with optional filters, newest
// first.
func (r *Repository) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 500 {
		params.Limit = 500
	}

	applyFilters := func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("ex.project_id = ?", params.ProjectID)
		if params.SourceID != nil {
			q = q.Where("ex.source_id = ?", *params.SourceID)
		}
		if params.ExtractionType != nil {
			q = q.Where("ex.extraction_type = ?", *params.ExtractionType)
		}
		if params.SourceGroup != nil {
			q = q.Where("ex.source_group = ?", *params.SourceGroup)
		}
		return q
	}

	total, err := applyFilters(r.db.NewSelect().Model((*Extraction)(nil))).Count(ctx)
	if err != nil {
		r.log.Error("failed to count extractions", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	extractions := []Extraction{}
	err = applyFilters(r.db.NewSelect().Model(&extractions)).
		Order("created_at DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list extractions", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return &ListResult{Extractions: extractions, Total: total}, nil
}

// GetByIDs returns the extractions with the given ids. Missing ids are
// silently absent from the result.
func (r *Repository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]Extraction, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	extractions := []Extraction{}
	err := r.db.NewSelect().
		Model(&extractions).
		Where("ex.id IN (?)", bun.In(ids)).
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to get extractions by ids", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return extractions, nil
}

// ListByType returns every extraction of one type for a project, oldest
// first. Report building reads a whole field group at once, so this query
// is intentionally unpaginated.
func (r *Repository) ListByType(ctx context.Context, projectID uuid.UUID, extractionType string) ([]Extraction, error) {
	extractions := []Extraction{}
	err := r.db.NewSelect().
		Model(&extractions).
		Where("ex.project_id = ?", projectID).
		Where("ex.extraction_type = ?", extractionType).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list extractions by type", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return extractions, nil
}

// ListBySource returns every extraction produced from one source, oldest
// first.
func (r *Repository) ListBySource(ctx context.Context, sourceID uuid.UUID) ([]Extraction, error) {
	extractions := []Extraction{}
	err := r.db.NewSelect().
		Model(&extractions).
		Where("ex.source_id = ?", sourceID).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list extractions by source", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return extractions, nil
}
