package entities

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Repository handles database operations for entities
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("entities.repo")),
	}
}

// GetOrCreate inserts the entity or returns the existing row with the same
// normalised identity; the first raw spelling wins, later duplicates only
// bump updated_at. Pass the enclosing transaction so entity rows commit with
// the extraction they belong to; a nil db uses the repository's connection.
func (r *Repository) GetOrCreate(ctx context.Context, db bun.IDB, entity *Entity) error {
	if db == nil {
		db = r.db
	}

	_, err := db.NewInsert().
		Model(entity).
		On("CONFLICT (project_id, source_group, entity_type, normalized_value) DO UPDATE").
		Set("updated_at = now()").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	return nil
}

// Link records that an extraction mentioned an entity. Idempotent; returns
// whether a new link row was created.
func (r *Repository) Link(ctx context.Context, db bun.IDB, entityID, extractionID uuid.UUID) (bool, error) {
	if db == nil {
		db = r.db
	}

	link := &ExtractionEntity{EntityID: entityID, ExtractionID: extractionID}
	res, err := db.NewInsert().
		Model(link).
		On("CONFLICT (entity_id, extraction_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, apperror.ErrDatabase.WithInternal(err)
	}

	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// List returns a project's entities matching the filters, newest first, with
// the total count before pagination.
func (r *Repository) List(ctx context.Context, params ListParams) ([]Entity, int, error) {
	applyFilters := func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("e.project_id = ?", params.ProjectID)
		if params.EntityType != nil {
			q = q.Where("e.entity_type = ?", *params.EntityType)
		}
		if params.SourceGroup != nil {
			q = q.Where("e.source_group = ?", *params.SourceGroup)
		}
		if params.Search != nil && *params.Search != "" {
			q = q.Where("e.normalized_value ILIKE ?", "%"+*params.Search+"%")
		}
		if len(params.AttributeKeys) > 0 {
			// ??| is bun's escaping for the jsonb ?| any-key operator
			q = q.Where("e.attributes ??| ?::text[]", pq.Array(params.AttributeKeys))
		}
		return q
	}

	total, err := applyFilters(r.db.NewSelect().Model((*Entity)(nil))).Count(ctx)
	if err != nil {
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}

	var ents []Entity
	q := applyFilters(r.db.NewSelect().Model(&ents)).
		Order("created_at DESC").
		Order("id DESC")
	if params.Limit > 0 {
		q = q.Limit(params.Limit)
	}
	if params.Offset > 0 {
		q = q.Offset(params.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, 0, apperror.ErrDatabase.WithInternal(err)
	}

	return ents, total, nil
}

// TypeSummary aggregates a project's entities per type with their mention
// counts.
func (r *Repository) TypeSummary(ctx context.Context, projectID uuid.UUID) ([]TypeCount, error) {
	var counts []TypeCount
	err := r.db.NewSelect().
		Model((*Entity)(nil)).
		ColumnExpr("e.entity_type").
		ColumnExpr("COUNT(DISTINCT e.id) AS count").
		ColumnExpr("COUNT(ee.id) AS mentions").
		Join("LEFT JOIN ke.extraction_entities AS ee ON ee.entity_id = e.id").
		Where("e.project_id = ?", projectID).
		GroupExpr("e.entity_type").
		OrderExpr("count DESC, e.entity_type ASC").
		Scan(ctx, &counts)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return counts, nil
}
