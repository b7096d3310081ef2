package sources

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Repository handles database operations for sources
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new source repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("sources.repo")),
	}
}

// List returns sources for a project with optional filters, newest first.
func (r *Repository) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 500 {
		params.Limit = 500
	}

	applyFilters := func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("project_id = ?", params.ProjectID)
		if params.Status != nil {
			q = q.Where("status = ?", *params.Status)
		}
		if params.SourceGroup != nil {
			q = q.Where("source_group = ?", *params.SourceGroup)
		}
		if params.SourceType != nil {
			q = q.Where("source_type = ?", *params.SourceType)
		}
		return q
	}

	total, err := applyFilters(r.db.NewSelect().Model((*Source)(nil))).Count(ctx)
	if err != nil {
		r.log.Error("failed to count sources", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	sources := []Source{}
	err = applyFilters(r.db.NewSelect().Model(&sources).ExcludeColumn("content", "raw_content")).
		Order("created_at DESC", "id DESC").
		Limit(params.Limit).
		Offset(params.Offset).
		Scan(ctx)
	if err != nil {
		r.log.Error("failed to list sources", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return &ListResult{Sources: sources, Total: total}, nil
}

// GetByID returns a source by ID. An empty projectID skips project scoping.
func (r *Repository) GetByID(ctx context.Context, projectID, sourceID string) (*Source, error) {
	var src Source

	query := r.db.NewSelect().
		Model(&src).
		Where("id = ?", sourceID)
	if projectID != "" {
		query = query.Where("project_id = ?", projectID)
	}

	err := query.Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Return nil, nil for not found (let caller decide error)
		}
		r.log.Error("failed to get source", logger.Error(err), slog.String("id", sourceID))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return &src, nil
}

// GetByURI returns a project's source with the given URI
func (r *Repository) GetByURI(ctx context.Context, projectID, uri string) (*Source, error) {
	var src Source

	err := r.db.NewSelect().
		Model(&src).
		Where("project_id = ?", projectID).
		Where("uri = ?", uri).
		Scan(ctx)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		r.log.Error("failed to get source by uri", logger.Error(err), slog.String("uri", uri))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return &src, nil
}

// ListByIDs returns the project's sources matching the given IDs
func (r *Repository) ListByIDs(ctx context.Context, projectID string, ids []string) ([]Source, error) {
	if len(ids) == 0 {
		return []Source{}, nil
	}

	sources := []Source{}
	err := r.db.NewSelect().
		Model(&sources).
		Where("project_id = ?", projectID).
		Where("id IN (?)", bun.In(ids)).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		r.log.Error("failed to list sources by ids", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return sources, nil
}

// ListPendingExtraction returns the project's sources that have not been
// extracted yet, oldest first. Sources without content are included so the
// pipeline can report them instead of silently skipping.
func (r *Repository) ListPendingExtraction(ctx context.Context, projectID string) ([]Source, error) {
	sources := []Source{}
	err := r.db.NewSelect().
		Model(&sources).
		Where("project_id = ?", projectID).
		Where("status IN (?)", bun.In([]SourceStatus{StatusPending, StatusReady})).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		r.log.Error("failed to list pending sources", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return sources, nil
}

// ListExtractable returns every source of the project that carries content,
// including already-extracted ones. Used by forced re-extraction.
func (r *Repository) ListExtractable(ctx context.Context, projectID string) ([]Source, error) {
	sources := []Source{}
	err := r.db.NewSelect().
		Model(&sources).
		Where("project_id = ?", projectID).
		Where("status IN (?)", bun.In([]SourceStatus{StatusPending, StatusReady, StatusExtracted})).
		Order("created_at ASC").
		Scan(ctx)

	if err != nil {
		r.log.Error("failed to list extractable sources", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return sources, nil
}

// Create inserts a new source
func (r *Repository) Create(ctx context.Context, src *Source) error {
	_, err := r.db.NewInsert().
		Model(src).
		Returning("id, status, created_at, updated_at").
		Exec(ctx)

	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ErrConflict.WithMessage("Source with this URI already exists in the project")
		}
		if isForeignKeyViolation(err) {
			return apperror.New(404, "invalid-project", "Project not found")
		}
		r.log.Error("failed to create source", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// Upsert inserts the source or, when the project already has one with the
// same URI, refreshes its content and fetch metadata in place.
func (r *Repository) Upsert(ctx context.Context, src *Source) error {
	src.UpdatedAt = time.Now().UTC()

	_, err := r.db.NewInsert().
		Model(src).
		On("CONFLICT (project_id, uri) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("content = EXCLUDED.content").
		Set("raw_content = EXCLUDED.raw_content").
		Set("status = EXCLUDED.status").
		Set("page_type = EXCLUDED.page_type").
		Set("links = EXCLUDED.links").
		Set("metadata = EXCLUDED.metadata").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("id, created_at").
		Exec(ctx)

	if err != nil {
		if isForeignKeyViolation(err) {
			return apperror.New(404, "invalid-project", "Project not found")
		}
		r.log.Error("failed to upsert source", logger.Error(err), slog.String("uri", src.URI))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// UpdateStatus sets a source's status. Pass a transaction as db to commit
// the flip together with other writes; nil uses the repository connection.
func (r *Repository) UpdateStatus(ctx context.Context, db bun.IDB, sourceID string, status SourceStatus) error {
	if db == nil {
		db = r.db
	}

	_, err := db.NewUpdate().
		Model((*Source)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", sourceID).
		Exec(ctx)

	if err != nil {
		r.log.Error("failed to update source status", logger.Error(err),
			slog.String("id", sourceID),
			slog.String("status", string(status)))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// UpdateStatusMany sets the status of several sources in one statement.
func (r *Repository) UpdateStatusMany(ctx context.Context, db bun.IDB, sourceIDs []string, status SourceStatus) error {
	if len(sourceIDs) == 0 {
		return nil
	}
	if db == nil {
		db = r.db
	}

	_, err := db.NewUpdate().
		Model((*Source)(nil)).
		Set("status = ?", status).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id IN (?)", bun.In(sourceIDs)).
		Exec(ctx)

	if err != nil {
		r.log.Error("failed to update source statuses", logger.Error(err),
			slog.Int("count", len(sourceIDs)),
			slog.String("status", string(status)))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// Summary aggregates a project's sources by status and source group
func (r *Repository) Summary(ctx context.Context, projectID string) (*Summary, error) {
	byStatus := []StatusCount{}
	err := r.db.NewSelect().
		Model((*Source)(nil)).
		ColumnExpr("status, COUNT(*)::int AS count").
		Where("project_id = ?", projectID).
		GroupExpr("status").
		OrderExpr("count DESC").
		Scan(ctx, &byStatus)
	if err != nil {
		r.log.Error("failed to summarize source statuses", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	byGroup := []GroupCount{}
	err = r.db.NewSelect().
		Model((*Source)(nil)).
		ColumnExpr("source_group, COUNT(*)::int AS count").
		Where("project_id = ?", projectID).
		Where("source_group != ''").
		GroupExpr("source_group").
		OrderExpr("count DESC").
		Scan(ctx, &byGroup)
	if err != nil {
		r.log.Error("failed to summarize source groups", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	summary := &Summary{ByStatus: byStatus, ByGroup: byGroup}
	for _, sc := range byStatus {
		summary.Total += sc.Count
	}
	return summary, nil
}

// Delete permanently deletes a source
func (r *Repository) Delete(ctx context.Context, projectID, sourceID string) (bool, error) {
	result, err := r.db.NewDelete().
		Model((*Source)(nil)).
		Where("id = ?", sourceID).
		Where("project_id = ?", projectID).
		Exec(ctx)

	if err != nil {
		r.log.Error("failed to delete source", logger.Error(err), slog.String("id", sourceID))
		return false, apperror.ErrDatabase.WithInternal(err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// Helper functions to check PostgreSQL error codes
func isUniqueViolation(err error) bool {
	return containsErrorCode(err, "23505")
}

func isForeignKeyViolation(err error) bool {
	return containsErrorCode(err, "23503")
}

func containsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) > 0 && (strings.Contains(errStr, code) || strings.Contains(errStr, "SQLSTATE "+code))
}
