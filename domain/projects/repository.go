package projects

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Repository handles database operations for projects
type Repository struct {
	db  bun.IDB
	log *slog.Logger
}

// NewRepository creates a new project repository
func NewRepository(db bun.IDB, log *slog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With(logger.Scope("projects.repo")),
	}
}

// List returns projects ordered by creation time, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]Project, error) {
	var projects []Project

	query := r.db.NewSelect().
		Model(&projects).
		Order("p.created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}

	err := query.Scan(ctx)
	if err != nil {
		r.log.Error("failed to list projects", logger.Error(err))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return projects, nil
}

// GetByID returns a project by ID
func (r *Repository) GetByID(ctx context.Context, id string) (*Project, error) {
	var project Project

	err := r.db.NewSelect().
		Model(&project).
		Where("id = ?", id).
		Scan(ctx)

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Return nil, nil for not found (let service decide error)
		}
		r.log.Error("failed to get project", logger.Error(err), slog.String("id", id))
		return nil, apperror.ErrDatabase.WithInternal(err)
	}

	return &project, nil
}

// CheckDuplicateName checks if another project already uses the name
func (r *Repository) CheckDuplicateName(ctx context.Context, name string, excludeID string) (bool, error) {
	query := r.db.NewSelect().
		Model((*Project)(nil)).
		Where("LOWER(name) = LOWER(?)", strings.TrimSpace(name))

	if excludeID != "" {
		query = query.Where("id != ?", excludeID)
	}

	exists, err := query.Exists(ctx)
	if err != nil {
		r.log.Error("failed to check duplicate name", logger.Error(err))
		return false, apperror.ErrDatabase.WithInternal(err)
	}

	return exists, nil
}

// Create inserts a new project
func (r *Repository) Create(ctx context.Context, project *Project) error {
	_, err := r.db.NewInsert().
		Model(project).
		Returning("id, name, description, extraction_schema, entity_types, classification_config, created_at, updated_at").
		Exec(ctx)

	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ErrConflict.WithMessage("Project with this name already exists")
		}
		r.log.Error("failed to create project", logger.Error(err))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// Update writes a project's mutable fields back to the database
func (r *Repository) Update(ctx context.Context, project *Project) error {
	_, err := r.db.NewUpdate().
		Model(project).
		WherePK().
		Returning("id, name, description, extraction_schema, entity_types, classification_config, created_at, updated_at").
		Exec(ctx)

	if err != nil {
		if isUniqueViolation(err) {
			return apperror.ErrConflict.WithMessage("Project with this name already exists")
		}
		r.log.Error("failed to update project", logger.Error(err), slog.String("id", project.ID.String()))
		return apperror.ErrDatabase.WithInternal(err)
	}

	return nil
}

// Delete permanently deletes a project and, via cascading constraints,
// everything scoped to it.
func (r *Repository) Delete(ctx context.Context, id string) (bool, error) {
	result, err := r.db.NewDelete().
		Model((*Project)(nil)).
		Where("id = ?", id).
		Exec(ctx)

	if err != nil {
		r.log.Error("failed to delete project", logger.Error(err), slog.String("id", id))
		return false, apperror.ErrDatabase.WithInternal(err)
	}

	rowsAffected, _ := result.RowsAffected()
	return rowsAffected > 0, nil
}

// Helper functions to check PostgreSQL error codes
func isUniqueViolation(err error) bool {
	return containsErrorCode(err, "23505")
}

func containsErrorCode(err error, code string) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return len(errStr) > 0 && (strings.Contains(errStr, code) || strings.Contains(errStr, "SQLSTATE "+code))
}
