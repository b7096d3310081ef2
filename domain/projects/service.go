package projects

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	// DefaultLimit is the default number of projects to return
	DefaultLimit = 100
	// MaxLimit is the maximum number of projects to return
	MaxLimit = 500
)

var (
	// uuidRegex validates UUID format (36 chars with hyphens)
	uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// Service handles business logic for projects
type Service struct {
	repo *Repository
	log  *slog.Logger
}

// NewService creates a new project service
func NewService(repo *Repository, log *slog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With(logger.Scope("projects.svc")),
	}
}

// List returns projects, newest first
func (s *Service) List(ctx context.Context, limit int) ([]Project, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return s.repo.List(ctx, limit)
}

// GetByID returns a project by ID
func (s *Service) GetByID(ctx context.Context, id string) (*Project, error) {
	if !isValidUUID(id) {
		return nil, apperror.New(422, "invalid-uuid", "id must be a valid UUID")
	}

	project, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperror.ErrNotFound.WithMessage("Project not found")
	}

	return project, nil
}

// Create creates a new project
func (s *Service) Create(ctx context.Context, req CreateProjectRequest) (*Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperror.New(422, "validation-failed", "Name required").WithDetails(map[string]any{
			"name": []string{"must not be blank"},
		})
	}

	if len(req.Schema) > 0 {
		if err := req.Schema.Validate(); err != nil {
			return nil, apperror.ErrValidation.WithMessage(err.Error())
		}
	}

	isDuplicate, err := s.repo.CheckDuplicateName(ctx, name, "")
	if err != nil {
		return nil, err
	}
	if isDuplicate {
		return nil, apperror.ErrConflict.WithMessage("Project with this name already exists")
	}

	project := &Project{
		Name:        name,
		Description: strings.TrimSpace(req.Description),
		Schema:      req.Schema,
		EntityTypes: req.EntityTypes,
	}
	if req.Classification != nil {
		project.Classification = *req.Classification
	}

	if err := s.repo.Create(ctx, project); err != nil {
		return nil, err
	}

	s.log.Info("project created",
		slog.String("projectID", project.ID.String()),
		slog.String("name", project.Name),
		slog.Int("schemaGroups", len(project.Schema)))

	return project, nil
}

// CreateFromTemplate creates a project from a bundled template. The request
// name and description override the template defaults when set.
func (s *Service) CreateFromTemplate(ctx context.Context, req CreateFromTemplateRequest) (*Project, error) {
	slug := strings.TrimSpace(req.Template)
	if slug == "" {
		return nil, apperror.New(422, "validation-failed", "Template required").WithDetails(map[string]any{
			"template": []string{"must not be blank"},
		})
	}

	tmpl, err := LoadTemplate(slug)
	if err != nil {
		s.log.Error("failed to load template", logger.Error(err), slog.String("template", slug))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	if tmpl == nil {
		return nil, apperror.NewNotFound("Template", slug)
	}

	create := CreateProjectRequest{
		Name:           tmpl.Name,
		Description:    tmpl.Description,
		Schema:         tmpl.Schema,
		EntityTypes:    tmpl.EntityTypes,
		Classification: &tmpl.Classification,
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		create.Name = name
	}
	if desc := strings.TrimSpace(req.Description); desc != "" {
		create.Description = desc
	}

	project, err := s.Create(ctx, create)
	if err != nil {
		return nil, err
	}

	s.log.Info("project created from template",
		slog.String("projectID", project.ID.String()),
		slog.String("template", slug))

	return project, nil
}

// Update updates a project
func (s *Service) Update(ctx context.Context, id string, req UpdateProjectRequest) (*Project, error) {
	if !isValidUUID(id) {
		return nil, apperror.New(422, "invalid-uuid", "id must be a valid UUID")
	}

	project, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, apperror.ErrNotFound.WithMessage("Project not found")
	}

	hasUpdates := false

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, apperror.New(422, "validation-failed", "Name cannot be empty").WithDetails(map[string]any{
				"name": []string{"must not be blank"},
			})
		}
		if name != project.Name {
			isDuplicate, err := s.repo.CheckDuplicateName(ctx, name, id)
			if err != nil {
				return nil, err
			}
			if isDuplicate {
				return nil, apperror.ErrConflict.WithMessage("Project with this name already exists")
			}
			project.Name = name
			hasUpdates = true
		}
	}

	if req.Description != nil {
		project.Description = strings.TrimSpace(*req.Description)
		hasUpdates = true
	}

	if req.Schema != nil {
		if len(*req.Schema) > 0 {
			if err := req.Schema.Validate(); err != nil {
				return nil, apperror.ErrValidation.WithMessage(err.Error())
			}
		}
		project.Schema = *req.Schema
		hasUpdates = true
	}

	if req.EntityTypes != nil {
		project.EntityTypes = *req.EntityTypes
		hasUpdates = true
	}

	if req.Classification != nil {
		project.Classification = *req.Classification
		hasUpdates = true
	}

	if !hasUpdates {
		return project, nil
	}

	project.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, project); err != nil {
		return nil, err
	}

	s.log.Info("project updated",
		slog.String("projectID", project.ID.String()),
		slog.String("name", project.Name))

	return project, nil
}

// Delete deletes a project
func (s *Service) Delete(ctx context.Context, id string) error {
	if !isValidUUID(id) {
		return apperror.New(422, "invalid-uuid", "id must be a valid UUID")
	}

	deleted, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return apperror.ErrNotFound.WithMessage("Project not found")
	}

	s.log.Info("project deleted", slog.String("projectID", id))

	return nil
}

// Templates returns the bundled project templates
func (s *Service) Templates() ([]Template, error) {
	templates, err := ListTemplates()
	if err != nil {
		s.log.Error("failed to load bundled templates", logger.Error(err))
		return nil, apperror.ErrInternal.WithInternal(err)
	}
	return templates, nil
}

// Helper to validate UUID format
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}
