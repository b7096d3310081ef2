package projects

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Handler handles HTTP requests for projects
type Handler struct {
	svc *Service
}

// NewHandler creates a new project handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List returns all projects
// GET /api/v1/projects
// Query params: limit (1-500, default 100)
func (h *Handler) List(c echo.Context) error {
	limit := DefaultLimit
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil {
			limit = parsed
		}
	}

	projects, err := h.svc.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, projects)
}

// Get returns a single project by ID
// GET /api/v1/projects/:id
func (h *Handler) Get(c echo.Context) error {
	id := c.Param("id")

	project, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, project)
}

// Create creates a new project
// POST /api/v1/projects
func (h *Handler) Create(c echo.Context) error {
	var req CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	project, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, project)
}

// CreateFromTemplate creates a project from a bundled template
// POST /api/v1/projects/from-template
func (h *Handler) CreateFromTemplate(c echo.Context) error {
	var req CreateFromTemplateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	project, err := h.svc.CreateFromTemplate(c.Request().Context(), req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, project)
}

// Templates lists the bundled project templates
// GET /api/v1/projects/templates
func (h *Handler) Templates(c echo.Context) error {
	templates, err := h.svc.Templates()
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, templates)
}

// Update updates a project
// PATCH /api/v1/projects/:id
func (h *Handler) Update(c echo.Context) error {
	id := c.Param("id")

	var req UpdateProjectRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	project, err := h.svc.Update(c.Request().Context(), id, req)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, project)
}

// Delete deletes a project by ID
// DELETE /api/v1/projects/:id
func (h *Handler) Delete(c echo.Context) error {
	id := c.Param("id")

	if err := h.svc.Delete(c.Request().Context(), id); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
