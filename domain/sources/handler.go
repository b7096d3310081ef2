package sources

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for sources
type Handler struct {
	svc *Service
}

// NewHandler creates a new source handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List returns a project's sources
// GET /api/v1/sources?project_id=...&status=...&source_group=...&source_type=...&limit=...&offset=...
func (h *Handler) List(c echo.Context) error {
	params := ListParams{
		ProjectID: c.QueryParam("project_id"),
	}

	if v := c.QueryParam("status"); v != "" {
		status := SourceStatus(v)
		params.Status = &status
	}
	if v := c.QueryParam("source_group"); v != "" {
		params.SourceGroup = &v
	}
	if v := c.QueryParam("source_type"); v != "" {
		st := SourceType(v)
		params.SourceType = &st
	}
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			params.Limit = parsed
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			params.Offset = parsed
		}
	}

	result, err := h.svc.List(c.Request().Context(), params)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// Summary aggregates a project's sources by status and group
// GET /api/v1/sources/summary?project_id=...
func (h *Handler) Summary(c echo.Context) error {
	summary, err := h.svc.Summary(c.Request().Context(), c.QueryParam("project_id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, summary)
}

// Get returns a single source by ID, including its content
// GET /api/v1/sources/:id
func (h *Handler) Get(c echo.Context) error {
	src, err := h.svc.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, src)
}

// Delete removes a source from a project
// DELETE /api/v1/sources/:id?project_id=...
func (h *Handler) Delete(c echo.Context) error {
	err := h.svc.Delete(c.Request().Context(), c.QueryParam("project_id"), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
