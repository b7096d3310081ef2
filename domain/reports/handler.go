package reports

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Handler handles HTTP requests for reports
type Handler struct {
	svc *Service
}

// NewHandler creates a new reports handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Create queues a report job for a project
// POST /api/v1/projects/:id/reports
func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	accepted, err := h.svc.Create(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, accepted)
}

// Get returns one report by job id
// GET /api/v1/reports/:id
func (h *Handler) Get(c echo.Context) error {
	view, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

// List returns a project's reports
// GET /api/v1/reports?project_id=...&limit=...&offset=...
func (h *Handler) List(c echo.Context) error {
	var limit, offset int
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	result, err := h.svc.List(c.Request().Context(), c.QueryParam("project_id"), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
