package extraction

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Handler handles HTTP requests for extraction
type Handler struct {
	svc *Service
}

// NewHandler creates a new extraction handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Extract queues an extraction job for a project
// POST /api/v1/projects/:id/extract
func (h *Handler) Extract(c echo.Context) error {
	var req ExtractRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	accepted, err := h.svc.StartJob(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, accepted)
}

// List returns a project's extractions
// GET /api/v1/extractions?project_id=...&source_id=...&extraction_type=...&source_group=...&limit=...&offset=...
func (h *Handler) List(c echo.Context) error {
	query := ListQuery{
		ProjectID:      c.QueryParam("project_id"),
		SourceID:       c.QueryParam("source_id"),
		ExtractionType: c.QueryParam("extraction_type"),
		SourceGroup:    c.QueryParam("source_group"),
	}
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			query.Limit = parsed
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			query.Offset = parsed
		}
	}

	result, err := h.svc.List(c.Request().Context(), query)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
