package jobs

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Handler handles HTTP requests for background jobs
type Handler struct {
	svc *Service
}

// NewHandler creates a new job handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List returns jobs matching the filters
// GET /api/v1/jobs?project_id=...&status=...&type=...&limit=...&offset=...
func (h *Handler) List(c echo.Context) error {
	query := ListQuery{
		ProjectID: c.QueryParam("project_id"),
		Status:    c.QueryParam("status"),
		Type:      c.QueryParam("type"),
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

// Stats returns queue depth per status
// GET /api/v1/jobs/stats
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context())
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, stats)
}

type cleanupRequest struct {
	RetentionDays int `json:"retention_days"`
}

// Cleanup deletes finished jobs past the retention window
// POST /api/v1/jobs/cleanup
func (h *Handler) Cleanup(c echo.Context) error {
	req := cleanupRequest{}
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}

	deleted, err := h.svc.Cleanup(c.Request().Context(), req.RetentionDays)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]int64{"deleted": deleted})
}

// Get returns a single job with its payload and result
// GET /api/v1/jobs/:id
func (h *Handler) Get(c echo.Context) error {
	job, err := h.svc.GetByID(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, job)
}

// Cancel requests cancellation of a queued or running job
// POST /api/v1/jobs/:id/cancel
func (h *Handler) Cancel(c echo.Context) error {
	job, err := h.svc.Cancel(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}

	// Running jobs stop asynchronously, so this is an accepted request,
	// not a completed cancellation
	return c.JSON(http.StatusAccepted, job)
}

// Delete removes a finished job
// DELETE /api/v1/jobs/:id
func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "deleted"})
}
