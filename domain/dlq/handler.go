package dlq

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for the dead-letter queues
type Handler struct {
	svc *Service
}

// NewHandler creates a new DLQ handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Stats returns per-kind dead-letter counts
// GET /api/v1/dlq/stats
func (h *Handler) Stats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

// List returns items of one kind, newest first
// GET /api/v1/dlq/:kind?limit=...
func (h *Handler) List(c echo.Context) error {
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}

	items, err := h.svc.List(c.Request().Context(), Kind(c.Param("kind")), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"kind":  c.Param("kind"),
		"items": items,
		"count": len(items),
	})
}

// Retry replays one dead-lettered item
// POST /api/v1/dlq/:kind/:id/retry
func (h *Handler) Retry(c echo.Context) error {
	kind := Kind(c.Param("kind"))
	id := c.Param("id")
	if err := h.svc.Retry(c.Request().Context(), kind, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status": "requeued",
		"kind":   kind,
		"id":     id,
	})
}
