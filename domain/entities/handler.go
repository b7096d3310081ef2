package entities

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Handler handles HTTP requests for entities
type Handler struct {
	svc *Service
}

// NewHandler creates a new entity handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List returns a project's entities
// GET /api/v1/entities?project_id=...&entity_type=...&source_group=...&search=...&attribute_keys=a,b&limit=...&offset=...
func (h *Handler) List(c echo.Context) error {
	query := ListQuery{
		ProjectID:   c.QueryParam("project_id"),
		EntityType:  c.QueryParam("entity_type"),
		SourceGroup: c.QueryParam("source_group"),
		Search:      c.QueryParam("search"),
	}
	if v := c.QueryParam("attribute_keys"); v != "" {
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				query.AttributeKeys = append(query.AttributeKeys, key)
			}
		}
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

// Summary aggregates a project's entities per type
// GET /api/v1/entities/summary?project_id=...
func (h *Handler) Summary(c echo.Context) error {
	counts, err := h.svc.Summary(c.Request().Context(), c.QueryParam("project_id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, map[string]any{"types": counts})
}
