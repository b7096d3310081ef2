package search

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers search routes. API key auth is applied globally
// by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/v1/projects/:id/search", h.Search)
}
