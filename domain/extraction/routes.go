package extraction

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers extraction routes. API key auth is applied
// globally by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/v1/projects/:id/extract", h.Extract)
	e.GET("/api/v1/extractions", h.List)
}
