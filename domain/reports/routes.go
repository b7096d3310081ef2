package reports

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers report routes. API key auth is applied globally
// by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/v1/projects/:id/reports", h.Create)
	e.GET("/api/v1/reports", h.List)
	e.GET("/api/v1/reports/:id", h.Get)
}
