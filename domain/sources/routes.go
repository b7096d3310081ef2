package sources

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers source routes. API key auth is applied
// globally by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/sources")

	g.GET("", h.List)
	g.GET("/summary", h.Summary)
	g.GET("/:id", h.Get)
	g.DELETE("/:id", h.Delete)
}
