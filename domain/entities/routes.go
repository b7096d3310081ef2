package entities

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers entity routes. API key auth is applied
// globally by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/entities")

	g.GET("", h.List)
	g.GET("/summary", h.Summary)
}
