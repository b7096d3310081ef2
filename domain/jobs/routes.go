package jobs

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers job routes. API key auth is applied
// globally by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/jobs")

	g.GET("", h.List)

	// Static segments before :id so they are not captured as IDs
	g.GET("/stats", h.Stats)
	g.POST("/cleanup", h.Cleanup)

	g.GET("/:id", h.Get)
	g.POST("/:id/cancel", h.Cancel)
	g.DELETE("/:id", h.Delete)
}
