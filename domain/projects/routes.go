package projects

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers project routes. API key auth is applied
// globally by the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/projects")

	g.GET("", h.List)
	g.POST("", h.Create)

	// Static segments before :id so they are not captured as IDs
	g.GET("/templates", h.Templates)
	g.POST("/from-template", h.CreateFromTemplate)

	g.GET("/:id", h.Get)
	g.PATCH("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
}
