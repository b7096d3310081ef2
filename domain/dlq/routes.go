package dlq

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers DLQ routes. API key auth is applied globally by
// the server.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	g := e.Group("/api/v1/dlq")

	g.GET("/stats", h.Stats)
	g.GET("/:kind", h.List)
	g.POST("/:kind/:id/retry", h.Retry)
}
