package scrape

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers scrape and crawl routes. Job status and cancel
// live on the generic jobs routes.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/api/v1/projects/:id/scrape", h.Scrape)
	e.POST("/api/v1/projects/:id/crawl", h.Crawl)
}
