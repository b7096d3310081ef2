package scrape

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Handler handles HTTP requests for scrape and crawl jobs
type Handler struct {
	svc *Service
}

// NewHandler creates a new scrape handler
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Scrape queues a scrape job for an explicit list of URLs
// POST /api/v1/projects/:id/scrape
func (h *Handler) Scrape(c echo.Context) error {
	var req ScrapeRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	accepted, err := h.svc.StartScrape(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, accepted)
}

// Crawl queues a crawl job that walks same-host links from a start URL
// POST /api/v1/projects/:id/crawl
func (h *Handler) Crawl(c echo.Context) error {
	var req CrawlRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	accepted, err := h.svc.StartCrawl(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, accepted)
}
