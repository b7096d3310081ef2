package scraper

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the scraper over HTTP for the API server's scrape client.
type Handler struct {
	svc *Service
	cfg *Config
}

func NewHandler(svc *Service, cfg *Config) *Handler {
	return &Handler{svc: svc, cfg: cfg}
}

// Scrape renders one page
// POST /scrape
func (h *Handler) Scrape(c echo.Context) error {
	req := &Request{}
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if err := req.Validate(); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	result, err := h.svc.Scrape(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, ErrNoHealthyBrowser) || errors.Is(err, ErrPoolClosed) {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, result)
}

// Health reports pool capacity and load
// GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":             "ok",
		"maxConcurrentPages": h.cfg.MaxConcurrentPages,
		"activePages":        h.svc.ActivePages(),
	})
}

// RegisterRoutes wires the scraper endpoints onto the service's echo app.
func RegisterRoutes(e *echo.Echo, h *Handler) {
	e.POST("/scrape", h.Scrape)
	e.GET("/health", h.Health)
}
