package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// unauthenticatedPaths are reachable without an API key so that probes and
// scrapers (k8s, Prometheus) need no credentials.
var unauthenticatedPaths = map[string]struct{}{
	"/health":     {},
	"/healthz":    {},
	"/ready":      {},
	"/metrics":    {},
	"/api/health": {},
}

// APIKeyAuth returns a middleware that requires the X-API-Key header to match
// the configured static key on every non-exempt route.
func APIKeyAuth(apiKey string) echo.MiddlewareFunc {
	key := []byte(apiKey)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, exempt := unauthenticatedPaths[c.Request().URL.Path]; exempt {
				return next(c)
			}

			presented := c.Request().Header.Get("X-API-Key")
			if presented == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Missing API key")
			}
			if subtle.ConstantTimeCompare([]byte(presented), key) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid API key")
			}

			return next(c)
		}
	}
}
