package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newAuthTestApp(apiKey string) *echo.Echo {
	e := echo.New()
	e.Use(APIKeyAuth(apiKey))
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "OK") })
	e.GET("/metrics", func(c echo.Context) error { return c.String(http.StatusOK, "metrics") })
	e.GET("/api/v1/projects", func(c echo.Context) error { return c.String(http.StatusOK, "projects") })
	return e
}

func TestAPIKeyAuthExemptPaths(t *testing.T) {
	e := newAuthTestApp("test-api-key-0123456789")

	for _, path := range []string{"/health", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("GET %s without key: status = %d, want 200", path, rec.Code)
		}
	}
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	e := newAuthTestApp("test-api-key-0123456789")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyAuthWrongKey(t *testing.T) {
	e := newAuthTestApp("test-api-key-0123456789")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestAPIKeyAuthValidKey(t *testing.T) {
	e := newAuthTestApp("test-api-key-0123456789")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects", nil)
	req.Header.Set("X-API-Key", "test-api-key-0123456789")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
