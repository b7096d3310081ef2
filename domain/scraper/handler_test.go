package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestService(t *testing.T) (*Service, *fakeFleet) {
	t.Helper()
	fleet := &fakeFleet{}
	cfg := testPoolConfig(2, 0)
	pool := NewPool(cfg, fleet.factory, testLogger())
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { pool.Close(context.Background()) })
	return NewService(pool, cfg, testLogger()), fleet
}

func TestHandlerScrape(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, testPoolConfig(2, 0))
	e := echo.New()
	RegisterRoutes(e, h)

	t.Run("renders page", func(t *testing.T) {
		body := `{"url":"https://example.com"}`
		req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
		var result Result
		if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
			t.Fatalf("decoding response: %v", err)
		}
		if result.Content == "" || result.PageStatusCode != 200 {
			t.Errorf("unexpected result: %+v", result)
		}
	})

	t.Run("rejects non-http scheme", func(t *testing.T) {
		body := `{"url":"file:///etc/passwd"}`
		req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("rejects missing url", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/scrape", strings.NewReader(`{}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
	})
}

func TestHandlerHealth(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc, testPoolConfig(2, 0))
	e := echo.New()
	RegisterRoutes(e, h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["maxConcurrentPages"] != float64(10) {
		t.Errorf("maxConcurrentPages = %v", body["maxConcurrentPages"])
	}
	if body["activePages"] != float64(0) {
		t.Errorf("activePages = %v", body["activePages"])
	}
}

func TestIsBrowserClosedErr(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("browser closed during scrape: bad handle"), true},
		{errors.New("write: use of closed network connection"), true},
		{errors.New("websocket: close 1006 (abnormal closure)"), true},
		{errors.New("navigation failed: net::ERR_NAME_NOT_RESOLVED"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := isBrowserClosedErr(tt.err); got != tt.want {
			t.Errorf("isBrowserClosedErr(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
