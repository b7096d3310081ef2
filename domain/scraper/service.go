package scraper

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Service ties request validation to the browser pool.
type Service struct {
	pool *Pool
	cfg  *Config
	log  *slog.Logger
}

func NewService(pool *Pool, cfg *Config, log *slog.Logger) *Service {
	return &Service{
		pool: pool,
		cfg:  cfg,
		log:  log.With(logger.Scope("scraper.service")),
	}
}

// Scrape validates the request, borrows a browser and renders the page. A
// scrape that dies because its browser went away schedules a slot restart
// but is not retried here; the caller owns retry policy.
func (s *Service) Scrape(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	browser, idx, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := browser.Scrape(ctx, req)
	s.pool.Release(idx, isBrowserClosedErr(err))

	if err != nil {
		s.log.Warn("scrape failed",
			slog.String("url", req.URL),
			slog.Duration("elapsed", time.Since(start)),
			logger.Error(err),
		)
		return nil, err
	}

	s.log.Info("scrape completed",
		slog.String("url", req.URL),
		slog.Int("status", result.PageStatusCode),
		slog.Int("content_bytes", len(result.Content)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return result, nil
}

// ActivePages reports in-flight scrapes for the health endpoint.
func (s *Service) ActivePages() int {
	return s.pool.ActivePages()
}

// isBrowserClosedErr matches the error shapes rod produces when the browser
// process or its devtools connection has gone away.
func isBrowserClosedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"browser closed",
		"browser has been closed",
		"connection is closed",
		"use of closed network connection",
		"websocket: close",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
