// Package scrape fetches web content through the scraper service and
// persists it as project sources. It owns the scrape and crawl job types.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

const (
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 5 * time.Second
)

// PageRequest is the wire request to the scraper service.
type PageRequest struct {
	URL                 string            `json:"url"`
	Timeout             int               `json:"timeout,omitempty"`
	WaitAfterLoad       int               `json:"wait_after_load,omitempty"`
	Headers             map[string]string `json:"headers,omitempty"`
	CheckSelector       string            `json:"check_selector,omitempty"`
	SkipTLSVerification bool              `json:"skip_tls_verification,omitempty"`
	DiscoverAjax        bool              `json:"discover_ajax,omitempty"`
}

// PageResult is the scraper service's response.
type PageResult struct {
	Content        string   `json:"content"`
	PageStatusCode int      `json:"pageStatusCode"`
	PageError      string   `json:"pageError,omitempty"`
	ContentType    string   `json:"contentType,omitempty"`
	DiscoveredURLs []string `json:"discoveredUrls,omitempty"`
}

// Client talks to the scraper service. Transport failures and 502/503 are
// retried with exponential backoff; a 500 carries a scrape error and is
// returned as-is, since the job layer owns replay policy.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff
func WithBaseDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay = d
	}
}

// NewClient creates a scraper service client
func NewClient(cfg *config.Config, log *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: cfg.Scraper.URL,
		httpClient: &http.Client{
			Timeout: cfg.Scraper.Timeout(),
		},
		log:        log.With(logger.Scope("scrape.client")),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Scrape renders one page through the scraper service.
func (c *Client) Scrape(ctx context.Context, req *PageRequest) (*PageResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal scrape request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.log.Debug("retrying scrape request",
				slog.String("url", req.URL),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.doOnce(ctx, body)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, ok := err.(*retryableError); !ok {
			return nil, err
		}
		lastErr = err
		c.log.Warn("scrape request failed",
			slog.String("url", req.URL),
			slog.Int("attempt", attempt),
			logger.Error(err),
		)
	}

	return nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

// Health checks the scraper service's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("scraper service unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scraper service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) doOnce(ctx context.Context, body []byte) (*PageResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &retryableError{statusCode: 0, body: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{statusCode: resp.StatusCode, body: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		var wire struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &wire) == nil && wire.Error != "" {
			msg = wire.Error
		}
		if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusServiceUnavailable {
			return nil, &retryableError{statusCode: resp.StatusCode, body: msg}
		}
		return nil, fmt.Errorf("scrape failed (%d): %s", resp.StatusCode, msg)
	}

	result := &PageResult{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, fmt.Errorf("decode scrape response: %w", err)
	}
	return result, nil
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.maxDelay) {
		delay = float64(c.maxDelay)
	}
	return time.Duration(delay)
}

type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable scraper error %d: %s", e.statusCode, e.body)
}
