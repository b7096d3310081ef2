package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries is the default number of retries
	DefaultMaxRetries = 3

	// DefaultBaseDelay is the base delay for exponential backoff
	DefaultBaseDelay = 200 * time.Millisecond

	// DefaultMaxDelay is the maximum delay for exponential backoff
	DefaultMaxDelay = 5 * time.Second

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 15 * time.Second
)

// QdrantConfig holds the configuration for the Qdrant-backed store.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// QdrantStore implements Store against the Qdrant REST API.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	dimension  int
	httpClient *http.Client
	log        *slog.Logger

	// Retry configuration
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// QdrantOption configures the QdrantStore
type QdrantOption func(*QdrantStore)

// WithMaxRetries sets the maximum number of retries
func WithMaxRetries(n int) QdrantOption {
	return func(s *QdrantStore) {
		s.maxRetries = n
	}
}

// WithBaseDelay sets the base delay for exponential backoff
func WithBaseDelay(d time.Duration) QdrantOption {
	return func(s *QdrantStore) {
		s.baseDelay = d
	}
}

// WithMaxDelay sets the maximum delay for exponential backoff
func WithMaxDelay(d time.Duration) QdrantOption {
	return func(s *QdrantStore) {
		s.maxDelay = d
	}
}

// WithLogger sets the logger
func WithLogger(log *slog.Logger) QdrantOption {
	return func(s *QdrantStore) {
		s.log = log
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(hc *http.Client) QdrantOption {
	return func(s *QdrantStore) {
		s.httpClient = hc
	}
}

// NewQdrantStore creates a store backed by a Qdrant REST endpoint.
func NewQdrantStore(cfg QdrantConfig, opts ...QdrantOption) (*QdrantStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	s := &QdrantStore{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log:        slog.Default(),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		maxDelay:   DefaultMaxDelay,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// EnsureCollection creates the collection with cosine distance if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	status, _, err := s.do(ctx, http.MethodGet, "/collections/"+s.collection, nil)
	if err == nil && status == http.StatusOK {
		return nil
	}
	if err != nil && status != http.StatusNotFound {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": "Cosine",
		},
	}
	if _, _, err := s.do(ctx, http.MethodPut, "/collections/"+s.collection, body); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	s.log.Info("created vector collection",
		slog.String("collection", s.collection),
		slog.Int("dimension", s.dimension),
	)
	return nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Upsert inserts or replaces points by id.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qp := make([]qdrantPoint, len(points))
	for i, p := range points {
		qp[i] = qdrantPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}

	body := map[string]any{"points": qp}
	if _, _, err := s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", body); err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      string         `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

// Search returns up to limit nearest points, best first.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, filter Filter, limit int) ([]Scored, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if len(filter) > 0 {
		must := make([]map[string]any, 0, len(filter))
		for key, value := range filter {
			must = append(must, map[string]any{
				"key":   key,
				"match": map[string]any{"value": value},
			})
		}
		body["filter"] = map[string]any{"must": must}
	}

	_, raw, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", body)
	if err != nil {
		return nil, fmt.Errorf("failed to search points: %w", err)
	}

	var resp qdrantSearchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Scored, len(resp.Result))
	for i, r := range resp.Result {
		results[i] = Scored{ID: r.ID, Score: r.Score, Payload: r.Payload}
	}
	return results, nil
}

// Delete removes points by id.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	body := map[string]any{"points": ids}
	if _, _, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/delete?wait=true", body); err != nil {
		return fmt.Errorf("failed to delete points: %w", err)
	}
	return nil
}

// do executes a request with retries. It returns the final status code and
// response body; 404 on GET is reported via the status without an error so
// EnsureCollection can distinguish "missing" from "broken".
func (s *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reqBytes []byte
	if body != nil {
		var err error
		reqBytes, err = json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.calculateBackoff(attempt)
			s.log.Debug("retrying vector store request",
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)
			select {
			case <-ctx.Done():
				return lastStatus, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		status, raw, err := s.doOnce(ctx, method, path, reqBytes)
		if err == nil {
			return status, raw, nil
		}
		lastStatus = status

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return status, nil, ctx.Err()
		}

		// Check if error is retryable
		if _, ok := err.(*retryableError); !ok {
			return status, nil, err
		}

		lastErr = err
		s.log.Warn("vector store request failed",
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}

	return lastStatus, nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

func (s *QdrantStore) doOnce(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, nil, &retryableError{statusCode: 0, body: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, &retryableError{statusCode: resp.StatusCode, body: err.Error()}
	}

	if resp.StatusCode == http.StatusNotFound && method == http.MethodGet {
		return resp.StatusCode, raw, nil
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode >= 500 {
			return resp.StatusCode, nil, &retryableError{statusCode: resp.StatusCode, body: msg}
		}
		return resp.StatusCode, nil, fmt.Errorf("API error %d: %s", resp.StatusCode, msg)
	}

	return resp.StatusCode, raw, nil
}

// calculateBackoff calculates the backoff delay for a given attempt
func (s *QdrantStore) calculateBackoff(attempt int) time.Duration {
	delay := float64(s.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(s.maxDelay) {
		delay = float64(s.maxDelay)
	}
	return time.Duration(delay)
}

// retryableError is an error that can be retried
type retryableError struct {
	statusCode int
	body       string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable API error %d: %s", e.statusCode, e.body)
}
