package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	t.Run("requires base URL", func(t *testing.T) {
		_, err := NewClient(Config{Model: "bge-m3"})
		if err == nil {
			t.Error("expected error for missing base URL")
		}
	})

	t.Run("requires model", func(t *testing.T) {
		_, err := NewClient(Config{BaseURL: "http://localhost:8080"})
		if err == nil {
			t.Error("expected error for missing model")
		}
	})

	t.Run("trims trailing slash from base URL", func(t *testing.T) {
		c, err := NewClient(Config{BaseURL: "http://localhost:8080/", Model: "bge-m3"})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		if c.baseURL != "http://localhost:8080" {
			t.Errorf("baseURL = %q, want trailing slash removed", c.baseURL)
		}
	})

	t.Run("applies defaults", func(t *testing.T) {
		c, err := NewClient(Config{BaseURL: "http://localhost:8080", Model: "bge-m3"})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		if c.maxRetries != DefaultMaxRetries {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, DefaultMaxRetries)
		}
		if c.httpClient.Timeout != DefaultTimeout {
			t.Errorf("timeout = %v, want %v", c.httpClient.Timeout, DefaultTimeout)
		}
		if c.limiter != nil {
			t.Error("limiter should be nil when RequestsPerSecond is 0")
		}
	})

	t.Run("rate limiter enabled when configured", func(t *testing.T) {
		c, err := NewClient(Config{BaseURL: "http://localhost:8080", Model: "bge-m3", RequestsPerSecond: 10})
		if err != nil {
			t.Fatalf("NewClient() error = %v", err)
		}
		if c.limiter == nil {
			t.Error("limiter should be set when RequestsPerSecond > 0")
		}
	})
}

func TestClientOptions(t *testing.T) {
	t.Run("WithMaxRetries", func(t *testing.T) {
		c := &Client{}
		WithMaxRetries(5)(c)

		if c.maxRetries != 5 {
			t.Errorf("maxRetries = %d, want 5", c.maxRetries)
		}
	})

	t.Run("WithBaseDelay", func(t *testing.T) {
		c := &Client{}
		WithBaseDelay(500 * time.Millisecond)(c)

		if c.baseDelay != 500*time.Millisecond {
			t.Errorf("baseDelay = %v, want 500ms", c.baseDelay)
		}
	})

	t.Run("WithMaxDelay", func(t *testing.T) {
		c := &Client{}
		WithMaxDelay(30 * time.Second)(c)

		if c.maxDelay != 30*time.Second {
			t.Errorf("maxDelay = %v, want 30s", c.maxDelay)
		}
	})
}

func TestCalculateBackoff(t *testing.T) {
	c := &Client{
		baseDelay: 100 * time.Millisecond,
		maxDelay:  10 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 8, want: 10 * time.Second}, // capped at maxDelay
	}

	for _, tt := range tests {
		got := c.calculateBackoff(tt.attempt)
		if got != tt.want {
			t.Errorf("calculateBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func newTestClient(t *testing.T, url string, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: url, Model: "bge-m3", RerankModel: "bge-reranker-v2-m3"}, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestEmbedDocuments(t *testing.T) {
	t.Run("orders vectors by response index", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/embeddings" {
				t.Errorf("path = %q, want /embeddings", r.URL.Path)
			}
			var req embedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Model != "bge-m3" {
				t.Errorf("model = %q, want bge-m3", req.Model)
			}

			// Return data out of order; the client must reorder by index.
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"index": 1, "embedding": []float32{0.2}},
					{"index": 0, "embedding": []float32{0.1}},
				},
			})
		}))
		defer server.Close()

		c := newTestClient(t, server.URL)
		vectors, err := c.EmbedDocuments(context.Background(), []string{"first", "second"})
		if err != nil {
			t.Fatalf("EmbedDocuments() error = %v", err)
		}
		if len(vectors) != 2 {
			t.Fatalf("got %d vectors, want 2", len(vectors))
		}
		if vectors[0][0] != 0.1 || vectors[1][0] != 0.2 {
			t.Errorf("vectors not reordered by index: %v", vectors)
		}
	})

	t.Run("empty input returns empty result without request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected for empty input")
		}))
		defer server.Close()

		c := newTestClient(t, server.URL)
		vectors, err := c.EmbedDocuments(context.Background(), nil)
		if err != nil {
			t.Fatalf("EmbedDocuments() error = %v", err)
		}
		if len(vectors) != 0 {
			t.Errorf("got %d vectors, want 0", len(vectors))
		}
	})

	t.Run("count mismatch is an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"index": 0, "embedding": []float32{0.1}},
				},
			})
		}))
		defer server.Close()

		c := newTestClient(t, server.URL, WithMaxRetries(0))
		_, err := c.EmbedDocuments(context.Background(), []string{"a", "b"})
		if err == nil {
			t.Error("expected error for embedding count mismatch")
		}
	})

	t.Run("retries on server error", func(t *testing.T) {
		var calls int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{
					{"index": 0, "embedding": []float32{0.5}},
				},
			})
		}))
		defer server.Close()

		c := newTestClient(t, server.URL, WithBaseDelay(time.Millisecond))
		vectors, err := c.EmbedDocuments(context.Background(), []string{"a"})
		if err != nil {
			t.Fatalf("EmbedDocuments() error = %v", err)
		}
		if calls != 2 {
			t.Errorf("server called %d times, want 2", calls)
		}
		if vectors[0][0] != 0.5 {
			t.Errorf("vector = %v, want [0.5]", vectors[0])
		}
	})
}

func TestEmbedQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Input) != 1 || req.Input[0] != "what is the pricing" {
			t.Errorf("input = %v, want single query", req.Input)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{0.1, 0.2, 0.3}},
			},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	vector, err := c.EmbedQuery(context.Background(), "what is the pricing")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vector) != 3 {
		t.Errorf("got %d dimensions, want 3", len(vector))
	}
}

func TestRerank(t *testing.T) {
	t.Run("sorts results by score descending", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/rerank" {
				t.Errorf("path = %q, want /rerank", r.URL.Path)
			}
			var req rerankRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.Model != "bge-reranker-v2-m3" {
				t.Errorf("model = %q, want rerank model", req.Model)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"results": []map[string]any{
					{"index": 0, "relevance_score": 0.2},
					{"index": 2, "relevance_score": 0.9},
					{"index": 1, "relevance_score": 0.5},
				},
			})
		}))
		defer server.Close()

		c := newTestClient(t, server.URL)
		results, err := c.Rerank(context.Background(), "query", []string{"a", "b", "c"})
		if err != nil {
			t.Fatalf("Rerank() error = %v", err)
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		if results[0].Index != 2 || results[1].Index != 1 || results[2].Index != 0 {
			t.Errorf("results not sorted by score: %+v", results)
		}
	})

	t.Run("empty documents returns nil without request", func(t *testing.T) {
		c := newTestClient(t, "http://localhost:1")
		results, err := c.Rerank(context.Background(), "query", nil)
		if err != nil {
			t.Fatalf("Rerank() error = %v", err)
		}
		if results != nil {
			t.Errorf("results = %v, want nil", results)
		}
	})
}
