package storage

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stackradar/knowledge-engine/internal/config"
)

func TestSanitizeURISlug(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: "page",
		},
		{
			name:     "plain url keeps host and path",
			input:    "https://example.com/pricing",
			expected: "example.com_pricing",
		},
		{
			name:     "query string dropped",
			input:    "https://example.com/docs?page=2&sort=asc",
			expected: "example.com_docs",
		},
		{
			name:     "uppercase to lowercase",
			input:    "https://Example.COM/API",
			expected: "example.com_api",
		},
		{
			name:     "special characters replaced",
			input:    "https://example.com/a b(c)",
			expected: "example.com_a_b_c",
		},
		{
			name:     "trailing slash trimmed",
			input:    "https://example.com/",
			expected: "example.com",
		},
		{
			name:     "non-url input sanitized as-is",
			input:    "not a url at all!",
			expected: "not_a_url_at_all",
		},
		{
			name:     "long input truncated",
			input:    "https://example.com/" + strings.Repeat("x", 300),
			expected: "example.com_" + strings.Repeat("x", 188),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeURISlug(tt.input); got != tt.expected {
				t.Errorf("SanitizeURISlug(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestSnapshotKey(t *testing.T) {
	key := SnapshotKey("proj-1", "src-9", "https://example.com/pricing")
	want := "proj-1/src-9-example.com_pricing.html"
	if key != want {
		t.Errorf("SnapshotKey = %q, want %q", key, want)
	}
}

func TestDisabledServiceRefusesOperations(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewService(&config.Config{}, log)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if svc.Enabled() {
		t.Fatal("service should be disabled without configuration")
	}

	ctx := t.Context()
	if _, err := svc.Upload(ctx, "k", strings.NewReader("x"), 1, UploadOptions{}); err == nil {
		t.Error("Upload should fail when disabled")
	}
	if _, err := svc.Download(ctx, "k"); err == nil {
		t.Error("Download should fail when disabled")
	}
	if err := svc.Delete(ctx, "k"); err == nil {
		t.Error("Delete should fail when disabled")
	}
	if _, err := svc.Exists(ctx, "k"); err == nil {
		t.Error("Exists should fail when disabled")
	}
	if _, err := svc.GetSignedDownloadURL(ctx, "k", GetSignedDownloadURLOptions{}); err == nil {
		t.Error("GetSignedDownloadURL should fail when disabled")
	}
}
