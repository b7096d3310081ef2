package sources

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

func testService() *Service {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	// Validation paths reject before the repository is touched, so a nil
	// repo is fine here.
	return NewService(nil, log)
}

func TestListRejectsInvalidProjectID(t *testing.T) {
	svc := testService()

	_, err := svc.List(context.Background(), ListParams{ProjectID: "not-a-uuid"})
	if err == nil {
		t.Fatal("expected error for invalid project id")
	}

	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected apperror.Error, got %T", err)
	}
	if appErr.Code != "invalid-uuid" {
		t.Errorf("Code = %q, want %q", appErr.Code, "invalid-uuid")
	}
	if appErr.HTTPStatus != 422 {
		t.Errorf("HTTPStatus = %d, want 422", appErr.HTTPStatus)
	}
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc := testService()

	status := SourceStatus("archived")
	_, err := svc.List(context.Background(), ListParams{
		ProjectID: "550e8400-e29b-41d4-a716-446655440000",
		Status:    &status,
	})
	if err == nil {
		t.Fatal("expected error for unknown status")
	}

	var appErr *apperror.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected apperror.Error, got %T", err)
	}
	if appErr.Code != "invalid-status" {
		t.Errorf("Code = %q, want %q", appErr.Code, "invalid-status")
	}
}

func TestGetByIDRejectsInvalidUUID(t *testing.T) {
	svc := testService()

	_, err := svc.GetByID(context.Background(), "123")
	if err == nil {
		t.Fatal("expected error for invalid id")
	}
}

func TestIsValidStatus(t *testing.T) {
	tests := []struct {
		status SourceStatus
		want   bool
	}{
		{StatusPending, true},
		{StatusReady, true},
		{StatusExtracted, true},
		{StatusFailed, true},
		{SourceStatus(""), false},
		{SourceStatus("done"), false},
	}

	for _, tt := range tests {
		if got := isValidStatus(tt.status); got != tt.want {
			t.Errorf("isValidStatus(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestHasContent(t *testing.T) {
	content := "# Pricing"
	empty := ""

	tests := []struct {
		name string
		src  Source
		want bool
	}{
		{"nil content", Source{}, false},
		{"empty content", Source{Content: &empty}, false},
		{"with content", Source{Content: &content}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.src.HasContent(); got != tt.want {
				t.Errorf("HasContent() = %v, want %v", got, tt.want)
			}
		})
	}
}
