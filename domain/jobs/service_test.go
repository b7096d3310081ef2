package jobs

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackradar/knowledge-engine/internal/config"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Validation paths reject before the queue is touched, so a nil queue is
// fine here.
func testService() *Service {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.Config{Jobs: config.JobsConfig{RetentionDays: 30}}
	return NewService(nil, cfg, log)
}

func TestListRejectsInvalidProjectID(t *testing.T) {
	svc := testService()

	_, err := svc.List(context.Background(), ListQuery{ProjectID: "not-a-uuid"})
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-uuid", appErr.Code)
	assert.Equal(t, 422, appErr.HTTPStatus)
}

func TestListRejectsUnknownStatus(t *testing.T) {
	svc := testService()

	_, err := svc.List(context.Background(), ListQuery{Status: "paused"})
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-status", appErr.Code)
}

func TestListRejectsUnknownType(t *testing.T) {
	svc := testService()

	_, err := svc.List(context.Background(), ListQuery{Type: "transcode"})
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-type", appErr.Code)
}

func TestGetByIDRejectsInvalidUUID(t *testing.T) {
	svc := testService()

	_, err := svc.GetByID(context.Background(), "42")
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-uuid", appErr.Code)
}

func TestCancelRejectsInvalidUUID(t *testing.T) {
	svc := testService()

	_, err := svc.Cancel(context.Background(), "jobs/123")
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-uuid", appErr.Code)
}

func TestCleanupRejectsNegativeRetention(t *testing.T) {
	svc := testService()

	_, err := svc.Cleanup(context.Background(), -1)
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-retention", appErr.Code)
}

func TestIsValidStatus(t *testing.T) {
	tests := []struct {
		status jobqueue.JobStatus
		want   bool
	}{
		{jobqueue.StatusQueued, true},
		{jobqueue.StatusRunning, true},
		{jobqueue.StatusCancelling, true},
		{jobqueue.StatusCompleted, true},
		{jobqueue.StatusFailed, true},
		{jobqueue.StatusCancelled, true},
		{jobqueue.JobStatus("paused"), false},
		{jobqueue.JobStatus(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, isValidStatus(tt.status))
		})
	}
}

func TestIsValidType(t *testing.T) {
	tests := []struct {
		jobType jobqueue.JobType
		want    bool
	}{
		{jobqueue.TypeScrape, true},
		{jobqueue.TypeCrawl, true},
		{jobqueue.TypeExtract, true},
		{jobqueue.TypeReport, true},
		{jobqueue.JobType("transcode"), false},
		{jobqueue.JobType(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			assert.Equal(t, tt.want, isValidType(tt.jobType))
		})
	}
}
