package entities

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

// Validation paths reject before the repository is touched, so a nil repo is
// fine here.
func testService() *Service {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(nil, log)
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

func TestListRejectsMissingProjectID(t *testing.T) {
	svc := testService()

	_, err := svc.List(context.Background(), ListQuery{})
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-uuid", appErr.Code)
}

func TestSummaryRejectsInvalidProjectID(t *testing.T) {
	svc := testService()

	_, err := svc.Summary(context.Background(), "42")
	require.Error(t, err)

	appErr := &apperror.Error{}
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "invalid-uuid", appErr.Code)
}
