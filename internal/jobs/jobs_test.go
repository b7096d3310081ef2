package jobs

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{
			name: "short message",
			msg:  "short error",
			want: "short error",
		},
		{
			name: "exactly 500 characters",
			msg:  strings.Repeat("a", 500),
			want: strings.Repeat("a", 500),
		},
		{
			name: "501 characters truncated to 500",
			msg:  strings.Repeat("a", 501),
			want: strings.Repeat("a", 500),
		},
		{
			name: "long message truncated",
			msg:  strings.Repeat("b", 1000),
			want: strings.Repeat("b", 500),
		},
		{
			name: "empty string",
			msg:  "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncateError(tt.msg)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 500)
		})
	}
}

func TestDefaultQueueConfig(t *testing.T) {
	config := DefaultQueueConfig()

	assert.Equal(t, 3, config.MaxAttempts)
	assert.Equal(t, 30, config.BaseRetryDelaySec)
	assert.Equal(t, 900, config.MaxRetryDelaySec)
	assert.Equal(t, 10, config.BatchSize)
}

func TestRetryDelay(t *testing.T) {
	config := QueueConfig{
		BaseRetryDelaySec: 30,
		MaxRetryDelaySec:  900,
	}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first attempt", 1, 30 * time.Second},
		{"second attempt", 2, 120 * time.Second},
		{"third attempt", 3, 270 * time.Second},
		{"fifth attempt", 5, 750 * time.Second},
		{"sixth attempt capped", 6, 900 * time.Second},
		{"large attempt capped", 50, 900 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, config.retryDelay(tt.attempt))
		})
	}
}

func TestJobStatusConstants(t *testing.T) {
	assert.Equal(t, JobStatus("queued"), StatusQueued)
	assert.Equal(t, JobStatus("running"), StatusRunning)
	assert.Equal(t, JobStatus("cancelling"), StatusCancelling)
	assert.Equal(t, JobStatus("completed"), StatusCompleted)
	assert.Equal(t, JobStatus("failed"), StatusFailed)
	assert.Equal(t, JobStatus("cancelled"), StatusCancelled)
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{StatusQueued, false},
		{StatusRunning, false},
		{StatusCancelling, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestJobCheckpoint(t *testing.T) {
	t.Run("nil payload", func(t *testing.T) {
		job := &Job{}
		cp, err := job.Checkpoint()
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("payload without checkpoint", func(t *testing.T) {
		job := &Job{Payload: map[string]any{"source_ids": []any{"a", "b"}}}
		cp, err := job.Checkpoint()
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("checkpoint as scanned from jsonb", func(t *testing.T) {
		// jsonb scanning yields generic maps, not typed structs
		job := &Job{Payload: map[string]any{
			"checkpoint": map[string]any{
				"processed_source_ids": []any{"id-1", "id-2", "id-3"},
				"total_extractions":    float64(12),
				"total_entities":       float64(4),
				"last_checkpoint_at":   "2026-08-20T14:05:00+02:00",
			},
		}}

		cp, err := job.Checkpoint()
		require.NoError(t, err)
		require.NotNil(t, cp)
		assert.Equal(t, []string{"id-1", "id-2", "id-3"}, cp.ProcessedSourceIDs)
		assert.Equal(t, 12, cp.TotalExtractions)
		assert.Equal(t, 4, cp.TotalEntities)
		assert.Equal(t, "2026-08-20T14:05:00+02:00", cp.LastCheckpointAt)
	})

	t.Run("malformed checkpoint", func(t *testing.T) {
		job := &Job{Payload: map[string]any{"checkpoint": "not an object"}}
		cp, err := job.Checkpoint()
		assert.Error(t, err)
		assert.Nil(t, cp)
	})
}

func TestNewCheckpoint(t *testing.T) {
	cp := NewCheckpoint([]string{"a", "b"}, 7, 2)

	assert.Equal(t, []string{"a", "b"}, cp.ProcessedSourceIDs)
	assert.Equal(t, 7, cp.TotalExtractions)
	assert.Equal(t, 2, cp.TotalEntities)

	stamped, err := time.Parse(time.RFC3339, cp.LastCheckpointAt)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), stamped, time.Minute)
}

func TestMarshalResult(t *testing.T) {
	t.Run("nil keeps column null", func(t *testing.T) {
		got, err := marshalResult(nil)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("document encodes to json", func(t *testing.T) {
		got, err := marshalResult(map[string]any{"sources_processed": 20, "errors": 1})
		require.NoError(t, err)
		require.IsType(t, "", got)
		assert.JSONEq(t, `{"sources_processed": 20, "errors": 1}`, got.(string))
	})
}

func TestStatsStruct(t *testing.T) {
	stats := Stats{
		Queued:     10,
		Running:    5,
		Cancelling: 1,
		Completed:  100,
		Failed:     2,
		Cancelled:  3,
	}

	assert.Equal(t, int64(10), stats.Queued)
	assert.Equal(t, int64(5), stats.Running)
	assert.Equal(t, int64(1), stats.Cancelling)
	assert.Equal(t, int64(100), stats.Completed)
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(3), stats.Cancelled)
}

func TestDefaultWorkerConfig(t *testing.T) {
	config := DefaultWorkerConfig("test-worker")

	assert.Equal(t, "test-worker", config.Name)
	assert.Equal(t, 2*time.Second, config.PollInterval)
	assert.Equal(t, 10, config.BatchSize)
	assert.Equal(t, 15, config.StaleThresholdMinutes)
	assert.True(t, config.RecoverStaleOnStart)
}

func TestWorkerConfig_CustomValues(t *testing.T) {
	config := WorkerConfig{
		Name:                  "custom-worker",
		PollInterval:          10 * time.Second,
		BatchSize:             20,
		StaleThresholdMinutes: 30,
		RecoverStaleOnStart:   false,
	}

	assert.Equal(t, "custom-worker", config.Name)
	assert.Equal(t, 10*time.Second, config.PollInterval)
	assert.Equal(t, 20, config.BatchSize)
	assert.Equal(t, 30, config.StaleThresholdMinutes)
	assert.False(t, config.RecoverStaleOnStart)
}

func TestWorker_StartStop(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	var calls atomic.Int64
	w := NewWorker(WorkerConfig{
		Name:         "test-runner",
		PollInterval: 10 * time.Millisecond,
	}, log, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	require.NoError(t, w.Start(context.Background()))
	assert.True(t, w.IsRunning())

	// Starting again while running is a no-op
	require.NoError(t, w.Start(context.Background()))

	// Give the ticker a few rounds
	assert.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(stopCtx))
	assert.False(t, w.IsRunning())

	// No further ticks after stop
	settled := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, calls.Load())
}

func TestWorker_IncrementProcessed(t *testing.T) {
	w := &Worker{}

	metrics := w.Metrics()
	assert.Zero(t, metrics.Processed)
	assert.Zero(t, metrics.Succeeded)
	assert.Zero(t, metrics.Failed)

	w.IncrementProcessed()
	metrics = w.Metrics()
	assert.Equal(t, int64(1), metrics.Processed)
	assert.Zero(t, metrics.Succeeded)
	assert.Zero(t, metrics.Failed)

	w.IncrementProcessed()
	w.IncrementProcessed()
	metrics = w.Metrics()
	assert.Equal(t, int64(3), metrics.Processed)
}

func TestWorker_IncrementSuccess(t *testing.T) {
	w := &Worker{}

	w.IncrementSuccess()
	metrics := w.Metrics()
	assert.Equal(t, int64(1), metrics.Processed)
	assert.Equal(t, int64(1), metrics.Succeeded)
	assert.Zero(t, metrics.Failed)

	w.IncrementSuccess()
	w.IncrementSuccess()
	metrics = w.Metrics()
	assert.Equal(t, int64(3), metrics.Processed)
	assert.Equal(t, int64(3), metrics.Succeeded)
}

func TestWorker_IncrementFailure(t *testing.T) {
	w := &Worker{}

	w.IncrementFailure()
	metrics := w.Metrics()
	assert.Equal(t, int64(1), metrics.Processed)
	assert.Zero(t, metrics.Succeeded)
	assert.Equal(t, int64(1), metrics.Failed)

	w.IncrementFailure()
	metrics = w.Metrics()
	assert.Equal(t, int64(2), metrics.Processed)
	assert.Equal(t, int64(2), metrics.Failed)
}

func TestWorker_MixedIncrements(t *testing.T) {
	w := &Worker{}

	w.IncrementSuccess()
	w.IncrementSuccess()
	w.IncrementFailure()
	w.IncrementProcessed() // processed but neither success nor failure

	metrics := w.Metrics()
	assert.Equal(t, int64(4), metrics.Processed)
	assert.Equal(t, int64(2), metrics.Succeeded)
	assert.Equal(t, int64(1), metrics.Failed)
}

func TestWorker_IsRunning(t *testing.T) {
	t.Run("initial state is not running", func(t *testing.T) {
		w := &Worker{}
		assert.False(t, w.IsRunning())
	})

	t.Run("running after setting flag", func(t *testing.T) {
		w := &Worker{running: true}
		assert.True(t, w.IsRunning())
	})
}

func TestWorker_Metrics_Concurrent(t *testing.T) {
	w := &Worker{}

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				w.IncrementSuccess()
				w.IncrementFailure()
				_ = w.Metrics() // read while writing
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	metrics := w.Metrics()
	// 10 goroutines * 100 iterations * 2 increments (success + failure)
	assert.Equal(t, int64(2000), metrics.Processed)
	assert.Equal(t, int64(1000), metrics.Succeeded)
	assert.Equal(t, int64(1000), metrics.Failed)
}
