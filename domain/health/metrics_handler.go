package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stackradar/knowledge-engine/domain/dlq"
	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/domain/scheduler"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
)

// MetricsHandler handles job metrics requests
type MetricsHandler struct {
	jobs        *jobqueue.Queue
	llm         *llmqueue.Queue
	deadLetters *dlq.Store
	sched       *scheduler.Scheduler
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(jobs *jobqueue.Queue, llm *llmqueue.Queue, deadLetters *dlq.Store, sched *scheduler.Scheduler) *MetricsHandler {
	return &MetricsHandler{
		jobs:        jobs,
		llm:         llm,
		deadLetters: deadLetters,
		sched:       sched,
	}
}

// JobMetricsResponse aggregates the job queue, the LLM request stream and the
// dead-letter counts into one snapshot.
type JobMetricsResponse struct {
	Jobs        *jobqueue.Stats  `json:"jobs"`
	LLM         LLMQueueMetrics  `json:"llm_queue"`
	DeadLetters map[string]int64 `json:"dead_letters"`
	Timestamp   string           `json:"timestamp"`
}

// LLMQueueMetrics describes the Redis-backed LLM request stream.
type LLMQueueMetrics struct {
	Depth      int64  `json:"depth"`
	Status     string `json:"status"`
	ShouldWait bool   `json:"should_wait"`
	Threshold  int    `json:"threshold"`
}

// JobMetrics returns counters for the job queue, the LLM stream and the dead-letter queue
// GET /api/metrics/jobs
func (h *MetricsHandler) JobMetrics(c echo.Context) error {
	ctx := c.Request().Context()

	stats, err := h.jobs.GetStats(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Failed to read job stats")
	}

	resp := JobMetricsResponse{
		Jobs:        stats,
		DeadLetters: map[string]int64{},
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}

	// The LLM stream and DLQ live in Redis. A Redis outage should not blank
	// the database-backed counters above.
	if bp, err := h.llm.BackpressureStatus(ctx); err == nil {
		resp.LLM = LLMQueueMetrics{
			Depth:      bp.Depth,
			Status:     bp.Status,
			ShouldWait: bp.ShouldWait,
			Threshold:  bp.Threshold,
		}
	} else {
		resp.LLM.Status = "unknown"
	}
	for _, kind := range []dlq.Kind{dlq.KindScrape, dlq.KindExtraction, dlq.KindLLM} {
		if n, err := h.deadLetters.Count(ctx, kind); err == nil {
			resp.DeadLetters[string(kind)] = n
		}
	}

	return c.JSON(http.StatusOK, resp)
}

// SchedulerMetrics returns the registered tasks and their run times
// GET /api/metrics/scheduler
func (h *MetricsHandler) SchedulerMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"running":   h.sched.IsRunning(),
		"tasks":     h.sched.GetTaskInfo(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
