package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/llm"
	"github.com/stackradar/knowledge-engine/pkg/logger"
	"github.com/stackradar/knowledge-engine/pkg/syshealth"
)

const (
	// workerType labels this worker's Prometheus series.
	workerType = "llm"

	// readBlock bounds how long one XREADGROUP call blocks, so the loop
	// notices stop requests promptly.
	readBlock = 2 * time.Second

	// staleClaimIdle is how long a pending entry must sit unacked before
	// startup recovery claims it from a dead consumer.
	staleClaimIdle = time.Minute

	// minAdjustmentSamples is the minimum window size before adaptive
	// concurrency acts.
	minAdjustmentSamples = 10
)

// Worker drains the request stream, executes completions and writes
// responses. Failures are retried by re-enqueueing a copy; requests that
// exhaust their retries land in the DLQ with an error response so callers
// unblock. The worker adapts its own parallelism to the observed timeout
// rate.
type Worker struct {
	rdb      *redis.Client
	queue    *Queue
	dlq      *DLQ
	provider llm.Provider
	monitor  syshealth.Monitor
	cfg      *config.Config
	log      *slog.Logger
	consumer string

	mu            sync.Mutex
	running       bool
	concurrency   int
	sem           *semaphore.Weighted
	inFlight      int
	pendingTarget int
	pendingReason string
	cancel        context.CancelFunc
	stopCh        chan struct{}
	stoppedCh     chan struct{}

	// Window counters for the adaptive loop; reset on each adjustment.
	statsMu   sync.Mutex
	successes int
	failures  int
	timeouts  int

	wg sync.WaitGroup
}

// NewWorker creates the LLM worker. monitor may be nil; without it the
// health clamp on scale-up is skipped.
func NewWorker(
	rdb *redis.Client,
	queue *Queue,
	dlq *DLQ,
	provider llm.Provider,
	monitor syshealth.Monitor,
	cfg *config.Config,
	log *slog.Logger,
) *Worker {
	concurrency := cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	w := &Worker{
		rdb:         rdb,
		queue:       queue,
		dlq:         dlq,
		provider:    provider,
		monitor:     monitor,
		cfg:         cfg,
		log:         log.With(logger.Scope("llmqueue.worker")),
		consumer:    "worker-" + uuid.NewString()[:8],
		concurrency: concurrency,
		sem:         semaphore.NewWeighted(int64(concurrency)),
	}
	syshealth.WorkerConcurrency.WithLabelValues(workerType).Set(float64(concurrency))
	return w
}

// Start begins the read and adjustment loops. It is a no-op when the
// completion provider is not configured.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}
	if !w.provider.IsConfigured() {
		w.log.Info("llm worker not started (completion provider not configured)")
		return nil
	}

	if err := w.queue.ensureGroup(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.stopCh = make(chan struct{})
	w.stoppedCh = make(chan struct{})

	w.log.Info("llm worker starting",
		slog.String("consumer", w.consumer),
		slog.Int("concurrency", w.concurrency),
		slog.Int("max_retries", w.cfg.Worker.MaxRetries),
		slog.Duration("adjustment_interval", w.cfg.Worker.AdjustmentInterval()))

	go w.run(runCtx)
	return nil
}

// Stop gracefully stops the worker, waiting for in-flight requests until
// ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	close(w.stopCh)
	cancel := w.cancel
	stoppedCh := w.stoppedCh
	w.mu.Unlock()

	cancel()

	w.log.Debug("waiting for llm worker to stop...")
	select {
	case <-stoppedCh:
		w.log.Info("llm worker stopped gracefully")
	case <-ctx.Done():
		w.log.Warn("llm worker stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the worker is currently running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// WorkerMetrics is a snapshot of the worker's state and the current
// adjustment window.
type WorkerMetrics struct {
	Concurrency int `json:"concurrency"`
	InFlight    int `json:"in_flight"`
	Successes   int `json:"successes"`
	Failures    int `json:"failures"`
	Timeouts    int `json:"timeouts"`
}

// Metrics returns current worker metrics. The window counters reset on
// each adaptive adjustment.
func (w *Worker) Metrics() WorkerMetrics {
	w.mu.Lock()
	concurrency, inFlight := w.concurrency, w.inFlight
	w.mu.Unlock()

	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return WorkerMetrics{
		Concurrency: concurrency,
		InFlight:    inFlight,
		Successes:   w.successes,
		Failures:    w.failures,
		Timeouts:    w.timeouts,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedCh)

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.recoverStale(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.adjustLoop(ctx)
	}()

	w.readLoop(ctx)

	// Drain in-flight handlers before reporting stopped.
	w.wg.Wait()
}

func (w *Worker) readLoop(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Queue.Group,
			Consumer: w.consumer,
			Streams:  []string{w.cfg.Queue.Stream, ">"},
			Count:    int64(w.currentConcurrency()),
			Block:    readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			w.log.Warn("read from request stream failed", slog.String("error", err.Error()))
			select {
			case <-time.After(time.Second):
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				if !w.dispatch(ctx, msg) {
					return
				}
			}
		}
	}
}

// dispatch runs one message on a fresh goroutine once a permit is free. It
// returns false when the worker is stopping; the message stays pending in
// the consumer group for recovery.
func (w *Worker) dispatch(ctx context.Context, msg redis.XMessage) bool {
	sem, err := w.acquire(ctx)
	if err != nil {
		return false
	}

	w.wg.Add(1)
	go func(m redis.XMessage) {
		defer w.wg.Done()
		defer w.release(sem)
		w.handleMessage(m)
	}(msg)
	return true
}

// recoverStale claims pending entries abandoned by dead consumers and runs
// them through the normal handler path. Expired ones resolve to timeout
// responses.
func (w *Worker) recoverStale(ctx context.Context) {
	start := "0-0"
	var recovered int

	for {
		msgs, next, err := w.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Queue.Stream,
			Group:    w.cfg.Queue.Group,
			Consumer: w.consumer,
			MinIdle:  staleClaimIdle,
			Start:    start,
			Count:    100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("failed to claim stale requests on startup",
					slog.String("error", err.Error()))
			}
			return
		}

		for _, msg := range msgs {
			if !w.dispatch(ctx, msg) {
				return
			}
			recovered++
		}

		if len(msgs) == 0 || next == "0-0" {
			break
		}
		start = next
	}

	if recovered > 0 {
		w.log.Info("recovered stale requests on startup", slog.Int("count", recovered))
	}
}

// acquire takes one permit from the current semaphore and counts the
// request in-flight. When an adjustment swapped the semaphore while we
// waited, the stale permit is returned and the acquire retried.
func (w *Worker) acquire(ctx context.Context) (*semaphore.Weighted, error) {
	for {
		w.mu.Lock()
		sem := w.sem
		w.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}

		w.mu.Lock()
		if w.sem == sem {
			w.inFlight++
			w.mu.Unlock()
			return sem, nil
		}
		w.mu.Unlock()
		sem.Release(1)
	}
}

func (w *Worker) release(sem *semaphore.Weighted) {
	sem.Release(1)

	w.mu.Lock()
	w.inFlight--
	if w.inFlight == 0 && w.pendingTarget > 0 {
		w.applyLocked(w.pendingTarget, w.pendingReason)
		w.pendingTarget = 0
		w.pendingReason = ""
	}
	w.mu.Unlock()
}

func (w *Worker) currentConcurrency() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.concurrency
}

// handleMessage processes one stream entry end to end: decode, expiry
// check, completion, response write, ack. The message is acked on every
// terminal path so it is never redelivered after a decision was recorded.
func (w *Worker) handleMessage(msg redis.XMessage) {
	ctx := context.Background()

	raw, ok := msg.Values[streamField].(string)
	if !ok {
		w.log.Error("malformed stream entry", slog.String("message_id", msg.ID))
		w.ack(ctx, msg.ID)
		return
	}

	var req Request
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		w.log.Error("failed to decode request",
			slog.String("message_id", msg.ID),
			slog.String("error", err.Error()))
		w.ack(ctx, msg.ID)
		return
	}

	log := w.log.With(
		slog.String("request_id", req.ID),
		slog.String("type", string(req.Type)))

	if req.IsExpired() {
		resp := &Response{
			RequestID:   req.ID,
			Status:      StatusTimeout,
			Error:       "request expired before dispatch",
			CompletedAt: time.Now().UTC(),
		}
		if err := w.queue.writeResponse(ctx, resp); err != nil {
			log.Error("failed to write timeout response", slog.String("error", err.Error()))
		}
		w.ack(ctx, msg.ID)
		w.recordTimeout()
		return
	}

	start := time.Now()
	result, err := w.execute(ctx, &req)
	if err != nil {
		log.Warn("request failed",
			slog.Int("retry_count", req.RetryCount),
			slog.String("error", err.Error()))
		w.handleFailure(ctx, &req, err)
		w.ack(ctx, msg.ID)
		if isTimeoutErr(err) {
			w.recordTimeout()
		} else {
			w.recordFailure()
		}
		return
	}

	resp := &Response{
		RequestID:        req.ID,
		Status:           StatusSuccess,
		Result:           result,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		CompletedAt:      time.Now().UTC(),
	}
	if err := w.queue.writeResponse(ctx, resp); err != nil {
		log.Error("failed to write response", slog.String("error", err.Error()))
	}
	w.ack(ctx, msg.ID)
	w.recordSuccess()

	log.Debug("request completed",
		slog.Int64("processing_time_ms", resp.ProcessingTimeMs))
}

// execute runs the completion for a request and returns the result payload.
func (w *Worker) execute(ctx context.Context, req *Request) (json.RawMessage, error) {
	system, user, err := req.Prompts()
	if err != nil {
		return nil, err
	}
	if req.RetryCount > 0 {
		if system != "" {
			system += "\n\n"
		}
		system += concisenessInstruction
	}

	temperature := w.cfg.LLM.BaseTemperature +
		float64(req.RetryCount)*w.cfg.LLM.RetryTemperatureIncrement

	timeout := w.cfg.LLM.Timeout()
	if !req.TimeoutAt.IsZero() {
		if until := time.Until(req.TimeoutAt); until < timeout {
			timeout = until
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := w.provider.Complete(callCtx, llm.Request{
		Prompt:       user,
		SystemPrompt: system,
		Model:        req.Model(),
		Temperature:  temperature,
		MaxTokens:    req.MaxTokens(w.cfg.LLM.MaxTokens),
		JSONMode:     req.WantsJSON(),
	})
	if err != nil {
		return nil, err
	}

	if req.Type == TypeExtractFieldGroup && req.FieldGroup.IsEntityList &&
		out.FinishReason == llm.FinishLength {
		// A truncated entity list is cut mid-record and cannot be
		// repaired; an empty result lets the caller move on instead of
		// retrying into the same token limit.
		return json.Marshal(map[string]any{req.FieldGroup.GroupName: []any{}, "confidence": 0})
	}

	if !req.WantsJSON() {
		return json.Marshal(out.Content)
	}

	repaired := llm.RepairJSON(out.Content)
	if repaired == "" {
		return nil, fmt.Errorf("model returned no parseable JSON (finish_reason=%s)", out.FinishReason)
	}
	return json.RawMessage(repaired), nil
}

// handleFailure retries the request or, once retries are exhausted, moves
// it to the DLQ and writes an error response so the caller unblocks.
func (w *Worker) handleFailure(ctx context.Context, req *Request, cause error) {
	if req.RetryCount < w.cfg.Worker.MaxRetries-1 {
		retry := *req
		retry.RetryCount++
		if err := w.queue.enqueue(ctx, &retry); err != nil {
			w.log.Error("failed to re-enqueue request for retry",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()))
		} else {
			return
		}
	}

	if err := w.dlq.Push(ctx, req, cause); err != nil {
		w.log.Error("failed to push request to DLQ",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
	}

	resp := &Response{
		RequestID:   req.ID,
		Status:      StatusError,
		Error:       cause.Error(),
		CompletedAt: time.Now().UTC(),
	}
	if err := w.queue.writeResponse(ctx, resp); err != nil {
		w.log.Error("failed to write error response",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) ack(ctx context.Context, msgID string) {
	err := w.rdb.XAck(ctx, w.cfg.Queue.Stream, w.cfg.Queue.Group, msgID).Err()
	if err != nil {
		w.log.Error("failed to ack message",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()))
	}
	// Acked entries are removed so the stream length keeps meaning queue
	// depth; entries otherwise outlive their consumption.
	if err := w.rdb.XDel(ctx, w.cfg.Queue.Stream, msgID).Err(); err != nil {
		w.log.Error("failed to delete acked message",
			slog.String("message_id", msgID),
			slog.String("error", err.Error()))
	}
}

func (w *Worker) adjustLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Worker.AdjustmentInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.adjustConcurrency()
		}
	}
}

// adjustConcurrency re-evaluates worker parallelism against the last
// window: a timeout rate above 10% scales down by 30%, a rate below 2%
// with more than 50 successes scales up by 20%, both clamped to the
// configured range. The semaphore is only replaced while nothing is in
// flight; otherwise the target is parked until the last request completes.
func (w *Worker) adjustConcurrency() {
	w.statsMu.Lock()
	successes := w.successes
	failures := w.failures
	timeouts := w.timeouts
	total := successes + failures + timeouts
	if total < minAdjustmentSamples {
		w.statsMu.Unlock()
		return
	}
	w.successes, w.failures, w.timeouts = 0, 0, 0
	w.statsMu.Unlock()

	timeoutRate := float64(timeouts) / float64(total)

	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.concurrency
	target := current
	var reason string
	switch {
	case timeoutRate > 0.10:
		target = current * 7 / 10
		if target < w.cfg.Worker.MinConcurrency {
			target = w.cfg.Worker.MinConcurrency
		}
		reason = "timeout_rate_high"
	case timeoutRate < 0.02 && successes > 50:
		target = current * 12 / 10
		if target > w.cfg.Worker.MaxConcurrency {
			target = w.cfg.Worker.MaxConcurrency
		}
		reason = "healthy_window"
	}

	if target == current {
		return
	}
	if target > current && w.healthCritical() {
		w.log.Warn("skipping concurrency increase, system health critical",
			slog.Int("current", current),
			slog.Int("target", target))
		return
	}

	if w.inFlight == 0 {
		w.applyLocked(target, reason)
	} else {
		w.pendingTarget = target
		w.pendingReason = reason
		w.log.Debug("concurrency adjustment deferred until in-flight drains",
			slog.Int("in_flight", w.inFlight),
			slog.Int("target", target))
	}
}

// applyLocked swaps in a fresh semaphore at the target width. Callers hold
// w.mu and have verified nothing is in flight.
func (w *Worker) applyLocked(target int, reason string) {
	direction := "up"
	if target < w.concurrency {
		direction = "down"
	}
	old := w.concurrency
	w.concurrency = target
	w.sem = semaphore.NewWeighted(int64(target))

	syshealth.WorkerConcurrency.WithLabelValues(workerType).Set(float64(target))
	syshealth.WorkerAdjustments.WithLabelValues(workerType, direction, reason).Inc()

	w.log.Info("worker concurrency adjusted",
		slog.Int("old", old),
		slog.Int("new", target),
		slog.String("reason", reason))
}

func (w *Worker) healthCritical() bool {
	if w.monitor == nil {
		return false
	}
	h := w.monitor.GetHealth()
	return h != nil && !h.Stale && h.Zone == syshealth.HealthZoneCritical
}

func (w *Worker) recordSuccess() {
	w.statsMu.Lock()
	w.successes++
	w.statsMu.Unlock()
}

func (w *Worker) recordFailure() {
	w.statsMu.Lock()
	w.failures++
	w.statsMu.Unlock()
}

func (w *Worker) recordTimeout() {
	w.statsMu.Lock()
	w.timeouts++
	w.statsMu.Unlock()
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *apperror.APIError
	return errors.As(err, &apiErr) && apiErr.Kind == apperror.APIErrorTimeout
}
