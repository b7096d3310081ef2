package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// responseKeyPrefix is both the key namespace responses are stored under and
// the pub/sub channel waiters subscribe to.
const responseKeyPrefix = "ke:llm:resp:"

// streamField is the single field name request JSON is stored under in
// stream entries.
const streamField = "request"

// Queue accepts LLM requests and hands responses back to submitters by
// correlation id. Requests live in a Redis stream consumed through one
// consumer group; responses live in per-request keys with a TTL, published
// on a channel of the same name so waiters wake without polling delay.
type Queue struct {
	rdb *redis.Client
	cfg *config.QueueConfig
	log *slog.Logger
}

// NewQueue creates the request queue.
func NewQueue(rdb *redis.Client, cfg *config.Config, log *slog.Logger) *Queue {
	return &Queue{
		rdb: rdb,
		cfg: &cfg.Queue,
		log: log.With(logger.Scope("llmqueue")),
	}
}

// Submit enqueues a request. It fails with apperror.ErrQueueFull when the
// stream has reached MaxDepth.
func (q *Queue) Submit(ctx context.Context, req *Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		return "", fmt.Errorf("queue depth: %w", err)
	}
	if depth >= int64(q.cfg.MaxDepth) {
		return "", apperror.ErrQueueFull
	}

	if err := q.enqueue(ctx, req); err != nil {
		return "", err
	}
	return req.ID, nil
}

// enqueue appends the request to the stream without a depth check. Retry
// re-enqueues go through here so a full queue cannot strand a caller that
// is already waiting.
func (q *Queue) enqueue(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	err = q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{streamField: data},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue request: %w", err)
	}

	q.log.Debug("request enqueued",
		slog.String("request_id", req.ID),
		slog.String("type", string(req.Type)),
		slog.Int("retry_count", req.RetryCount))
	return nil
}

// WaitForResult blocks until a response for requestID arrives or timeout
// elapses. The waiter both subscribes to the response channel and polls the
// response key, so a notification published before the subscription was
// established is still picked up within one poll interval. The response key
// is deleted after a successful read; at most one caller sees a response.
func (q *Queue) WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sub := q.rdb.Subscribe(ctx, responseKey(requestID))
	defer func() { _ = sub.Close() }()
	wakeups := sub.Channel()

	ticker := time.NewTicker(q.cfg.PollInterval())
	defer ticker.Stop()

	for {
		resp, err := q.consumeResponse(ctx, requestID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, q.waitErr(ctx)
			}
			q.log.Warn("response poll failed",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
		}
		if resp != nil {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, q.waitErr(ctx)
		case <-wakeups:
			// Response published; loop consumes the key.
		case <-ticker.C:
		}
	}
}

// waitErr maps a deadline to ErrRequestTimeout; caller cancellation passes
// through unchanged.
func (q *Queue) waitErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperror.ErrRequestTimeout
	}
	return ctx.Err()
}

// consumeResponse reads and deletes the response key in one GETDEL, so a
// response is delivered to at most one waiter even when several race on
// the same request id. It returns (nil, nil) when no response has been
// written yet.
func (q *Queue) consumeResponse(ctx context.Context, requestID string) (*Response, error) {
	data, err := q.rdb.GetDel(ctx, responseKey(requestID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// writeResponse stores the response under its key with the configured TTL
// and publishes it on the channel of the same name to wake waiters. A
// publish failure is logged only; waiters fall back to polling.
func (q *Queue) writeResponse(ctx context.Context, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	key := responseKey(resp.RequestID)
	if err := q.rdb.Set(ctx, key, data, q.cfg.ResponseTTL()).Err(); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	if err := q.rdb.Publish(ctx, key, data).Err(); err != nil {
		q.log.Warn("failed to publish response wakeup",
			slog.String("request_id", resp.RequestID),
			slog.String("error", err.Error()))
	}
	return nil
}

// Depth returns the number of requests currently in the stream.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.rdb.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return depth, nil
}

// BackpressureStatus reports queue load. Status turns slow once depth
// reaches BackpressureThreshold; should-wait kicks in at 80% of MaxDepth,
// and full at MaxDepth, the point where Submit starts rejecting.
func (q *Queue) BackpressureStatus(ctx context.Context) (*Backpressure, error) {
	depth, err := q.Depth(ctx)
	if err != nil {
		return nil, err
	}

	bp := &Backpressure{
		Status:    BackpressureOK,
		Depth:     depth,
		Threshold: q.cfg.BackpressureThreshold,
	}

	switch {
	case depth >= int64(q.cfg.MaxDepth):
		bp.Status = BackpressureFull
		bp.ShouldWait = true
	case float64(depth) >= float64(q.cfg.MaxDepth)*0.8:
		bp.Status = BackpressureSlow
		bp.ShouldWait = true
	case depth >= int64(q.cfg.BackpressureThreshold):
		bp.Status = BackpressureSlow
	}
	return bp, nil
}

// ensureGroup creates the consumer group, creating the stream with it when
// absent. An already-existing group is not an error.
func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func responseKey(requestID string) string {
	return responseKeyPrefix + requestID
}
