package llmqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// DLQ holds requests that exhausted their retries. Items live in a Redis
// list, newest first, and can be reprocessed after the underlying problem
// is fixed.
type DLQ struct {
	rdb   *redis.Client
	queue *Queue
	key   string
	log   *slog.Logger
}

// NewDLQ creates the dead-letter queue.
func NewDLQ(rdb *redis.Client, queue *Queue, cfg *config.Config, log *slog.Logger) *DLQ {
	return &DLQ{
		rdb:   rdb,
		queue: queue,
		key:   cfg.Queue.DLQKey,
		log:   log.With(logger.Scope("llmqueue.dlq")),
	}
}

// Push records a failed request with its final error.
func (d *DLQ) Push(ctx context.Context, req *Request, cause error) error {
	item := DLQItem{
		ID:         req.ID,
		Request:    req,
		Error:      cause.Error(),
		FailedAt:   time.Now().UTC(),
		RetryCount: req.RetryCount,
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode DLQ item: %w", err)
	}
	if err := d.rdb.LPush(ctx, d.key, data).Err(); err != nil {
		return fmt.Errorf("push DLQ item: %w", err)
	}

	d.log.Warn("request moved to DLQ",
		slog.String("request_id", req.ID),
		slog.String("type", string(req.Type)),
		slog.Int("retry_count", req.RetryCount),
		slog.String("error", cause.Error()))
	return nil
}

// List returns up to limit items, newest first. A non-positive limit
// returns everything.
func (d *DLQ) List(ctx context.Context, limit int) ([]DLQItem, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raws, err := d.rdb.LRange(ctx, d.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list DLQ items: %w", err)
	}

	items := make([]DLQItem, 0, len(raws))
	for _, raw := range raws {
		var item DLQItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			d.log.Warn("skipping undecodable DLQ item", slog.String("error", err.Error()))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Count returns the number of items in the DLQ.
func (d *DLQ) Count(ctx context.Context) (int64, error) {
	n, err := d.rdb.LLen(ctx, d.key).Result()
	if err != nil {
		return 0, fmt.Errorf("count DLQ items: %w", err)
	}
	return n, nil
}

// Reprocess removes the item with the given request id and re-submits its
// request with the retry count reset to zero. The submit goes through the
// normal depth check, so a full queue fails the reprocess and the item is
// put back.
func (d *DLQ) Reprocess(ctx context.Context, requestID string) error {
	raws, err := d.rdb.LRange(ctx, d.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("scan DLQ: %w", err)
	}

	for _, raw := range raws {
		var item DLQItem
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			continue
		}
		if item.ID != requestID {
			continue
		}

		if err := d.rdb.LRem(ctx, d.key, 1, raw).Err(); err != nil {
			return fmt.Errorf("remove DLQ item: %w", err)
		}

		req := item.Request
		req.RetryCount = 0
		if _, err := d.queue.Submit(ctx, req); err != nil {
			if pushErr := d.rdb.LPush(ctx, d.key, raw).Err(); pushErr != nil {
				d.log.Error("failed to restore DLQ item after submit failure",
					slog.String("request_id", requestID),
					slog.String("error", pushErr.Error()))
			}
			return fmt.Errorf("resubmit DLQ item: %w", err)
		}

		d.log.Info("DLQ item reprocessed", slog.String("request_id", requestID))
		return nil
	}

	return apperror.NewNotFound("DLQ item", requestID)
}
