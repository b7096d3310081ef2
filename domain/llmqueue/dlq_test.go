package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

func newTestDLQ(t *testing.T, cfg *config.Config) (*DLQ, *Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	q := NewQueue(rdb, cfg, testLogger())
	return NewDLQ(rdb, q, cfg, testLogger()), q
}

func TestDLQPushAndList(t *testing.T) {
	d, _ := newTestDLQ(t, testConfig())
	ctx := context.Background()

	first := newCompleteRequest("first")
	first.RetryCount = 2
	second := newCompleteRequest("second")
	second.RetryCount = 2

	if err := d.Push(ctx, first, fmt.Errorf("model unavailable")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if err := d.Push(ctx, second, fmt.Errorf("rate limited")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	n, err := d.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	items, err := d.List(ctx, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("List() returned %d items, want 2", len(items))
	}
	// Newest first.
	if items[0].ID != second.ID || items[1].ID != first.ID {
		t.Errorf("List() order = [%s, %s], want [%s, %s]",
			items[0].ID, items[1].ID, second.ID, first.ID)
	}
	if items[0].Error != "rate limited" {
		t.Errorf("Error = %q", items[0].Error)
	}
	if items[0].RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", items[0].RetryCount)
	}
	if items[0].Request == nil || items[0].Request.Complete == nil {
		t.Fatal("DLQ item lost its request payload")
	}
	if items[0].Request.Complete.UserPrompt != "second" {
		t.Errorf("payload prompt = %q", items[0].Request.Complete.UserPrompt)
	}

	limited, err := d.List(ctx, 1)
	if err != nil {
		t.Fatalf("List(1) error = %v", err)
	}
	if len(limited) != 1 || limited[0].ID != second.ID {
		t.Errorf("List(1) = %+v", limited)
	}
}

func TestDLQReprocess(t *testing.T) {
	d, q := newTestDLQ(t, testConfig())
	ctx := context.Background()

	req := newCompleteRequest("try again")
	req.RetryCount = 2
	if err := d.Push(ctx, req, fmt.Errorf("model unavailable")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if err := d.Reprocess(ctx, req.ID); err != nil {
		t.Fatalf("Reprocess() error = %v", err)
	}

	if n, _ := d.Count(ctx); n != 0 {
		t.Errorf("Count() = %d after reprocess, want 0", n)
	}
	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("Depth() = %d, want 1", depth)
	}

	// The resubmitted copy starts its retry budget over.
	msgs, err := q.rdb.XRange(ctx, q.cfg.Stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	var got Request
	if err := json.Unmarshal([]byte(msgs[0].Values[streamField].(string)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != req.ID || got.RetryCount != 0 {
		t.Errorf("resubmitted = id %q rc %d, want id %q rc 0", got.ID, got.RetryCount, req.ID)
	}
}

func TestDLQReprocessMissing(t *testing.T) {
	d, _ := newTestDLQ(t, testConfig())

	err := d.Reprocess(context.Background(), "no-such-request")
	if err == nil {
		t.Fatal("Reprocess() of unknown id should fail")
	}
	var appErr *apperror.Error
	if !errors.As(err, &appErr) || appErr.Code != "not_found" {
		t.Errorf("Reprocess() error = %v, want not_found", err)
	}
}

func TestDLQReprocessRestoresItemWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxDepth = 1
	d, q := newTestDLQ(t, cfg)
	ctx := context.Background()

	if _, err := q.Submit(ctx, newCompleteRequest("occupies the only slot")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	req := newCompleteRequest("stuck")
	req.RetryCount = 2
	if err := d.Push(ctx, req, fmt.Errorf("model unavailable")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	err := d.Reprocess(ctx, req.ID)
	if !errors.Is(err, apperror.ErrQueueFull) {
		t.Fatalf("Reprocess() error = %v, want ErrQueueFull", err)
	}

	// The item goes back so it is not lost.
	if n, _ := d.Count(ctx); n != 1 {
		t.Errorf("Count() = %d after failed reprocess, want 1", n)
	}
	items, err := d.List(ctx, 1)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if items[0].ID != req.ID {
		t.Errorf("restored item id = %q, want %q", items[0].ID, req.ID)
	}
}
