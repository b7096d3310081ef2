package llmqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Queue = config.QueueConfig{
		Stream:                "ke:llm:requests",
		Group:                 "llm-workers",
		DLQKey:                "ke:llm:dlq",
		MaxDepth:              100,
		BackpressureThreshold: 10,
		ResponseTTLSeconds:    60,
		PollIntervalMs:        10,
	}
	cfg.LLM = config.LLMConfig{
		BaseTemperature:           0.1,
		RetryTemperatureIncrement: 0.1,
		MaxTokens:                 4096,
		TimeoutSeconds:            30,
	}
	cfg.Worker = config.WorkerConfig{
		Concurrency:               5,
		MinConcurrency:            1,
		MaxConcurrency:            20,
		MaxRetries:                3,
		AdjustmentIntervalSeconds: 3600,
	}
	return cfg
}

func newTestQueue(t *testing.T, cfg *config.Config) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, cfg, testLogger()), rdb
}

func newCompleteRequest(prompt string) *Request {
	req := NewRequest(TypeComplete, 0, time.Minute)
	req.Complete = &CompletePayload{UserPrompt: prompt}
	return req
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Request)
		wantErr bool
	}{
		{
			name:   "complete with complete payload",
			mutate: func(r *Request) { r.Complete = &CompletePayload{UserPrompt: "hi"} },
		},
		{
			name: "field group with field group payload",
			mutate: func(r *Request) {
				r.Type = TypeExtractFieldGroup
				r.FieldGroup = &FieldGroupPayload{GroupName: "pricing", Content: "text"}
			},
		},
		{
			name:    "missing payload",
			mutate:  func(r *Request) {},
			wantErr: true,
		},
		{
			name: "payload for another type",
			mutate: func(r *Request) {
				r.Facts = &FactsPayload{Content: "text"}
			},
			wantErr: true,
		},
		{
			name: "two payloads set",
			mutate: func(r *Request) {
				r.Complete = &CompletePayload{UserPrompt: "hi"}
				r.Facts = &FactsPayload{Content: "text"}
			},
			wantErr: true,
		},
		{
			name: "unknown type",
			mutate: func(r *Request) {
				r.Type = RequestType("translate")
				r.Complete = &CompletePayload{UserPrompt: "hi"}
			},
			wantErr: true,
		},
		{
			name: "missing id",
			mutate: func(r *Request) {
				r.ID = ""
				r.Complete = &CompletePayload{UserPrompt: "hi"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest(TypeComplete, 0, time.Minute)
			tt.mutate(req)
			err := req.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		timeoutAt time.Time
		want      bool
	}{
		{"future deadline", time.Now().Add(time.Minute), false},
		{"past deadline", time.Now().Add(-time.Second), true},
		{"zero deadline never expires", time.Time{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{ID: "r1", TimeoutAt: tt.timeoutAt}
			if got := req.IsExpired(); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestWantsJSON(t *testing.T) {
	fg := NewRequest(TypeExtractFieldGroup, 0, time.Minute)
	fg.FieldGroup = &FieldGroupPayload{GroupName: "pricing", Content: "text"}
	if !fg.WantsJSON() {
		t.Error("field group request should want JSON")
	}

	plain := newCompleteRequest("hi")
	if plain.WantsJSON() {
		t.Error("plain completion should not want JSON")
	}

	jsonMode := newCompleteRequest("hi")
	jsonMode.Complete.JSONMode = true
	if !jsonMode.WantsJSON() {
		t.Error("json-mode completion should want JSON")
	}
}

func TestSubmitQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxDepth = 3
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(ctx, newCompleteRequest("hi")); err != nil {
			t.Fatalf("Submit() %d error = %v", i, err)
		}
	}

	_, err := q.Submit(ctx, newCompleteRequest("one too many"))
	if !errors.Is(err, apperror.ErrQueueFull) {
		t.Errorf("Submit() at capacity error = %v, want ErrQueueFull", err)
	}

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 3 {
		t.Errorf("Depth() = %d, want 3", depth)
	}
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	q, _ := newTestQueue(t, testConfig())

	req := NewRequest(TypeExtractFacts, 0, time.Minute)
	if _, err := q.Submit(context.Background(), req); err == nil {
		t.Error("Submit() with missing payload should fail")
	}
}

func TestBackpressureStatus(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.MaxDepth = 10
	cfg.Queue.BackpressureThreshold = 5
	q, _ := newTestQueue(t, cfg)
	ctx := context.Background()

	tests := []struct {
		depth      int
		status     string
		shouldWait bool
	}{
		{0, BackpressureOK, false},
		{4, BackpressureOK, false},
		{5, BackpressureSlow, false},
		{7, BackpressureSlow, false},
		{8, BackpressureSlow, true},
		{9, BackpressureSlow, true},
		{10, BackpressureFull, true},
		{12, BackpressureFull, true},
	}

	current := 0
	for _, tt := range tests {
		for current < tt.depth {
			if err := q.enqueue(ctx, newCompleteRequest("fill")); err != nil {
				t.Fatalf("enqueue error = %v", err)
			}
			current++
		}

		bp, err := q.BackpressureStatus(ctx)
		if err != nil {
			t.Fatalf("BackpressureStatus() at depth %d error = %v", tt.depth, err)
		}
		if bp.Status != tt.status {
			t.Errorf("depth %d: Status = %q, want %q", tt.depth, bp.Status, tt.status)
		}
		if bp.ShouldWait != tt.shouldWait {
			t.Errorf("depth %d: ShouldWait = %v, want %v", tt.depth, bp.ShouldWait, tt.shouldWait)
		}
		if bp.Depth != int64(tt.depth) {
			t.Errorf("depth %d: Depth = %d", tt.depth, bp.Depth)
		}
		if bp.Threshold != 5 {
			t.Errorf("depth %d: Threshold = %d, want 5", tt.depth, bp.Threshold)
		}
	}
}

func TestWaitForResult(t *testing.T) {
	t.Run("response already written", func(t *testing.T) {
		q, rdb := newTestQueue(t, testConfig())
		ctx := context.Background()

		want := &Response{
			RequestID:        "req-1",
			Status:           StatusSuccess,
			Result:           json.RawMessage(`{"ok":true}`),
			ProcessingTimeMs: 42,
			CompletedAt:      time.Now().UTC(),
		}
		if err := q.writeResponse(ctx, want); err != nil {
			t.Fatalf("writeResponse() error = %v", err)
		}

		got, err := q.WaitForResult(ctx, "req-1", time.Second)
		if err != nil {
			t.Fatalf("WaitForResult() error = %v", err)
		}
		if got.Status != StatusSuccess {
			t.Errorf("Status = %q, want success", got.Status)
		}
		if string(got.Result) != `{"ok":true}` {
			t.Errorf("Result = %s", got.Result)
		}
		if got.ProcessingTimeMs != 42 {
			t.Errorf("ProcessingTimeMs = %d, want 42", got.ProcessingTimeMs)
		}

		// The response slot is removed on consume.
		n, err := rdb.Exists(ctx, responseKey("req-1")).Result()
		if err != nil {
			t.Fatalf("Exists() error = %v", err)
		}
		if n != 0 {
			t.Error("response key should be deleted after consume")
		}
	})

	t.Run("response written while waiting", func(t *testing.T) {
		q, _ := newTestQueue(t, testConfig())
		ctx := context.Background()

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = q.writeResponse(ctx, &Response{
				RequestID:   "req-2",
				Status:      StatusError,
				Error:       "model unavailable",
				CompletedAt: time.Now().UTC(),
			})
		}()

		got, err := q.WaitForResult(ctx, "req-2", 2*time.Second)
		if err != nil {
			t.Fatalf("WaitForResult() error = %v", err)
		}
		if got.Status != StatusError {
			t.Errorf("Status = %q, want error", got.Status)
		}
		if got.Error != "model unavailable" {
			t.Errorf("Error = %q", got.Error)
		}
	})

	t.Run("deadline yields request timeout", func(t *testing.T) {
		q, _ := newTestQueue(t, testConfig())

		start := time.Now()
		_, err := q.WaitForResult(context.Background(), "req-none", 60*time.Millisecond)
		if !errors.Is(err, apperror.ErrRequestTimeout) {
			t.Fatalf("WaitForResult() error = %v, want ErrRequestTimeout", err)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("returned after %v, before the deadline", elapsed)
		}
	})

	t.Run("at most one caller sees a response", func(t *testing.T) {
		q, _ := newTestQueue(t, testConfig())
		ctx := context.Background()

		if err := q.writeResponse(ctx, &Response{
			RequestID:   "req-3",
			Status:      StatusSuccess,
			CompletedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("writeResponse() error = %v", err)
		}

		if _, err := q.WaitForResult(ctx, "req-3", time.Second); err != nil {
			t.Fatalf("first WaitForResult() error = %v", err)
		}
		if _, err := q.WaitForResult(ctx, "req-3", 50*time.Millisecond); !errors.Is(err, apperror.ErrRequestTimeout) {
			t.Errorf("second WaitForResult() error = %v, want ErrRequestTimeout", err)
		}
	})

	t.Run("concurrent waiters race for one response", func(t *testing.T) {
		q, _ := newTestQueue(t, testConfig())
		ctx := context.Background()

		const waiters = 8
		var delivered atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < waiters; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, err := q.WaitForResult(ctx, "req-4", 300*time.Millisecond); err == nil {
					delivered.Add(1)
				}
			}()
		}

		if err := q.writeResponse(ctx, &Response{
			RequestID:   "req-4",
			Status:      StatusSuccess,
			CompletedAt: time.Now().UTC(),
		}); err != nil {
			t.Fatalf("writeResponse() error = %v", err)
		}
		close(start)
		wg.Wait()

		if n := delivered.Load(); n != 1 {
			t.Errorf("delivered to %d waiters, want exactly 1", n)
		}
	})
}

func TestRequestRoundTripsThroughStream(t *testing.T) {
	q, rdb := newTestQueue(t, testConfig())
	ctx := context.Background()

	req := NewRequest(TypeExtractFieldGroup, 2, time.Minute)
	req.RetryCount = 1
	req.FieldGroup = &FieldGroupPayload{
		GroupName:    "pricing",
		IsEntityList: true,
		Content:      "Pro plan costs $10/month",
	}

	id, err := q.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id != req.ID {
		t.Errorf("Submit() id = %q, want %q", id, req.ID)
	}

	msgs, err := rdb.XRange(ctx, q.cfg.Stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream has %d entries, want 1", len(msgs))
	}

	var got Request
	if err := json.Unmarshal([]byte(msgs[0].Values[streamField].(string)), &got); err != nil {
		t.Fatalf("decode stream entry: %v", err)
	}
	if got.ID != req.ID || got.Type != TypeExtractFieldGroup || got.Priority != 2 || got.RetryCount != 1 {
		t.Errorf("decoded request = %+v", got)
	}
	if got.FieldGroup == nil || got.FieldGroup.GroupName != "pricing" || !got.FieldGroup.IsEntityList {
		t.Errorf("decoded payload = %+v", got.FieldGroup)
	}
}
