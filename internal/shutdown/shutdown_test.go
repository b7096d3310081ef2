package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

func TestShutdownRunsCallbacksInOrder(t *testing.T) {
	m := NewManager(slog.Default())

	var order []string
	m.Register("first", func(ctx context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.Register("second", func(ctx context.Context) error {
		order = append(order, "second")
		return errors.New("boom")
	})
	m.Register("third", func(ctx context.Context) error {
		order = append(order, "third")
		return nil
	})

	if m.IsShuttingDown() {
		t.Fatal("manager reports shutting down before Shutdown")
	}
	m.Shutdown(context.Background())

	if !m.IsShuttingDown() {
		t.Error("manager should report shutting down after Shutdown")
	}
	want := []string{"first", "second", "third"}
	if len(order) != len(want) {
		t.Fatalf("got %d callbacks, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callback %d = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(slog.Default())

	calls := 0
	m.Register("once", func(ctx context.Context) error {
		calls++
		return nil
	})

	m.Shutdown(context.Background())
	m.Shutdown(context.Background())

	if calls != 1 {
		t.Errorf("callback ran %d times, want 1", calls)
	}
}
