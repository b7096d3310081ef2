package dlq

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	// nil DB: audit writes are skipped, the Redis path is what's under test.
	return NewStore(rdb, nil, log)
}

func TestStorePushListCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Push(ctx, Item{Kind: KindScrape, Ref: "https://a.example/pricing", Error: "timeout"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := store.Push(ctx, Item{Kind: KindScrape, Ref: "https://b.example/docs", Error: "403"}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := store.Push(ctx, Item{Kind: KindExtraction, Ref: "src-1", Error: "model error"}); err != nil {
		t.Fatalf("push: %v", err)
	}

	n, err := store.Count(ctx, KindScrape)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("scrape count = %d, want 2", n)
	}

	items, err := store.List(ctx, KindScrape, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	// Newest first.
	if items[0].Ref != "https://b.example/docs" {
		t.Errorf("first item ref = %q, want the most recent push", items[0].Ref)
	}
	if items[0].ID == "" || items[0].FailedAt.IsZero() {
		t.Error("push should assign id and failed_at")
	}
}

func TestStorePushRejectsUnknownKind(t *testing.T) {
	store := newTestStore(t)
	if err := store.Push(context.Background(), Item{Kind: Kind("bogus"), Ref: "x"}); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestStoreTake(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := Item{ID: "item-1", Kind: KindExtraction, Ref: "src-9", Error: "gave up"}
	if err := store.Push(ctx, item); err != nil {
		t.Fatalf("push: %v", err)
	}

	taken, err := store.Take(ctx, KindExtraction, "item-1")
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if taken == nil || taken.Ref != "src-9" {
		t.Fatalf("take returned %+v, want the pushed item", taken)
	}

	// The item is gone afterwards.
	again, err := store.Take(ctx, KindExtraction, "item-1")
	if err != nil {
		t.Fatalf("second take: %v", err)
	}
	if again != nil {
		t.Error("item should be removed after Take")
	}
	n, _ := store.Count(ctx, KindExtraction)
	if n != 0 {
		t.Errorf("count = %d after take, want 0", n)
	}
}
