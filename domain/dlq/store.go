// Package dlq is the dead-letter surface for work that exhausted its
// retries: failed scrapes, failed source extractions, and LLM requests the
// queue worker gave up on. Items are kept for inspection and can be
// replayed once the underlying problem is fixed.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Kind scopes dead-letter items by the subsystem that produced them.
type Kind string

const (
	KindScrape     Kind = "scrape"
	KindExtraction Kind = "extraction"
	KindLLM        Kind = "llm"
)

// ValidKind reports whether k names a dead-letter list.
func ValidKind(k Kind) bool {
	return k == KindScrape || k == KindExtraction || k == KindLLM
}

// maxItems bounds each dead-letter list. The oldest entries fall off;
// a DLQ that needs more than this is an incident, not a backlog.
const maxItems = 1000

// Item is one dead-lettered unit of work. Ref identifies what failed:
// a URL for scrapes, a source id for extractions.
type Item struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	Ref        string         `json:"ref"`
	ProjectID  string         `json:"project_id,omitempty"`
	Error      string         `json:"error"`
	FailedAt   time.Time      `json:"failed_at"`
	RetryCount int            `json:"retry_count"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// auditRecord is the durable copy of a scrape or extraction dead-letter.
// The Redis lists are bounded and trimmed; this table is not, so items
// that fell off the hot list can still be found after the fact.
type auditRecord struct {
	bun.BaseModel `bun:"table:ke.dlq_items,alias:dl"`

	ID         uuid.UUID      `bun:"id,pk,type:uuid"`
	Kind       string         `bun:"kind,notnull"`
	Ref        string         `bun:"ref,notnull,default:''"`
	ProjectID  string         `bun:"project_id,nullzero"`
	Error      string         `bun:"error,notnull,default:''"`
	Payload    map[string]any `bun:"payload,type:jsonb"`
	RetryCount int            `bun:"retry_count,notnull,default:0"`
	FailedAt   time.Time      `bun:"failed_at,notnull"`
}

// Store keeps dead-letter items in per-kind Redis lists, newest first.
// Scrape and extraction items are additionally written to ke.dlq_items
// as a durable audit trail; LLM items stay Redis-only since the worker
// replays them at much higher volume.
type Store struct {
	rdb *redis.Client
	db  *bun.DB
	log *slog.Logger
}

// NewStore creates the dead-letter store.
func NewStore(rdb *redis.Client, db *bun.DB, log *slog.Logger) *Store {
	return &Store{rdb: rdb, db: db, log: log.With(logger.Scope("dlq"))}
}

func listKey(kind Kind) string {
	return "ke:dlq:" + string(kind)
}

// Push records a failed item, trimming the list to its bound.
func (s *Store) Push(ctx context.Context, item Item) error {
	if !ValidKind(item.Kind) {
		return fmt.Errorf("unknown DLQ kind: %q", item.Kind)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.FailedAt.IsZero() {
		item.FailedAt = time.Now().UTC()
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode DLQ item: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, listKey(item.Kind), data)
	pipe.LTrim(ctx, listKey(item.Kind), 0, maxItems-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push DLQ item: %w", err)
	}

	if item.Kind != KindLLM {
		s.audit(ctx, item)
	}

	s.log.Warn("item dead-lettered",
		slog.String("kind", string(item.Kind)),
		slog.String("ref", item.Ref),
		slog.String("error", item.Error))
	return nil
}

// audit persists a durable copy of the item. A failed write is logged,
// not returned: the Redis list already holds the item, and the audit
// trail must not block dead-lettering.
func (s *Store) audit(ctx context.Context, item Item) {
	if s.db == nil {
		return
	}
	id, err := uuid.Parse(item.ID)
	if err != nil {
		id = uuid.New()
	}
	rec := &auditRecord{
		ID:         id,
		Kind:       string(item.Kind),
		Ref:        item.Ref,
		ProjectID:  item.ProjectID,
		Error:      item.Error,
		Payload:    item.Payload,
		RetryCount: item.RetryCount,
		FailedAt:   item.FailedAt,
	}
	if _, err := s.db.NewInsert().Model(rec).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		s.log.Warn("DLQ audit write failed",
			slog.String("kind", string(item.Kind)),
			logger.Error(err))
	}
}

// List returns up to limit items of the kind, newest first.
func (s *Store) List(ctx context.Context, kind Kind, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := s.rdb.LRange(ctx, listKey(kind), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list DLQ items: %w", err)
	}

	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		var item Item
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			s.log.Warn("skipping corrupt DLQ item", logger.Error(err))
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Count returns the number of items of the kind.
func (s *Store) Count(ctx context.Context, kind Kind) (int64, error) {
	n, err := s.rdb.LLen(ctx, listKey(kind)).Result()
	if err != nil {
		return 0, fmt.Errorf("count DLQ items: %w", err)
	}
	return n, nil
}

// Take removes and returns the item with the given id, or nil when no such
// item exists. Used by replay so an item cannot be retried twice.
func (s *Store) Take(ctx context.Context, kind Kind, id string) (*Item, error) {
	raw, err := s.rdb.LRange(ctx, listKey(kind), 0, maxItems-1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan DLQ items: %w", err)
	}
	for _, r := range raw {
		var item Item
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		if item.ID != id {
			continue
		}
		if err := s.rdb.LRem(ctx, listKey(kind), 1, r).Err(); err != nil {
			return nil, fmt.Errorf("remove DLQ item: %w", err)
		}
		return &item, nil
	}
	return nil, nil
}
