package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// groupCacheKeyPrefix namespaces cached field-group embeddings. Keys hash
// the group text, so a changed description naturally misses the cache.
const groupCacheKeyPrefix = "ke:classifier:group:"

// embeddingCache stores field-group embeddings in Redis with a TTL. Group
// texts change rarely, so the cache removes nearly all group-side embedding
// calls from the hot path.
type embeddingCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger

	// process-local counters, read by the scheduler's stats sweep
	hits   atomic.Int64
	misses atomic.Int64
}

func newEmbeddingCache(rdb *redis.Client, ttl time.Duration, log *slog.Logger) *embeddingCache {
	return &embeddingCache{rdb: rdb, ttl: ttl, log: log.With(logger.Scope("classifier.cache"))}
}

func groupCacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return groupCacheKeyPrefix + hex.EncodeToString(sum[:16])
}

// getBatch fetches cached embeddings for the given texts in one MGET.
// The result has one slot per text; nil marks a miss. A cache failure is
// reported as all-misses so the caller can fall back to embedding.
func (c *embeddingCache) getBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = groupCacheKey(t)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.Warn("embedding cache read failed", logger.Error(err))
		c.misses.Add(int64(len(texts)))
		return out
	}

	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			c.misses.Add(1)
			continue
		}
		var vec []float32
		if err := json.Unmarshal([]byte(s), &vec); err != nil {
			c.log.Warn("corrupt cached embedding, treating as miss",
				slog.String("key", keys[i]), logger.Error(err))
			c.misses.Add(1)
			continue
		}
		out[i] = vec
		c.hits.Add(1)
	}
	return out
}

// entryCount scans Redis for the number of live cached group embeddings.
func (c *embeddingCache) entryCount(ctx context.Context) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, groupCacheKeyPrefix+"*", 200).Result()
		if err != nil {
			return 0, err
		}
		count += int64(len(keys))
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// putBatch writes embeddings back with the configured TTL in one pipeline.
// Failures are logged and ignored; the cache is an optimisation, not state.
func (c *embeddingCache) putBatch(ctx context.Context, texts []string, vectors [][]float32) {
	if len(texts) == 0 {
		return
	}
	pipe := c.rdb.Pipeline()
	for i, t := range texts {
		if i >= len(vectors) || len(vectors[i]) == 0 {
			continue
		}
		data, err := json.Marshal(vectors[i])
		if err != nil {
			continue
		}
		pipe.Set(ctx, groupCacheKey(t), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("embedding cache write failed", logger.Error(err))
	}
}
