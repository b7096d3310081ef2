// Package classifier decides which field groups apply to a page before any
// extraction happens. A rule-based URL skip runs first; past that, page and
// group embeddings are compared and mid-confidence pages go through the
// reranker. The goal is to spend model budget only on pages a group can
// plausibly match.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// summaryContentLimit bounds how much page content feeds the summary
// embedding. The opening of a page carries almost all of its topical
// signal.
const summaryContentLimit = 1500

// Embedder is the slice of the embeddings service the classifier needs.
type Embedder interface {
	IsEnabled() bool
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
	EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error)
	Rerank(ctx context.Context, query string, documents []string) ([]embeddings.RerankResult, error)
}

// Classifier implements the extraction.GroupSelector contract.
type Classifier struct {
	embedder Embedder
	cache    *embeddingCache
	cfg      *config.ClassifierConfig
	log      *slog.Logger
}

// NewClassifier creates the smart classifier.
func NewClassifier(embedder Embedder, rdb *redis.Client, cfg *config.Config, log *slog.Logger) *Classifier {
	return &Classifier{
		embedder: embedder,
		cache:    newEmbeddingCache(rdb, cfg.Classifier.CacheTTL(), log),
		cfg:      &cfg.Classifier,
		log:      log.With(logger.Scope("classifier")),
	}
}

// CacheStats is a snapshot of the group-embedding cache: cumulative
// process-local hit/miss counts plus the number of live entries in Redis.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Entries int64 `json:"entries"`
}

// CacheStats reports the embedding cache snapshot. The entry count comes
// from a Redis key scan and is the only part that can fail.
func (c *Classifier) CacheStats(ctx context.Context) (CacheStats, error) {
	stats := CacheStats{
		Hits:   c.cache.hits.Load(),
		Misses: c.cache.misses.Load(),
	}
	entries, err := c.cache.entryCount(ctx)
	if err != nil {
		return stats, fmt.Errorf("count cache entries: %w", err)
	}
	stats.Entries = entries
	return stats, nil
}

// SelectGroups decides the field groups to run for a page. An empty Groups
// list means "run all groups" - the conservative answer whenever the
// classifier cannot commit to a subset.
func (c *Classifier) SelectGroups(ctx context.Context, page extraction.PageSignals, project *projects.Project) (*extraction.GroupSelection, error) {
	patterns := resolveSkipPatterns(project, c.cfg)
	if pattern, ok := matchesSkipPattern(page.URL, patterns); ok {
		c.log.Debug("page skipped by URL pattern",
			slog.String("url", page.URL),
			slog.String("pattern", pattern))
		return &extraction.GroupSelection{SkipExtraction: true}, nil
	}

	if !smartEnabled(project, c.cfg) || !c.embedder.IsEnabled() || len(project.Schema) == 0 {
		return &extraction.GroupSelection{}, nil
	}

	summary := pageSummary(page)
	pageVec, err := c.embedder.EmbedQuery(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("embed page summary: %w", err)
	}
	if len(pageVec) == 0 {
		return &extraction.GroupSelection{}, nil
	}

	groupTexts := make([]string, len(project.Schema))
	for i := range project.Schema {
		groupTexts[i] = groupText(&project.Schema[i])
	}
	groupVecs, err := c.groupEmbeddings(ctx, groupTexts)
	if err != nil {
		return nil, fmt.Errorf("embed field groups: %w", err)
	}

	var (
		high      []string
		positive  []string
		positIdx  []int
		bestScore float64
	)
	for i := range project.Schema {
		score := cosine(pageVec, groupVecs[i])
		if score > bestScore {
			bestScore = score
		}
		if score >= c.cfg.HighThreshold {
			high = append(high, project.Schema[i].Name)
		}
		if score >= c.cfg.LowThreshold {
			positive = append(positive, project.Schema[i].Name)
			positIdx = append(positIdx, i)
		}
	}

	switch {
	case len(high) > 0:
		return &extraction.GroupSelection{Groups: high}, nil
	case bestScore < c.cfg.LowThreshold:
		// Nothing resembles the page; better to run everything than to
		// silently drop a group on a page we cannot read.
		return &extraction.GroupSelection{}, nil
	}

	reranked, err := c.rerankGroups(ctx, summary, groupTexts, positIdx, project)
	if err != nil {
		c.log.Warn("rerank failed, using embedding matches",
			slog.String("url", page.URL), logger.Error(err))
		return &extraction.GroupSelection{Groups: positive}, nil
	}
	return &extraction.GroupSelection{Groups: reranked}, nil
}

// groupEmbeddings resolves group texts through the cache, embedding the
// misses in a single batch call and writing them back.
func (c *Classifier) groupEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := c.cache.getBatch(ctx, texts)

	var missTexts []string
	var missIdx []int
	for i, v := range vecs {
		if v == nil {
			missTexts = append(missTexts, texts[i])
			missIdx = append(missIdx, i)
		}
	}
	if len(missTexts) == 0 {
		return vecs, nil
	}

	embedded, err := c.embedder.EmbedDocuments(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(missTexts) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, want %d", len(embedded), len(missTexts))
	}
	for j, i := range missIdx {
		vecs[i] = embedded[j]
	}
	c.cache.putBatch(ctx, missTexts, embedded)
	return vecs, nil
}

// rerankGroups scores the embedding-positive groups against the page
// summary with the cross-encoder and keeps those above the reranker
// threshold.
func (c *Classifier) rerankGroups(ctx context.Context, summary string, groupTexts []string, candidateIdx []int, project *projects.Project) ([]string, error) {
	docs := make([]string, len(candidateIdx))
	for j, i := range candidateIdx {
		docs[j] = groupTexts[i]
	}
	results, err := c.embedder.Rerank(ctx, summary, docs)
	if err != nil {
		return nil, err
	}

	var kept []string
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidateIdx) {
			continue
		}
		if r.RelevanceScore >= c.cfg.RerankerThreshold {
			kept = append(kept, project.Schema[candidateIdx[r.Index]].Name)
		}
	}
	return kept, nil
}

// pageSummary builds the text whose embedding stands in for the page.
func pageSummary(page extraction.PageSignals) string {
	var b strings.Builder
	if page.Title != "" {
		b.WriteString(page.Title)
		b.WriteString("\n")
	}
	b.WriteString(page.URL)
	b.WriteString("\n")
	content := page.Content
	if len(content) > summaryContentLimit {
		content = content[:summaryContentLimit]
	}
	b.WriteString(content)
	return b.String()
}

// groupText is the stable text a field group is embedded as: name,
// description and field names.
func groupText(g *projects.FieldGroup) string {
	parts := []string{g.Name}
	if g.Description != "" {
		parts = append(parts, g.Description)
	}
	names := make([]string, 0, len(g.Fields))
	for i := range g.Fields {
		names = append(names, g.Fields[i].Name)
	}
	if len(names) > 0 {
		parts = append(parts, strings.Join(names, ", "))
	}
	return strings.Join(parts, "\n")
}

// cosine is the cosine similarity of two vectors, 0 when either is empty
// or their lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
