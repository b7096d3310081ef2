package classifier

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/embeddings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClassifierConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Classifier = config.ClassifierConfig{
		Enabled:           true,
		HighThreshold:     0.60,
		LowThreshold:      0.35,
		RerankerThreshold: 0.5,
		CacheTTLSeconds:   60,
	}
	return cfg
}

// fakeEmbedder returns canned vectors: the page embeds to pageVec, group
// texts embed to groupVecs keyed by text. Rerank returns rerank scores in
// document order unless rerankErr is set.
type fakeEmbedder struct {
	pageVec      []float32
	groupVecs    map[string][]float32
	rerankScores []float64
	rerankErr    error

	embedDocCalls int
	rerankCalls   int
}

func (f *fakeEmbedder) IsEnabled() bool { return true }

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return f.pageVec, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	f.embedDocCalls++
	out := make([][]float32, len(documents))
	for i, d := range documents {
		out[i] = f.groupVecs[d]
	}
	return out, nil
}

func (f *fakeEmbedder) Rerank(ctx context.Context, query string, documents []string) ([]embeddings.RerankResult, error) {
	f.rerankCalls++
	if f.rerankErr != nil {
		return nil, f.rerankErr
	}
	out := make([]embeddings.RerankResult, len(documents))
	for i := range documents {
		score := 0.0
		if i < len(f.rerankScores) {
			score = f.rerankScores[i]
		}
		out[i] = embeddings.RerankResult{Index: i, RelevanceScore: score}
	}
	return out, nil
}

func newTestClassifier(t *testing.T, emb Embedder, cfg *config.Config) *Classifier {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewClassifier(emb, rdb, cfg, testLogger())
}

func boolPtr(b bool) *bool            { return &b }
func patternsPtr(p []string) *[]string { return &p }

func twoGroupProject() *projects.Project {
	return &projects.Project{
		Schema: projects.Schema{
			{Name: "pricing", Description: "plans and prices", Fields: []projects.FieldDefinition{
				{Name: "plan_name", Type: projects.FieldText},
				{Name: "monthly_price", Type: projects.FieldFloat},
			}},
			{Name: "limits", Description: "rate limits", Fields: []projects.FieldDefinition{
				{Name: "requests_per_minute", Type: projects.FieldInteger},
			}},
		},
	}
}

func TestResolveSkipPatterns(t *testing.T) {
	tests := []struct {
		name        string
		project     projects.ClassificationConfig
		enabled     bool
		forceDefault bool
		want        string // "explicit", "none", "defaults"
	}{
		{
			name:    "explicit list wins",
			project: projects.ClassificationConfig{SkipPatterns: patternsPtr([]string{"/custom"})},
			enabled: true,
			want:    "explicit",
		},
		{
			name:    "explicit empty list disables skipping",
			project: projects.ClassificationConfig{SkipPatterns: patternsPtr([]string{})},
			enabled: false,
			want:    "none",
		},
		{
			name:    "nil patterns with smart enabled skips nothing",
			project: projects.ClassificationConfig{},
			enabled: true,
			want:    "none",
		},
		{
			name:    "nil patterns with smart disabled uses defaults",
			project: projects.ClassificationConfig{},
			enabled: false,
			want:    "defaults",
		},
		{
			name:         "global override forces defaults",
			project:      projects.ClassificationConfig{},
			enabled:      true,
			forceDefault: true,
			want:         "defaults",
		},
		{
			name:    "project smart override beats global",
			project: projects.ClassificationConfig{SmartClassification: boolPtr(false)},
			enabled: true,
			want:    "defaults",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.ClassifierConfig{Enabled: tt.enabled, UseDefaultSkipPatterns: tt.forceDefault}
			project := &projects.Project{Classification: tt.project}
			got := resolveSkipPatterns(project, cfg)

			switch tt.want {
			case "explicit":
				if len(got) != 1 || got[0] != "/custom" {
					t.Errorf("got %v, want the explicit list", got)
				}
			case "none":
				if len(got) != 0 {
					t.Errorf("got %v, want no patterns", got)
				}
			case "defaults":
				if len(got) != len(defaultSkipPatterns) {
					t.Errorf("got %d patterns, want the %d defaults", len(got), len(defaultSkipPatterns))
				}
			}
		})
	}
}

func TestSelectGroupsSkipsByPattern(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()
	project.Classification.SkipPatterns = patternsPtr([]string{"/careers"})

	c := newTestClassifier(t, &fakeEmbedder{}, cfg)
	sel, err := c.SelectGroups(context.Background(), extraction.PageSignals{URL: "https://example.com/Careers/open-roles"}, project)
	if err != nil {
		t.Fatalf("SelectGroups: %v", err)
	}
	if !sel.SkipExtraction {
		t.Error("expected SkipExtraction for matching URL")
	}
}

func TestSelectGroupsHighConfidence(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()

	// Page aligned with the pricing group and orthogonal to limits.
	emb := &fakeEmbedder{
		pageVec: []float32{1, 0, 0},
		groupVecs: map[string][]float32{
			groupText(&project.Schema[0]): {0.9, 0.1, 0},
			groupText(&project.Schema[1]): {0, 1, 0},
		},
	}
	c := newTestClassifier(t, emb, cfg)

	sel, err := c.SelectGroups(context.Background(), extraction.PageSignals{URL: "https://example.com/pricing", Content: "plans"}, project)
	if err != nil {
		t.Fatalf("SelectGroups: %v", err)
	}
	if sel.SkipExtraction {
		t.Fatal("unexpected skip")
	}
	if len(sel.Groups) != 1 || sel.Groups[0] != "pricing" {
		t.Errorf("Groups = %v, want [pricing]", sel.Groups)
	}
	if emb.rerankCalls != 0 {
		t.Errorf("reranker called %d times on a high-confidence match", emb.rerankCalls)
	}
}

func TestSelectGroupsLowConfidenceRunsAll(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()

	emb := &fakeEmbedder{
		pageVec: []float32{1, 0, 0},
		groupVecs: map[string][]float32{
			groupText(&project.Schema[0]): {0, 1, 0},
			groupText(&project.Schema[1]): {0, 0, 1},
		},
	}
	c := newTestClassifier(t, emb, cfg)

	sel, err := c.SelectGroups(context.Background(), extraction.PageSignals{URL: "https://example.com/about"}, project)
	if err != nil {
		t.Fatalf("SelectGroups: %v", err)
	}
	if len(sel.Groups) != 0 || sel.SkipExtraction {
		t.Errorf("want empty selection (all groups), got %+v", sel)
	}
}

func TestSelectGroupsMidConfidenceReranks(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()

	// Both groups land between low and high thresholds.
	emb := &fakeEmbedder{
		pageVec: []float32{1, 0, 0},
		groupVecs: map[string][]float32{
			groupText(&project.Schema[0]): {0.5, 1, 0},
			groupText(&project.Schema[1]): {0.5, 0, 1},
		},
		rerankScores: []float64{0.9, 0.2},
	}
	c := newTestClassifier(t, emb, cfg)

	sel, err := c.SelectGroups(context.Background(), extraction.PageSignals{URL: "https://example.com/product"}, project)
	if err != nil {
		t.Fatalf("SelectGroups: %v", err)
	}
	if emb.rerankCalls != 1 {
		t.Fatalf("reranker called %d times, want 1", emb.rerankCalls)
	}
	if len(sel.Groups) != 1 || sel.Groups[0] != "pricing" {
		t.Errorf("Groups = %v, want [pricing]", sel.Groups)
	}
}

func TestSelectGroupsRerankFailureFallsBack(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()

	emb := &fakeEmbedder{
		pageVec: []float32{1, 0, 0},
		groupVecs: map[string][]float32{
			groupText(&project.Schema[0]): {0.5, 1, 0},
			groupText(&project.Schema[1]): {0.5, 0, 1},
		},
		rerankErr: errors.New("rerank endpoint down"),
	}
	c := newTestClassifier(t, emb, cfg)

	sel, err := c.SelectGroups(context.Background(), extraction.PageSignals{URL: "https://example.com/product"}, project)
	if err != nil {
		t.Fatalf("SelectGroups: %v", err)
	}
	// Fallback is the embedding-positive set: both groups cleared low.
	if len(sel.Groups) != 2 {
		t.Errorf("Groups = %v, want both embedding-positive groups", sel.Groups)
	}
}

func TestGroupEmbeddingCacheRoundTrip(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()

	emb := &fakeEmbedder{
		pageVec: []float32{1, 0, 0},
		groupVecs: map[string][]float32{
			groupText(&project.Schema[0]): {0.9, 0.1, 0},
			groupText(&project.Schema[1]): {0, 1, 0},
		},
	}
	c := newTestClassifier(t, emb, cfg)

	page := extraction.PageSignals{URL: "https://example.com/pricing", Content: "plans"}
	if _, err := c.SelectGroups(context.Background(), page, project); err != nil {
		t.Fatalf("first SelectGroups: %v", err)
	}
	if emb.embedDocCalls != 1 {
		t.Fatalf("embedDocCalls = %d after cold run, want 1", emb.embedDocCalls)
	}

	// Second run hits the cache for every group text.
	if _, err := c.SelectGroups(context.Background(), page, project); err != nil {
		t.Fatalf("second SelectGroups: %v", err)
	}
	if emb.embedDocCalls != 1 {
		t.Errorf("embedDocCalls = %d after warm run, want 1", emb.embedDocCalls)
	}
}

func TestCacheStats(t *testing.T) {
	cfg := testClassifierConfig()
	project := twoGroupProject()

	emb := &fakeEmbedder{
		pageVec: []float32{1, 0, 0},
		groupVecs: map[string][]float32{
			groupText(&project.Schema[0]): {0.9, 0.1, 0},
			groupText(&project.Schema[1]): {0, 1, 0},
		},
	}
	c := newTestClassifier(t, emb, cfg)

	page := extraction.PageSignals{URL: "https://example.com/pricing", Content: "plans"}
	for i := 0; i < 2; i++ {
		if _, err := c.SelectGroups(context.Background(), page, project); err != nil {
			t.Fatalf("SelectGroups run %d: %v", i, err)
		}
	}

	stats, err := c.CacheStats(context.Background())
	if err != nil {
		t.Fatalf("CacheStats: %v", err)
	}
	// Cold run misses both groups, warm run hits both.
	if stats.Misses != 2 {
		t.Errorf("Misses = %d, want 2", stats.Misses)
	}
	if stats.Hits != 2 {
		t.Errorf("Hits = %d, want 2", stats.Hits)
	}
	if stats.Entries != 2 {
		t.Errorf("Entries = %d, want 2", stats.Entries)
	}
}

func TestCosine(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"empty", nil, []float32{1}, 0},
		{"length mismatch", []float32{1, 2}, []float32{1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cosine(tt.a, tt.b)
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("cosine = %v, want %v", got, tt.want)
			}
		})
	}
}
