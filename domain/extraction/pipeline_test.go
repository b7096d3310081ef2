package extraction

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/domain/entities"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/sources"
	"github.com/stackradar/knowledge-engine/pkg/vectorstore"
)

// fakeFactExtractor answers ExtractFacts with one fact whose text is the
// source content verbatim, so identical pages produce identical payloads.
type fakeFactExtractor struct{}

func (f *fakeFactExtractor) ExtractAllGroups(ctx context.Context, sourceID, markdown string, sctx *SourceContext) ([]GroupResult, error) {
	return nil, fmt.Errorf("unexpected schema extraction")
}

func (f *fakeFactExtractor) ExtractFacts(ctx context.Context, markdown string, sctx *SourceContext) ([]Fact, error) {
	return []Fact{{FactText: markdown, Category: "general", Confidence: 0.9}}, nil
}

// fakeTxRunner stands in for the database: the callback runs against a
// zero transaction the fake repositories ignore.
type fakeTxRunner struct {
	mu      sync.Mutex
	commits int
}

func (f *fakeTxRunner) RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx bun.Tx) error) error {
	if err := fn(ctx, bun.Tx{}); err != nil {
		return err
	}
	f.mu.Lock()
	f.commits++
	f.mu.Unlock()
	return nil
}

type fakeExtractionRepo struct {
	mu       sync.Mutex
	inserted []*Extraction
	embedded []uuid.UUID
}

func (f *fakeExtractionRepo) Insert(ctx context.Context, db bun.IDB, rows []*Extraction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, rows...)
	return nil
}

func (f *fakeExtractionRepo) MarkEntitiesExtracted(ctx context.Context, db bun.IDB, ids []uuid.UUID) error {
	return nil
}

func (f *fakeExtractionRepo) MarkEmbedded(ctx context.Context, ids []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.embedded = append(f.embedded, ids...)
	return nil
}

type fakeSourceRepo struct {
	mu       sync.Mutex
	byID     map[string]sources.Source
	statuses map[string]sources.SourceStatus
}

func newFakeSourceRepo(srcs []sources.Source) *fakeSourceRepo {
	r := &fakeSourceRepo{
		byID:     make(map[string]sources.Source, len(srcs)),
		statuses: make(map[string]sources.SourceStatus),
	}
	for _, s := range srcs {
		r.byID[s.ID.String()] = s
	}
	return r
}

func (f *fakeSourceRepo) ListByIDs(ctx context.Context, projectID string, ids []string) ([]sources.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sources.Source
	for _, id := range ids {
		if s, ok := f.byID[id]; ok && s.ProjectID.String() == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSourceRepo) ListPendingExtraction(ctx context.Context, projectID string) ([]sources.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sources.Source
	for _, s := range f.byID {
		if s.ProjectID.String() == projectID && s.Status == sources.StatusReady {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSourceRepo) UpdateStatus(ctx context.Context, db bun.IDB, sourceID string, status sources.SourceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[sourceID] = status
	return nil
}

type fakeProjectRepo struct {
	project *projects.Project
}

func (f *fakeProjectRepo) GetByID(ctx context.Context, id string) (*projects.Project, error) {
	if f.project != nil && f.project.ID.String() == id {
		return f.project, nil
	}
	return nil, nil
}

type fakeEntityLinker struct{}

func (f *fakeEntityLinker) Extract(ctx context.Context, text string, entityTypes []string) ([]entities.ExtractedEntity, error) {
	return nil, nil
}

func (f *fakeEntityLinker) Store(ctx context.Context, db bun.IDB, projectID uuid.UUID, sourceGroup string, extractionID uuid.UUID, candidates []entities.ExtractedEntity) (int, error) {
	return len(candidates), nil
}

// fakeEmbedder hands out one basis vector per distinct text, so equal
// texts embed identically and different texts are orthogonal.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32)}
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vectors[query]; ok {
		return v, nil
	}
	v := make([]float32, 64)
	v[len(f.vectors)%64] = 1
	f.vectors[query] = v
	return v, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, documents []string) ([][]float32, error) {
	out := make([][]float32, len(documents))
	for i, d := range documents {
		v, err := f.EmbedQuery(ctx, d)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type pipelineHarness struct {
	pipeline *Pipeline
	project  *projects.Project
	tx       *fakeTxRunner
	repo     *fakeExtractionRepo
	srcRepo  *fakeSourceRepo
	store    *vectorstore.MemoryStore
}

func newPipelineHarness(t *testing.T, srcs []sources.Source) *pipelineHarness {
	t.Helper()
	cfg := testConfig()
	project := &projects.Project{ID: uuid.New(), Name: "docs"}
	for i := range srcs {
		srcs[i].ProjectID = project.ID
	}

	h := &pipelineHarness{
		project: project,
		tx:      &fakeTxRunner{},
		repo:    &fakeExtractionRepo{},
		srcRepo: newFakeSourceRepo(srcs),
		store:   vectorstore.NewMemoryStore(),
	}
	h.pipeline = &Pipeline{
		db:       h.tx,
		orch:     &fakeFactExtractor{},
		dedup:    NewDeduplicator(newFakeEmbedder(), h.store, cfg, testLogger()),
		repo:     h.repo,
		sources:  h.srcRepo,
		projects: &fakeProjectRepo{project: project},
		entities: &fakeEntityLinker{},
		store:    h.store,
		cfg:      cfg,
		log:      testLogger(),
	}
	return h
}

func readySource(uri, group, content string) sources.Source {
	return sources.Source{
		ID:          uuid.New(),
		URI:         uri,
		SourceGroup: group,
		Status:      sources.StatusReady,
		Content:     &content,
	}
}

func TestProcessBatchCommitsInCheckpointChunks(t *testing.T) {
	var srcs []sources.Source
	for i := 0; i < 25; i++ {
		srcs = append(srcs, readySource(
			fmt.Sprintf("https://acme.dev/p%d", i), "Acme",
			fmt.Sprintf("Page %d says something unique.", i)))
	}
	h := newPipelineHarness(t, srcs)

	var checkpoints [][]string
	opts := BatchOptions{
		OnChunkCommit: func(ctx context.Context, tx bun.IDB, processedIDs []string, totalExt, totalEnt int) error {
			ids := make([]string, len(processedIDs))
			copy(ids, processedIDs)
			checkpoints = append(checkpoints, ids)
			return nil
		},
	}

	ids := make([]string, len(srcs))
	for i := range srcs {
		ids[i] = srcs[i].ID.String()
	}
	res, err := h.pipeline.ProcessBatch(context.Background(), h.project, ids, opts)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if res.Succeeded != 25 || res.Failed != 0 {
		t.Fatalf("succeeded=%d failed=%d, want 25/0", res.Succeeded, res.Failed)
	}
	// 25 sources at chunk size 20 commit as two chunks, and each
	// checkpoint carries the run's cumulative processed ids.
	if len(checkpoints) != 2 {
		t.Fatalf("got %d checkpoints, want 2", len(checkpoints))
	}
	if len(checkpoints[0]) != 20 || len(checkpoints[1]) != 25 {
		t.Errorf("checkpoint sizes = %d, %d, want 20, 25", len(checkpoints[0]), len(checkpoints[1]))
	}
	if h.tx.commits != 2 {
		t.Errorf("commits = %d, want 2", h.tx.commits)
	}
	if len(res.ProcessedSourceIDs) != 25 {
		t.Errorf("processed ids = %d, want 25", len(res.ProcessedSourceIDs))
	}
	if len(h.repo.inserted) != 25 {
		t.Errorf("inserted rows = %d, want 25", len(h.repo.inserted))
	}
	for _, id := range ids {
		if h.srcRepo.statuses[id] != sources.StatusExtracted {
			t.Fatalf("source %s status = %q, want extracted", id, h.srcRepo.statuses[id])
		}
	}
}

func TestProcessBatchResumeSkipsProcessedSources(t *testing.T) {
	var srcs []sources.Source
	for i := 0; i < 25; i++ {
		srcs = append(srcs, readySource(
			fmt.Sprintf("https://acme.dev/p%d", i), "Acme",
			fmt.Sprintf("Page %d says something unique.", i)))
	}
	h := newPipelineHarness(t, srcs)

	ids := make([]string, len(srcs))
	for i := range srcs {
		ids[i] = srcs[i].ID.String()
	}
	resume := make(map[string]bool, 20)
	for _, id := range ids[:20] {
		resume[id] = true
	}

	var checkpoints [][]string
	res, err := h.pipeline.ProcessBatch(context.Background(), h.project, ids, BatchOptions{
		ResumeFrom: resume,
		OnChunkCommit: func(ctx context.Context, tx bun.IDB, processedIDs []string, totalExt, totalEnt int) error {
			ids := make([]string, len(processedIDs))
			copy(ids, processedIDs)
			checkpoints = append(checkpoints, ids)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if res.AlreadyProcessed != 20 {
		t.Errorf("already processed = %d, want 20", res.AlreadyProcessed)
	}
	if res.Succeeded != 5 {
		t.Errorf("succeeded = %d, want 5", res.Succeeded)
	}
	if len(checkpoints) != 1 || len(checkpoints[0]) != 5 {
		t.Fatalf("checkpoints = %v, want one with the 5 remaining ids", checkpoints)
	}
	for _, id := range checkpoints[0] {
		if resume[id] {
			t.Errorf("resumed id %s reappeared in the checkpoint", id)
		}
	}
}

func TestProcessBatchCheckpointExcludesFailedSources(t *testing.T) {
	srcs := []sources.Source{
		readySource("https://acme.dev/ok", "Acme", "A healthy page."),
	}
	empty := readySource("https://acme.dev/empty", "Acme", "")
	empty.Content = nil
	srcs = append(srcs, empty)
	h := newPipelineHarness(t, srcs)

	var checkpointIDs []string
	res, err := h.pipeline.ProcessBatch(context.Background(), h.project,
		[]string{srcs[0].ID.String(), srcs[1].ID.String()}, BatchOptions{
			OnChunkCommit: func(ctx context.Context, tx bun.IDB, processedIDs []string, totalExt, totalEnt int) error {
				checkpointIDs = append([]string(nil), processedIDs...)
				return nil
			},
		})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("succeeded=%d failed=%d, want 1/1", res.Succeeded, res.Failed)
	}
	if len(checkpointIDs) != 1 || checkpointIDs[0] != srcs[0].ID.String() {
		t.Errorf("checkpoint ids = %v, want only the healthy source", checkpointIDs)
	}
	if len(res.ProcessedSourceIDs) != 1 {
		t.Errorf("processed ids = %v, want only the healthy source", res.ProcessedSourceIDs)
	}
}

func TestProcessSourceEmptyContent(t *testing.T) {
	src := readySource("https://acme.dev/blank", "Acme", "")
	src.Content = nil
	h := newPipelineHarness(t, []sources.Source{src})

	res := h.pipeline.ProcessSource(context.Background(), src.ID.String(), h.project.ID.String())

	if res.Completed {
		t.Fatal("empty source completed, want failure")
	}
	found := false
	for _, msg := range res.Errors {
		if strings.Contains(msg, "Source not found or empty") {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v, want a not-found-or-empty error", res.Errors)
	}
	if got := h.srcRepo.statuses[src.ID.String()]; got != "" {
		t.Errorf("status updated to %q for a failed source", got)
	}
}

func TestProcessBatchDeduplicatesWithinChunk(t *testing.T) {
	// Two sources carry the same sentence and run in the same chunk. The
	// store has nothing committed yet, so only the chunk's own staged
	// vectors can catch the duplicate.
	const sentence = "The Pro plan costs $29 per month."
	srcs := []sources.Source{
		readySource("https://acme.dev/pricing", "Acme", sentence),
		readySource("https://acme.dev/pricing-copy", "Acme", sentence),
	}
	h := newPipelineHarness(t, srcs)

	res, err := h.pipeline.ProcessBatch(context.Background(), h.project,
		[]string{srcs[0].ID.String(), srcs[1].ID.String()}, BatchOptions{})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if res.ExtractionsCreated != 1 {
		t.Errorf("extractions created = %d, want 1", res.ExtractionsCreated)
	}
	if res.ExtractionsDeduplicated != 1 {
		t.Errorf("extractions deduplicated = %d, want 1", res.ExtractionsDeduplicated)
	}
	if res.Succeeded != 2 {
		t.Errorf("succeeded = %d, want both sources to complete", res.Succeeded)
	}
	if h.store.Count() != 1 {
		t.Errorf("vector store holds %d points, want 1", h.store.Count())
	}
	if len(h.repo.inserted) != 1 {
		t.Errorf("inserted rows = %d, want 1", len(h.repo.inserted))
	}
	if len(h.repo.embedded) != 1 {
		t.Errorf("embedded ids = %d, want 1", len(h.repo.embedded))
	}

	// A later batch sees the committed vector through the store path.
	third := readySource("https://acme.dev/pricing-mirror", "Acme", sentence)
	third.ProjectID = h.project.ID
	h.srcRepo.byID[third.ID.String()] = third

	res2, err := h.pipeline.ProcessBatch(context.Background(), h.project,
		[]string{third.ID.String()}, BatchOptions{})
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res2.ExtractionsCreated != 0 || res2.ExtractionsDeduplicated != 1 {
		t.Errorf("second batch created=%d deduplicated=%d, want 0/1",
			res2.ExtractionsCreated, res2.ExtractionsDeduplicated)
	}
	if h.store.Count() != 1 {
		t.Errorf("vector store holds %d points after second batch, want 1", h.store.Count())
	}
}
