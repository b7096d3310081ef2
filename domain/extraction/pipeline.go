// Package extraction turns source content into structured records. A
// source is chunked, extracted per field group through the LLM queue,
// merged, checked against the vector store for duplicates and persisted,
// and each unique payload is handed to the entity extractor. Projects
// without a schema fall back to generic fact extraction under the same
// pipeline contract.
package extraction

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/sync/semaphore"

	"github.com/stackradar/knowledge-engine/domain/entities"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/sources"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/logger"
	"github.com/stackradar/knowledge-engine/pkg/vectorstore"
)

// PageSignals is what the group selector sees of a page.
type PageSignals struct {
	URL     string
	Title   string
	Content string
}

// GroupSelection is the selector's verdict for a page. An empty Groups
// list means run all groups.
type GroupSelection struct {
	SkipExtraction bool
	Groups         []string
}

// GroupSelector decides which field groups to run for a page before any
// model calls happen.
type GroupSelector interface {
	SelectGroups(ctx context.Context, page PageSignals, project *projects.Project) (*GroupSelection, error)
}

// The pipeline sees its collaborators through the slices it actually
// calls, the same consumer-side shape as RequestSubmitter. Tests swap in
// fakes; fx still wires the concrete types.
type (
	sourceExtractor interface {
		ExtractAllGroups(ctx context.Context, sourceID, markdown string, sctx *SourceContext) ([]GroupResult, error)
		ExtractFacts(ctx context.Context, markdown string, sctx *SourceContext) ([]Fact, error)
	}

	duplicateChecker interface {
		CheckDuplicate(ctx context.Context, projectID, sourceGroup, text string) (*DuplicateCheck, error)
	}

	extractionWriter interface {
		Insert(ctx context.Context, db bun.IDB, rows []*Extraction) error
		MarkEntitiesExtracted(ctx context.Context, db bun.IDB, ids []uuid.UUID) error
		MarkEmbedded(ctx context.Context, ids []uuid.UUID) error
	}

	sourceStore interface {
		ListByIDs(ctx context.Context, projectID string, ids []string) ([]sources.Source, error)
		ListPendingExtraction(ctx context.Context, projectID string) ([]sources.Source, error)
		UpdateStatus(ctx context.Context, db bun.IDB, sourceID string, status sources.SourceStatus) error
	}

	projectReader interface {
		GetByID(ctx context.Context, id string) (*projects.Project, error)
	}

	entityLinker interface {
		Extract(ctx context.Context, text string, entityTypes []string) ([]entities.ExtractedEntity, error)
		Store(ctx context.Context, db bun.IDB, projectID uuid.UUID, sourceGroup string, extractionID uuid.UUID, candidates []entities.ExtractedEntity) (int, error)
	}

	txRunner interface {
		RunInTx(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx bun.Tx) error) error
	}
)

// PipelineResult is the outcome of one source run.
type PipelineResult struct {
	SourceID                string   `json:"source_id"`
	Completed               bool     `json:"completed"`
	Skipped                 bool     `json:"skipped,omitempty"`
	ExtractionsCreated      int      `json:"extractions_created"`
	ExtractionsDeduplicated int      `json:"extractions_deduplicated"`
	EntitiesCreated         int      `json:"entities_created"`
	Errors                  []string `json:"errors,omitempty"`
}

// BatchOptions tunes one batch run.
type BatchOptions struct {
	Profile string

	// ResumeFrom holds source ids a previous run already processed;
	// they are skipped without loading.
	ResumeFrom map[string]bool

	// OnChunkCommit runs inside the chunk transaction after the chunk's
	// rows are staged, letting the caller persist its checkpoint
	// atomically with the extractions. processedIDs and the totals are
	// cumulative over this run.
	OnChunkCommit func(ctx context.Context, tx bun.IDB, processedIDs []string, totalExtractions, totalEntities int) error

	// CancelRequested is polled between chunks; true stops the batch
	// before the next chunk starts.
	CancelRequested func(ctx context.Context) (bool, error)
}

// BatchResult aggregates a batch run.
type BatchResult struct {
	Total            int  `json:"total"`
	Succeeded        int  `json:"succeeded"`
	Failed           int  `json:"failed"`
	AlreadyProcessed int  `json:"already_processed,omitempty"`
	Cancelled        bool `json:"cancelled,omitempty"`

	ExtractionsCreated      int `json:"extractions_created"`
	ExtractionsDeduplicated int `json:"extractions_deduplicated"`
	EntitiesCreated         int `json:"entities_created"`

	// ProcessedSourceIDs are this run's successfully committed sources.
	ProcessedSourceIDs []string          `json:"processed_source_ids,omitempty"`
	Results            []*PipelineResult `json:"results,omitempty"`
}

// Errors collects the per-source error strings of the batch.
func (r *BatchResult) Errors() []string {
	var out []string
	for _, res := range r.Results {
		for _, msg := range res.Errors {
			out = append(out, fmt.Sprintf("%s: %s", res.SourceID, msg))
		}
	}
	return out
}

// stagedVectors tracks the vectors a chunk has staged but not yet
// upserted. The store only knows about committed chunks, so sources
// running concurrently inside one chunk must dedup against each other
// here or two copies of the same payload would both pass the store check.
type stagedVectors struct {
	threshold float64

	mu      sync.Mutex
	byGroup map[string][][]float32
}

func newStagedVectors(threshold float64) *stagedVectors {
	return &stagedVectors{threshold: threshold, byGroup: make(map[string][][]float32)}
}

// claim records vec for the group unless an already-staged vector is
// within the duplicate threshold. Check and record are one critical
// section: of two concurrent identical payloads exactly one claims.
func (s *stagedVectors) claim(sourceGroup string, vec []float32) bool {
	if len(vec) == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, staged := range s.byGroup[sourceGroup] {
		if vectorstore.CosineSimilarity(vec, staged) >= s.threshold {
			return false
		}
	}
	s.byGroup[sourceGroup] = append(s.byGroup[sourceGroup], vec)
	return true
}

// sourceWork is the staged outcome of one source's model-side work. The
// rows, entity candidates and vector points it carries are written by the
// chunk commit; nothing in it has touched the database yet.
type sourceWork struct {
	result     *PipelineResult
	rows       []*Extraction
	points     []vectorstore.Point
	candidates map[uuid.UUID][]entities.ExtractedEntity
}

// Pipeline runs extraction end to end for sources of a project.
//
// Work is split into three phases per chunk of sources: all model and
// vector calls run concurrently first, then every row of the chunk lands
// in a single transaction together with the caller's checkpoint, then the
// new vectors are upserted. A crash loses at most the uncommitted chunk;
// vector upserts are idempotent on extraction id.
type Pipeline struct {
	db       txRunner
	orch     sourceExtractor
	dedup    duplicateChecker
	repo     extractionWriter
	sources  sourceStore
	projects projectReader
	entities entityLinker
	store    vectorstore.Store
	selector GroupSelector
	cfg      *config.Config
	log      *slog.Logger
}

// NewPipeline wires the pipeline.
func NewPipeline(
	db bun.IDB,
	orch *Orchestrator,
	dedup *Deduplicator,
	repo *Repository,
	sourcesRepo *sources.Repository,
	projectsRepo *projects.Repository,
	entityExtractor *entities.Extractor,
	store vectorstore.Store,
	selector GroupSelector,
	cfg *config.Config,
	log *slog.Logger,
) *Pipeline {
	return &Pipeline{
		db:       db,
		orch:     orch,
		dedup:    dedup,
		repo:     repo,
		sources:  sourcesRepo,
		projects: projectsRepo,
		entities: entityExtractor,
		store:    store,
		selector: selector,
		cfg:      cfg,
		log:      log.With(logger.Scope("extraction.pipeline")),
	}
}

// ProcessSource runs the full pipeline for a single source. Failures are
// captured in the result, never returned; the caller decides what a
// failed source means.
func (p *Pipeline) ProcessSource(ctx context.Context, sourceID, projectID string) *PipelineResult {
	project, err := p.projects.GetByID(ctx, projectID)
	if err != nil {
		return &PipelineResult{SourceID: sourceID, Errors: []string{fmt.Sprintf("load project: %v", err)}}
	}
	if project == nil {
		return &PipelineResult{SourceID: sourceID, Errors: []string{"Project not found"}}
	}

	batch, err := p.ProcessBatch(ctx, project, []string{sourceID}, BatchOptions{})
	if err != nil {
		return &PipelineResult{SourceID: sourceID, Errors: []string{err.Error()}}
	}
	if len(batch.Results) > 0 {
		return batch.Results[0]
	}
	return &PipelineResult{SourceID: sourceID, Errors: []string{"Source not found or empty"}}
}

// ProcessProjectPending extracts every source of the project still
// waiting for extraction.
func (p *Pipeline) ProcessProjectPending(ctx context.Context, project *projects.Project) (*BatchResult, error) {
	pending, err := p.sources.ListPendingExtraction(ctx, project.ID.String())
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(pending))
	for i := range pending {
		ids = append(ids, pending[i].ID.String())
	}
	return p.ProcessBatch(ctx, project, ids, BatchOptions{})
}

// ProcessBatch extracts the given sources in checkpoint-sized chunks.
// Sources within a chunk run concurrently; each chunk commits as a unit.
// Per-source failures are isolated and never block peers.
func (p *Pipeline) ProcessBatch(ctx context.Context, project *projects.Project, sourceIDs []string, opts BatchOptions) (*BatchResult, error) {
	res := &BatchResult{Total: len(sourceIDs)}

	todo := make([]string, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if opts.ResumeFrom[id] {
			res.AlreadyProcessed++
			continue
		}
		todo = append(todo, id)
	}

	chunkSize := p.cfg.Extraction.CheckpointChunkSize
	if chunkSize <= 0 {
		chunkSize = len(todo)
	}

	var processed []string
	runExt, runEnt := 0, 0

	for start := 0; start < len(todo); start += chunkSize {
		if opts.CancelRequested != nil {
			cancelled, err := opts.CancelRequested(ctx)
			if err != nil {
				p.log.Warn("cancellation check failed", logger.Error(err))
			} else if cancelled {
				res.Cancelled = true
				break
			}
		}

		end := start + chunkSize
		if end > len(todo) {
			end = len(todo)
		}
		works := p.extractChunkSources(ctx, project, todo[start:end], opts.Profile)

		var (
			chunkOK  []string
			points   []vectorstore.Point
			chunkExt int
			chunkEnt int
		)
		err := p.db.RunInTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx bun.Tx) error {
			for _, w := range works {
				if !w.result.Completed {
					continue
				}
				if err := p.persistWork(ctx, tx, w); err != nil {
					return fmt.Errorf("source %s: %w", w.result.SourceID, err)
				}
				chunkOK = append(chunkOK, w.result.SourceID)
				points = append(points, w.points...)
				chunkExt += w.result.ExtractionsCreated
				chunkEnt += w.result.EntitiesCreated
			}
			if opts.OnChunkCommit != nil {
				all := make([]string, 0, len(processed)+len(chunkOK))
				all = append(all, processed...)
				all = append(all, chunkOK...)
				return opts.OnChunkCommit(ctx, tx, all, runExt+chunkExt, runEnt+chunkEnt)
			}
			return nil
		})
		if err != nil {
			// The whole chunk rolled back. Failed sources are not added
			// to the processed list, so a resumed run retries them.
			msg := fmt.Sprintf("chunk commit failed: %v", err)
			p.log.Error("chunk commit failed",
				slog.String("project_id", project.ID.String()),
				slog.Int("sources", len(works)),
				logger.Error(err))
			for _, w := range works {
				if w.result.Completed {
					w.result.Completed = false
					w.result.ExtractionsCreated = 0
					w.result.EntitiesCreated = 0
					w.result.Errors = append(w.result.Errors, msg)
				}
			}
		} else {
			processed = append(processed, chunkOK...)
			runExt += chunkExt
			runEnt += chunkEnt
			p.flushPoints(ctx, points)
		}

		for _, w := range works {
			res.Results = append(res.Results, w.result)
			if w.result.Completed {
				res.Succeeded++
				res.ExtractionsCreated += w.result.ExtractionsCreated
				res.ExtractionsDeduplicated += w.result.ExtractionsDeduplicated
				res.EntitiesCreated += w.result.EntitiesCreated
			} else {
				res.Failed++
			}
		}
	}

	res.ProcessedSourceIDs = processed
	return res, nil
}

// extractChunkSources runs the model-side phase for one chunk of sources,
// bounded by the configured source concurrency.
func (p *Pipeline) extractChunkSources(ctx context.Context, project *projects.Project, sourceIDs []string, profile string) []*sourceWork {
	byID := make(map[string]*sources.Source, len(sourceIDs))
	srcs, err := p.sources.ListByIDs(ctx, project.ID.String(), sourceIDs)
	if err != nil {
		p.log.Error("failed to load chunk sources", logger.Error(err))
		works := make([]*sourceWork, 0, len(sourceIDs))
		for _, id := range sourceIDs {
			works = append(works, failedWork(id, fmt.Sprintf("load source: %v", err)))
		}
		return works
	}
	for i := range srcs {
		byID[srcs[i].ID.String()] = &srcs[i]
	}

	limit := p.cfg.Extraction.MaxConcurrentSources
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	works := make([]*sourceWork, len(sourceIDs))
	staged := newStagedVectors(p.cfg.Extraction.DedupThreshold)
	var wg sync.WaitGroup

	for i, id := range sourceIDs {
		if err := sem.Acquire(ctx, 1); err != nil {
			works[i] = failedWork(id, "cancelled")
			continue
		}
		wg.Add(1)
		go func(i int, id string, src *sources.Source) {
			defer wg.Done()
			defer sem.Release(1)
			works[i] = p.extractSourceSafe(ctx, id, src, project, profile, staged)
		}(i, id, byID[id])
	}
	wg.Wait()

	return works
}

// extractSourceSafe shields the batch from a panicking source.
func (p *Pipeline) extractSourceSafe(ctx context.Context, sourceID string, src *sources.Source, project *projects.Project, profile string, staged *stagedVectors) (w *sourceWork) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("source extraction panicked",
				slog.String("source_id", sourceID),
				slog.Any("panic", r))
			if w == nil {
				w = failedWork(sourceID, "")
			}
			w.result.Completed = false
			w.result.Errors = append(w.result.Errors, fmt.Sprintf("panic: %v", r))
		}
	}()
	return p.extractSource(ctx, sourceID, src, project, profile, staged)
}

// extractSource runs the model-side phase for one source: select groups,
// chunk, extract, merge, check for duplicates and extract entities.
// Individual payload failures are captured and never abort the source.
func (p *Pipeline) extractSource(ctx context.Context, sourceID string, src *sources.Source, project *projects.Project, profile string, staged *stagedVectors) *sourceWork {
	w := &sourceWork{
		result:     &PipelineResult{SourceID: sourceID},
		candidates: make(map[uuid.UUID][]entities.ExtractedEntity),
	}
	if src == nil || !src.HasContent() {
		w.result.Errors = append(w.result.Errors, "Source not found or empty")
		return w
	}

	groups := []projects.FieldGroup(project.Schema)
	if p.selector != nil && project.HasSchema() {
		page := PageSignals{URL: src.URI, Content: *src.Content}
		if src.Title != nil {
			page.Title = *src.Title
		}
		sel, err := p.selector.SelectGroups(ctx, page, project)
		switch {
		case err != nil:
			// Conservative: an undecided page gets every group.
			p.log.Warn("group selection failed, extracting all groups",
				slog.String("source_id", sourceID), logger.Error(err))
		case sel.SkipExtraction:
			w.result.Completed = true
			w.result.Skipped = true
			return w
		case len(sel.Groups) > 0:
			groups = filterGroups(project.Schema, sel.Groups)
		}
	}

	sctx := &SourceContext{
		SourceGroup: src.SourceGroup,
		Profile:     profile,
		Groups:      groups,
	}

	if project.HasSchema() {
		groupResults, err := p.orch.ExtractAllGroups(ctx, sourceID, *src.Content, sctx)
		if err != nil {
			w.result.Errors = append(w.result.Errors, fmt.Sprintf("extraction failed: %v", err))
			return w
		}
		for i := range groupResults {
			gr := &groupResults[i]
			text := payloadText(gr.Group, gr.Data)
			p.stageResult(ctx, w, staged, project, src, profile, gr.Group, gr.Data, gr.Confidence, nil, text)
		}
	} else {
		facts, err := p.orch.ExtractFacts(ctx, *src.Content, sctx)
		if err != nil {
			w.result.Errors = append(w.result.Errors, fmt.Sprintf("extraction failed: %v", err))
			return w
		}
		for i := range facts {
			f := &facts[i]
			data := map[string]any{"fact_text": f.FactText, "category": f.Category}
			if f.HeaderContext != "" {
				data["header_context"] = f.HeaderContext
			}
			confidence := f.Confidence
			chunkIndex := f.ChunkIndex
			p.stageResult(ctx, w, staged, project, src, profile, f.Category, data, &confidence, &chunkIndex, f.FactText)
		}
	}

	w.result.Completed = true
	return w
}

// stageResult stages one fact or group payload: duplicate check against
// the store and the chunk's own staged vectors, then row, vector point
// and entity candidates.
func (p *Pipeline) stageResult(
	ctx context.Context,
	w *sourceWork,
	staged *stagedVectors,
	project *projects.Project,
	src *sources.Source,
	profile, extractionType string,
	data map[string]any,
	confidence *float64,
	chunkIndex *int,
	text string,
) {
	check, err := p.dedup.CheckDuplicate(ctx, project.ID.String(), src.SourceGroup, text)
	if err != nil {
		w.result.Errors = append(w.result.Errors, fmt.Sprintf("%s: duplicate check: %v", extractionType, err))
		return
	}
	if check.IsDuplicate {
		w.result.ExtractionsDeduplicated++
		return
	}
	if !staged.claim(src.SourceGroup, check.Vector) {
		// An unflushed peer in this chunk already staged the same payload.
		w.result.ExtractionsDeduplicated++
		return
	}

	row := &Extraction{
		ID:             uuid.New(),
		ProjectID:      project.ID,
		SourceID:       src.ID,
		ExtractionType: extractionType,
		SourceGroup:    src.SourceGroup,
		Data:           JSON(data),
		Confidence:     confidence,
		Profile:        profile,
		ChunkIndex:     chunkIndex,
	}
	w.rows = append(w.rows, row)
	w.result.ExtractionsCreated++

	if len(check.Vector) > 0 {
		w.points = append(w.points, vectorstore.Point{
			ID:     row.ID.String(),
			Vector: check.Vector,
			Payload: map[string]any{
				"project_id":      project.ID.String(),
				"source_group":    src.SourceGroup,
				"extraction_type": extractionType,
			},
		})
	}

	if len(project.EntityTypes) == 0 {
		// No entity pass configured; nothing is pending for this row.
		w.candidates[row.ID] = []entities.ExtractedEntity{}
		return
	}
	cands, err := p.entities.Extract(ctx, text, project.EntityTypes)
	if err != nil {
		w.result.Errors = append(w.result.Errors, fmt.Sprintf("%s: entity extraction: %v", extractionType, err))
		return
	}
	if cands == nil {
		cands = []entities.ExtractedEntity{}
	}
	w.candidates[row.ID] = cands
}

// persistWork writes one source's staged rows inside the chunk
// transaction and flips the source to extracted.
func (p *Pipeline) persistWork(ctx context.Context, tx bun.IDB, w *sourceWork) error {
	if err := p.repo.Insert(ctx, tx, w.rows); err != nil {
		return err
	}

	var flagged []uuid.UUID
	entCount := 0
	for _, row := range w.rows {
		cands, ok := w.candidates[row.ID]
		if !ok {
			// The entity call failed in the model phase; the flag stays
			// false so the row is visibly incomplete.
			continue
		}
		n, err := p.entities.Store(ctx, tx, row.ProjectID, row.SourceGroup, row.ID, cands)
		if err != nil {
			return fmt.Errorf("store entities: %w", err)
		}
		entCount += n
		flagged = append(flagged, row.ID)
	}
	if err := p.repo.MarkEntitiesExtracted(ctx, tx, flagged); err != nil {
		return err
	}

	if err := p.sources.UpdateStatus(ctx, tx, w.result.SourceID, sources.StatusExtracted); err != nil {
		return err
	}
	w.result.EntitiesCreated = entCount
	return nil
}

// flushPoints upserts the chunk's vectors after the commit. Upserts are
// idempotent on extraction id, so a failure here only delays the vectors:
// the rows keep a null embedding_id until a later pass re-embeds them.
func (p *Pipeline) flushPoints(ctx context.Context, points []vectorstore.Point) {
	if len(points) == 0 {
		return
	}
	if err := p.store.Upsert(ctx, points); err != nil {
		p.log.Error("vector upsert failed", slog.Int("points", len(points)), logger.Error(err))
		return
	}

	ids := make([]uuid.UUID, 0, len(points))
	for _, pt := range points {
		if id, err := uuid.Parse(pt.ID); err == nil {
			ids = append(ids, id)
		}
	}
	if err := p.repo.MarkEmbedded(ctx, ids); err != nil {
		p.log.Warn("failed to record embedding ids", logger.Error(err))
	}
}

func filterGroups(schema projects.Schema, names []string) []projects.FieldGroup {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var out []projects.FieldGroup
	for i := range schema {
		if wanted[schema[i].Name] {
			out = append(out, schema[i])
		}
	}
	if len(out) == 0 {
		return schema
	}
	return out
}

func failedWork(sourceID, errMsg string) *sourceWork {
	w := &sourceWork{
		result:     &PipelineResult{SourceID: sourceID},
		candidates: make(map[uuid.UUID][]entities.ExtractedEntity),
	}
	if errMsg != "" {
		w.result.Errors = append(w.result.Errors, errMsg)
	}
	return w
}
