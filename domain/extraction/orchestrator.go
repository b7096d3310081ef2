package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/stackradar/knowledge-engine/domain/chunking"
	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// RequestSubmitter is the slice of the LLM queue the orchestrator uses.
type RequestSubmitter interface {
	Submit(ctx context.Context, req *llmqueue.Request) (string, error)
	WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*llmqueue.Response, error)
}

// SourceContext carries the per-source settings an extraction run needs.
type SourceContext struct {
	SourceGroup string
	Profile     string

	// Groups are the field groups to extract, already narrowed by the
	// classifier when one is wired.
	Groups []projects.FieldGroup

	// Categories optionally constrains fact extraction to known
	// categories. Empty means the model chooses freely.
	Categories []string
}

// GroupResult is one field group's merged payload for a source.
type GroupResult struct {
	Group      string
	Data       map[string]any
	Confidence *float64

	// Chunks is how many chunk extractions contributed to the merge.
	Chunks int
}

// Fact is one extracted statement from the generic pipeline.
type Fact struct {
	FactText      string  `json:"fact_text"`
	Category      string  `json:"category"`
	Confidence    float64 `json:"confidence"`
	HeaderContext string  `json:"header_context,omitempty"`
	ChunkIndex    int     `json:"-"`
}

// maxChunkAttempts bounds how many times one chunk is retried before it
// contributes nothing to its group.
const maxChunkAttempts = 3

// Orchestrator fans a source's content out to the LLM queue: chunk, one
// request per (group, chunk) with all groups in parallel, then a
// deterministic merge per group. Chunk failures burn their retries and
// drop out; they never fail the source.
type Orchestrator struct {
	queue   RequestSubmitter
	chunker *chunking.Chunker
	log     *slog.Logger

	maxConcurrentChunks int64
	timeout             time.Duration
	backoffMin          time.Duration
	backoffMax          time.Duration
}

// NewOrchestrator creates an orchestrator from the extraction and LLM
// sections of the config.
func NewOrchestrator(queue RequestSubmitter, chunker *chunking.Chunker, cfg *config.Config, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		queue:               queue,
		chunker:             chunker,
		log:                 log.With(logger.Scope("extraction.orchestrator")),
		maxConcurrentChunks: int64(cfg.Extraction.MaxConcurrentChunks),
		timeout:             cfg.LLM.Timeout(),
		backoffMin:          cfg.LLM.RetryBackoffMin(),
		backoffMax:          cfg.LLM.RetryBackoffMax(),
	}
}

// ExtractAllGroups runs every field group in sctx against the markdown and
// returns the merged per-group payloads. Groups that produced nothing are
// absent from the result. The only error is context cancellation.
func (o *Orchestrator) ExtractAllGroups(ctx context.Context, sourceID string, markdown string, sctx *SourceContext) ([]GroupResult, error) {
	chunks := o.chunker.Chunk(markdown)
	if len(chunks) == 0 || len(sctx.Groups) == 0 {
		return nil, nil
	}

	o.log.Debug("extracting field groups",
		slog.String("source_id", sourceID),
		slog.Int("groups", len(sctx.Groups)),
		slog.Int("chunks", len(chunks)))

	results := make([]*GroupResult, len(sctx.Groups))
	g, gctx := errgroup.WithContext(ctx)
	for i := range sctx.Groups {
		g.Go(func() error {
			group := &sctx.Groups[i]
			chunkResults := o.extractGroupChunks(gctx, group, chunks, sctx)
			if gctx.Err() != nil {
				return gctx.Err()
			}
			data, confidence := mergeGroup(group, chunkResults)
			if len(data) == 0 {
				return nil
			}
			results[i] = &GroupResult{
				Group:      group.Name,
				Data:       data,
				Confidence: confidence,
				Chunks:     len(chunkResults),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]GroupResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// extractGroupChunks runs one group over all chunks under a continuous
// semaphore: the next chunk is admitted as soon as any chunk completes.
func (o *Orchestrator) extractGroupChunks(ctx context.Context, group *projects.FieldGroup, chunks []chunking.Chunk, sctx *SourceContext) []chunkResult {
	sem := semaphore.NewWeighted(o.maxConcurrentChunks)
	var (
		mu      sync.Mutex
		results []chunkResult
		wg      sync.WaitGroup
	)

	for _, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(chunk chunking.Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			var res *chunkResult
			err := o.withRetries(ctx, func(ctx context.Context) error {
				r, err := o.requestGroup(ctx, group, chunk, sctx)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
			if err != nil {
				o.log.Warn("chunk extraction gave up",
					slog.String("group", group.Name),
					slog.Int("chunk", chunk.Index),
					logger.Error(err))
				return
			}

			mu.Lock()
			results = append(results, *res)
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Index < results[j].Index })
	return results
}

// ExtractFacts runs the generic fact extraction over the markdown. Facts
// keep the order of the chunks they came from, each stamped with the
// chunk's heading breadcrumb when the model did not provide one.
func (o *Orchestrator) ExtractFacts(ctx context.Context, markdown string, sctx *SourceContext) ([]Fact, error) {
	chunks := o.chunker.Chunk(markdown)
	if len(chunks) == 0 {
		return nil, nil
	}

	sem := semaphore.NewWeighted(o.maxConcurrentChunks)
	perChunk := make([][]Fact, len(chunks))
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, chunk chunking.Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			var facts []Fact
			err := o.withRetries(ctx, func(ctx context.Context) error {
				f, err := o.requestFacts(ctx, chunk, sctx)
				if err != nil {
					return err
				}
				facts = f
				return nil
			})
			if err != nil {
				o.log.Warn("fact extraction gave up",
					slog.Int("chunk", chunk.Index),
					logger.Error(err))
				return
			}
			perChunk[i] = facts
		}(i, chunk)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var out []Fact
	for _, facts := range perChunk {
		out = append(out, facts...)
	}
	return out, nil
}

// withRetries runs fn up to maxChunkAttempts times with exponential
// backoff between attempts, bounded by the configured min and max.
func (o *Orchestrator) withRetries(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxChunkAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(o.chunkBackoff(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := fn(ctx); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("%d attempts: %w", maxChunkAttempts, lastErr)
}

func (o *Orchestrator) chunkBackoff(attempt int) time.Duration {
	d := o.backoffMin << (attempt - 1)
	if d > o.backoffMax || d < o.backoffMin {
		d = o.backoffMax
	}
	return d
}

func (o *Orchestrator) requestGroup(ctx context.Context, group *projects.FieldGroup, chunk chunking.Chunk, sctx *SourceContext) (*chunkResult, error) {
	req := llmqueue.NewRequest(llmqueue.TypeExtractFieldGroup, 0, o.timeout)
	req.FieldGroup = &llmqueue.FieldGroupPayload{
		SystemPrompt: groupSystemPrompt(group),
		UserPrompt:   chunkUserPrompt(chunk, sctx),
		GroupName:    group.Name,
		IsEntityList: group.IsEntityList,
	}

	resp, err := o.roundTrip(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("group %s: %w", group.Name, err)
	}

	var payload map[string]any
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		return nil, fmt.Errorf("group %s: decode result: %w", group.Name, err)
	}

	res := &chunkResult{Index: chunk.Index, Payload: payload}
	if c, ok := payload["confidence"].(float64); ok {
		c = clamp01(c)
		res.Confidence = &c
	}
	return res, nil
}

func (o *Orchestrator) requestFacts(ctx context.Context, chunk chunking.Chunk, sctx *SourceContext) ([]Fact, error) {
	// Facts ride the semantic payload fields and let the worker build the
	// prompt; field groups carry explicit prompts instead.
	req := llmqueue.NewRequest(llmqueue.TypeExtractFacts, 0, o.timeout)
	req.Facts = &llmqueue.FactsPayload{
		Content:     chunk.Content,
		SourceGroup: sctx.SourceGroup,
		Categories:  sctx.Categories,
	}

	resp, err := o.roundTrip(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunk.Index, err)
	}

	var parsed struct {
		Facts []Fact `json:"facts"`
	}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, fmt.Errorf("chunk %d: decode result: %w", chunk.Index, err)
	}

	out := parsed.Facts[:0]
	for _, f := range parsed.Facts {
		f.FactText = strings.TrimSpace(f.FactText)
		if f.FactText == "" {
			continue
		}
		f.Category = strings.ToLower(strings.TrimSpace(f.Category))
		if f.Category == "" {
			f.Category = "general"
		}
		f.Confidence = clamp01(f.Confidence)
		if f.HeaderContext == "" {
			f.HeaderContext = chunk.HeaderContext()
		}
		f.ChunkIndex = chunk.Index
		out = append(out, f)
	}
	return out, nil
}

func (o *Orchestrator) roundTrip(ctx context.Context, req *llmqueue.Request) (*llmqueue.Response, error) {
	id, err := o.queue.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	resp, err := o.queue.WaitForResult(ctx, id, o.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Status != llmqueue.StatusSuccess {
		msg := resp.Error
		if msg == "" {
			msg = string(resp.Status)
		}
		return nil, fmt.Errorf("model request failed: %s", msg)
	}
	return resp, nil
}

func groupSystemPrompt(group *projects.FieldGroup) string {
	var sb strings.Builder
	if group.IsEntityList {
		fmt.Fprintf(&sb,
			"You extract %q records from web content. Return a JSON object {%q: [records], \"confidence\": number in [0,1]}. Return an empty list when the content has no relevant records. Each record carries these fields:\n",
			group.Name, group.Name)
	} else {
		fmt.Fprintf(&sb,
			"You extract the %q field group from web content. Return a JSON object with a \"confidence\" number in [0,1] and these fields:\n",
			group.Name)
	}
	for i := range group.Fields {
		f := &group.Fields[i]
		fmt.Fprintf(&sb, "- %s (%s)", f.Name, f.Type)
		if f.Type == projects.FieldEnum && len(f.EnumValues) > 0 {
			fmt.Fprintf(&sb, " one of: %s", strings.Join(f.EnumValues, ", "))
		}
		if f.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(f.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Omit fields the content does not state. Never invent values.")
	if group.PromptHint != "" {
		sb.WriteString(" ")
		sb.WriteString(group.PromptHint)
	}
	return sb.String()
}

func chunkUserPrompt(chunk chunking.Chunk, sctx *SourceContext) string {
	var sb strings.Builder
	if sctx != nil && sctx.SourceGroup != "" {
		fmt.Fprintf(&sb, "Content about %s.\n", sctx.SourceGroup)
	}
	if header := chunk.HeaderContext(); header != "" {
		fmt.Fprintf(&sb, "Section: %s\n", header)
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(chunk.Content)
	return sb.String()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
