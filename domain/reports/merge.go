// Package reports builds table reports over a project's extractions, one
// row per source group, reconciling conflicting values per column with the
// model when the sources disagree.
package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/llm"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// RequestSubmitter is the slice of the LLM queue the merger uses.
type RequestSubmitter interface {
	Submit(ctx context.Context, req *llmqueue.Request) (string, error)
	WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*llmqueue.Response, error)
}

// Candidate is one source's value for a column.
type Candidate struct {
	Value       any     `json:"value"`
	SourceURL   string  `json:"source_url,omitempty"`
	SourceTitle string  `json:"source_title,omitempty"`
	Confidence  float64 `json:"confidence"`
}

// MergedValue is the reconciled value of one column.
type MergedValue struct {
	Value       any      `json:"value"`
	Confidence  float64  `json:"confidence,omitempty"`
	SourcesUsed []string `json:"sources_used,omitempty"`
	Reasoning   string   `json:"reasoning,omitempty"`

	// Merged is true when the model reconciled multiple candidates, false
	// when a single candidate was taken verbatim.
	Merged bool `json:"merged,omitempty"`
}

// Merger reconciles per-column candidates. Each column is independent:
// trivial cases resolve locally, conflicts go to the model.
type Merger struct {
	queue RequestSubmitter
	log   *slog.Logger

	minConfidence float64
	maxCandidates int
	timeout       time.Duration
}

// NewMerger creates a merger from the merge and LLM config sections.
func NewMerger(queue RequestSubmitter, cfg *config.Config, log *slog.Logger) *Merger {
	return &Merger{
		queue:         queue,
		log:           log.With(logger.Scope("reports.merge")),
		minConfidence: cfg.Merge.MinConfidence,
		maxCandidates: cfg.Merge.MaxCandidates,
		timeout:       cfg.LLM.Timeout(),
	}
}

// MergeRow reconciles every column of one row concurrently. A column whose
// merge fails comes back null; the error is logged and the row survives.
func (m *Merger) MergeRow(ctx context.Context, sourceGroup string, group *projects.FieldGroup, candidates map[string][]Candidate) map[string]*MergedValue {
	values := make(map[string]*MergedValue, len(group.Fields))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range group.Fields {
		field := &group.Fields[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			merged, err := m.MergeColumn(ctx, field, candidates[field.Name])
			if err != nil {
				m.log.Warn("column merge failed",
					slog.String("source_group", sourceGroup),
					slog.String("column", field.Name),
					logger.Error(err))
				merged = nil
			}
			mu.Lock()
			values[field.Name] = merged
			mu.Unlock()
		}()
	}
	wg.Wait()
	return values
}

// MergeColumn reconciles one column's candidates. Candidates below the
// confidence floor are dropped and the strongest max_candidates survive. A
// single remaining candidate is taken as-is; none leaves the column null;
// multiple are sent to the model.
func (m *Merger) MergeColumn(ctx context.Context, field *projects.FieldDefinition, candidates []Candidate) (*MergedValue, error) {
	kept := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Value == nil || c.Confidence < m.minConfidence {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Confidence > kept[j].Confidence })
	if m.maxCandidates > 0 && len(kept) > m.maxCandidates {
		kept = kept[:m.maxCandidates]
	}

	switch len(kept) {
	case 0:
		return nil, nil
	case 1:
		return &MergedValue{
			Value:       kept[0].Value,
			Confidence:  kept[0].Confidence,
			SourcesUsed: sourcesOf(kept[:1]),
		}, nil
	}

	if allEqual(kept) {
		// Unanimous sources need no model call.
		return &MergedValue{
			Value:       kept[0].Value,
			Confidence:  kept[0].Confidence,
			SourcesUsed: sourcesOf(kept),
		}, nil
	}

	return m.mergeWithModel(ctx, field, kept)
}

func (m *Merger) mergeWithModel(ctx context.Context, field *projects.FieldDefinition, candidates []Candidate) (*MergedValue, error) {
	user, err := renderMergePrompt(field, candidates)
	if err != nil {
		return nil, fmt.Errorf("render merge prompt: %w", err)
	}

	req := llmqueue.NewRequest(llmqueue.TypeComplete, 0, m.timeout)
	req.Complete = &llmqueue.CompletePayload{
		SystemPrompt: mergeSystemPrompt,
		UserPrompt:   user,
		JSONMode:     true,
	}

	id, err := m.queue.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	resp, err := m.queue.WaitForResult(ctx, id, m.timeout)
	if err != nil {
		return nil, err
	}
	if resp.Status != llmqueue.StatusSuccess {
		msg := resp.Error
		if msg == "" {
			msg = string(resp.Status)
		}
		return nil, fmt.Errorf("merge request failed: %s", msg)
	}

	var merged MergedValue
	if err := json.Unmarshal([]byte(llm.RepairJSON(string(resp.Result))), &merged); err != nil {
		return nil, fmt.Errorf("decode merge result: %w", err)
	}
	if merged.Confidence < 0 {
		merged.Confidence = 0
	}
	if merged.Confidence > 1 {
		merged.Confidence = 1
	}
	merged.Merged = true
	return &merged, nil
}

func allEqual(candidates []Candidate) bool {
	first, err := json.Marshal(candidates[0].Value)
	if err != nil {
		return false
	}
	for _, c := range candidates[1:] {
		raw, err := json.Marshal(c.Value)
		if err != nil || string(raw) != string(first) {
			return false
		}
	}
	return true
}

func sourcesOf(candidates []Candidate) []string {
	var urls []string
	for _, c := range candidates {
		if c.SourceURL != "" {
			urls = append(urls, c.SourceURL)
		}
	}
	return urls
}
