package reports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Merge = config.MergeConfig{MinConfidence: 0.3, MaxCandidates: 5}
	cfg.LLM = config.LLMConfig{TimeoutSeconds: 5}
	return cfg
}

// fakeSubmitter fulfils requests synchronously from a respond callback.
type fakeSubmitter struct {
	mu       sync.Mutex
	requests []*llmqueue.Request
	respond  func(req *llmqueue.Request) (json.RawMessage, error)
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *llmqueue.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return req.ID, nil
}

func (f *fakeSubmitter) WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*llmqueue.Response, error) {
	f.mu.Lock()
	var req *llmqueue.Request
	for _, r := range f.requests {
		if r.ID == requestID {
			req = r
			break
		}
	}
	f.mu.Unlock()
	if req == nil {
		return nil, fmt.Errorf("unknown request %s", requestID)
	}

	result, err := f.respond(req)
	if err != nil {
		return &llmqueue.Response{RequestID: requestID, Status: llmqueue.StatusError, Error: err.Error()}, nil
	}
	return &llmqueue.Response{RequestID: requestID, Status: llmqueue.StatusSuccess, Result: result}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func textField(name string) *projects.FieldDefinition {
	return &projects.FieldDefinition{Name: name, Type: projects.FieldText}
}

func TestMergeColumnDropsLowConfidence(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewMerger(sub, testConfig(), testLogger())

	merged, err := m.MergeColumn(context.Background(), textField("pricing"), []Candidate{
		{Value: "$10/mo", Confidence: 0.9, SourceURL: "https://a.example/pricing"},
		{Value: "free", Confidence: 0.1},
	})
	if err != nil {
		t.Fatalf("MergeColumn() error = %v", err)
	}
	if merged == nil {
		t.Fatal("merged = nil, want the surviving candidate")
	}
	if merged.Value != "$10/mo" {
		t.Errorf("Value = %v, want $10/mo", merged.Value)
	}
	if sub.count() != 0 {
		t.Errorf("model calls = %d, want 0 (single survivor)", sub.count())
	}
	if len(merged.SourcesUsed) != 1 || merged.SourcesUsed[0] != "https://a.example/pricing" {
		t.Errorf("SourcesUsed = %v", merged.SourcesUsed)
	}
}

func TestMergeColumnAllNull(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewMerger(sub, testConfig(), testLogger())

	merged, err := m.MergeColumn(context.Background(), textField("pricing"), []Candidate{
		{Value: nil, Confidence: 0.9},
		{Value: nil, Confidence: 0.8},
	})
	if err != nil {
		t.Fatalf("MergeColumn() error = %v", err)
	}
	if merged != nil {
		t.Errorf("merged = %+v, want nil for all-null candidates", merged)
	}
	if sub.count() != 0 {
		t.Errorf("model calls = %d, want 0", sub.count())
	}
}

func TestMergeColumnUnanimousSkipsModel(t *testing.T) {
	sub := &fakeSubmitter{}
	m := NewMerger(sub, testConfig(), testLogger())

	merged, err := m.MergeColumn(context.Background(), textField("plan"), []Candidate{
		{Value: "Pro", Confidence: 0.8, SourceURL: "https://a.example/1"},
		{Value: "Pro", Confidence: 0.7, SourceURL: "https://a.example/2"},
	})
	if err != nil {
		t.Fatalf("MergeColumn() error = %v", err)
	}
	if merged.Value != "Pro" {
		t.Errorf("Value = %v, want Pro", merged.Value)
	}
	if merged.Merged {
		t.Error("Merged = true, want false for unanimous candidates")
	}
	if len(merged.SourcesUsed) != 2 {
		t.Errorf("SourcesUsed = %v, want both urls", merged.SourcesUsed)
	}
	if sub.count() != 0 {
		t.Errorf("model calls = %d, want 0", sub.count())
	}
}

func TestMergeColumnConflictGoesToModel(t *testing.T) {
	sub := &fakeSubmitter{
		respond: func(req *llmqueue.Request) (json.RawMessage, error) {
			if req.Type != llmqueue.TypeComplete {
				return nil, fmt.Errorf("unexpected request type %s", req.Type)
			}
			if !req.Complete.JSONMode {
				return nil, fmt.Errorf("merge request without json mode")
			}
			if !strings.Contains(req.Complete.UserPrompt, "team_size") {
				return nil, fmt.Errorf("prompt missing column name: %s", req.Complete.UserPrompt)
			}
			return json.RawMessage(`{"value": "50-100", "confidence": 0.85, "sources_used": ["https://a.example/about"], "reasoning": "the about page is authoritative"}`), nil
		},
	}
	m := NewMerger(sub, testConfig(), testLogger())

	merged, err := m.MergeColumn(context.Background(), textField("team_size"), []Candidate{
		{Value: "50-100", Confidence: 0.8, SourceURL: "https://a.example/about"},
		{Value: "about 40", Confidence: 0.6, SourceURL: "https://a.example/careers"},
	})
	if err != nil {
		t.Fatalf("MergeColumn() error = %v", err)
	}
	if merged.Value != "50-100" {
		t.Errorf("Value = %v, want 50-100", merged.Value)
	}
	if !merged.Merged {
		t.Error("Merged = false, want true for a model merge")
	}
	if merged.Reasoning == "" {
		t.Error("Reasoning is empty")
	}
	if sub.count() != 1 {
		t.Errorf("model calls = %d, want 1", sub.count())
	}
}

func TestMergeColumnCapsCandidates(t *testing.T) {
	sub := &fakeSubmitter{
		respond: func(req *llmqueue.Request) (json.RawMessage, error) {
			// The weakest candidate must have been cut before prompting.
			if strings.Contains(req.Complete.UserPrompt, "weakest") {
				return nil, fmt.Errorf("prompt contains candidate over the cap")
			}
			return json.RawMessage(`{"value": "v1", "confidence": 0.9}`), nil
		},
	}
	cfg := testConfig()
	cfg.Merge.MaxCandidates = 2
	m := NewMerger(sub, cfg, testLogger())

	merged, err := m.MergeColumn(context.Background(), textField("headline"), []Candidate{
		{Value: "v1", Confidence: 0.9},
		{Value: "v2", Confidence: 0.8},
		{Value: "weakest", Confidence: 0.5},
	})
	if err != nil {
		t.Fatalf("MergeColumn() error = %v", err)
	}
	if merged.Value != "v1" {
		t.Errorf("Value = %v, want v1", merged.Value)
	}
}

func TestMergeColumnRepairsSloppyJSON(t *testing.T) {
	sub := &fakeSubmitter{
		respond: func(req *llmqueue.Request) (json.RawMessage, error) {
			return json.RawMessage("```json\n{\"value\": \"yes\", \"confidence\": 0.7,}\n```"), nil
		},
	}
	m := NewMerger(sub, testConfig(), testLogger())

	merged, err := m.MergeColumn(context.Background(), textField("has_api"), []Candidate{
		{Value: "yes", Confidence: 0.7},
		{Value: "no", Confidence: 0.6},
	})
	if err != nil {
		t.Fatalf("MergeColumn() error = %v", err)
	}
	if merged.Value != "yes" {
		t.Errorf("Value = %v, want yes", merged.Value)
	}
}

func TestMergeRowColumnFailureYieldsNull(t *testing.T) {
	sub := &fakeSubmitter{
		respond: func(req *llmqueue.Request) (json.RawMessage, error) {
			if strings.Contains(req.Complete.UserPrompt, "broken_column") {
				return nil, errors.New("model exploded")
			}
			return json.RawMessage(`{"value": "ok", "confidence": 0.8}`), nil
		},
	}
	m := NewMerger(sub, testConfig(), testLogger())

	group := &projects.FieldGroup{
		Name: "company_info",
		Fields: []projects.FieldDefinition{
			{Name: "broken_column", Type: projects.FieldText},
			{Name: "working_column", Type: projects.FieldText},
		},
	}
	values := m.MergeRow(context.Background(), "acme", group, map[string][]Candidate{
		"broken_column":  {{Value: "a", Confidence: 0.8}, {Value: "b", Confidence: 0.7}},
		"working_column": {{Value: "x", Confidence: 0.8}, {Value: "y", Confidence: 0.7}},
	})

	if values["broken_column"] != nil {
		t.Errorf("broken_column = %+v, want nil after model failure", values["broken_column"])
	}
	if values["working_column"] == nil || values["working_column"].Value != "ok" {
		t.Errorf("working_column = %+v, want merged ok", values["working_column"])
	}
}

func TestRenderMergePromptIncludesMetadata(t *testing.T) {
	field := &projects.FieldDefinition{
		Name:        "pricing_model",
		Type:        projects.FieldEnum,
		Description: "How the product charges",
		EnumValues:  []string{"flat", "usage", "seat"},
	}
	prompt, err := renderMergePrompt(field, []Candidate{
		{Value: "usage", Confidence: 0.8, SourceURL: "https://a.example/pricing", SourceTitle: "Pricing"},
		{Value: "flat", Confidence: 0.5},
	})
	if err != nil {
		t.Fatalf("renderMergePrompt() error = %v", err)
	}
	for _, want := range []string{
		"pricing_model", "enum", "How the product charges",
		"flat, usage, seat", `"usage"`, "https://a.example/pricing",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
}
