package entities

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/internal/config"
)

// fakeQueue scripts the LLM queue for extractor tests
type fakeQueue struct {
	submitted []*llmqueue.Request
	response  *llmqueue.Response
	submitErr error
	waitErr   error
}

func (f *fakeQueue) Submit(ctx context.Context, req *llmqueue.Request) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submitted = append(f.submitted, req)
	return req.ID, nil
}

func (f *fakeQueue) WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*llmqueue.Response, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	resp := *f.response
	resp.RequestID = requestID
	return &resp, nil
}

func testExtractor(queue RequestSubmitter) *Extractor {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := &config.Config{LLM: config.LLMConfig{TimeoutSeconds: 5}}
	return NewExtractor(queue, nil, cfg, log)
}

func TestExtractParsesEntities(t *testing.T) {
	queue := &fakeQueue{
		response: &llmqueue.Response{
			Status: llmqueue.StatusSuccess,
			Result: json.RawMessage(`{"entities": [
				{"type": "Product", "value": " Widget Pro "},
				{"type": "company", "value": "Acme"},
				{"type": "price", "value": "$9"},
				{"type": "product", "value": ""}
			]}`),
		},
	}
	extractor := testExtractor(queue)

	got, err := extractor.Extract(context.Background(),
		"Widget Pro by Acme costs $9.", []string{"product", "company"})
	require.NoError(t, err)

	// price is an unrequested type, the blank value is dropped, and the
	// surviving candidates are trimmed and lowercased
	require.Len(t, got, 2)
	assert.Equal(t, ExtractedEntity{Type: "product", Value: "Widget Pro"}, got[0])
	assert.Equal(t, ExtractedEntity{Type: "company", Value: "Acme"}, got[1])

	require.Len(t, queue.submitted, 1)
	req := queue.submitted[0]
	assert.Equal(t, llmqueue.TypeExtractEntities, req.Type)
	require.NotNil(t, req.Entities)
	assert.Equal(t, "Widget Pro by Acme costs $9.", req.Entities.Content)
	assert.Equal(t, []string{"product", "company"}, req.Entities.EntityTypes)
}

func TestExtractEmptyTextSkipsModel(t *testing.T) {
	queue := &fakeQueue{}
	extractor := testExtractor(queue)

	got, err := extractor.Extract(context.Background(), "   ", []string{"product"})
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, queue.submitted)
}

func TestExtractNoTypesSkipsModel(t *testing.T) {
	queue := &fakeQueue{}
	extractor := testExtractor(queue)

	got, err := extractor.Extract(context.Background(), "some text", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Empty(t, queue.submitted)
}

func TestExtractErrorStatus(t *testing.T) {
	queue := &fakeQueue{
		response: &llmqueue.Response{
			Status: llmqueue.StatusError,
			Error:  "model unavailable",
		},
	}
	extractor := testExtractor(queue)

	_, err := extractor.Extract(context.Background(), "text", []string{"product"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model unavailable")
}

func TestExtractMalformedResult(t *testing.T) {
	queue := &fakeQueue{
		response: &llmqueue.Response{
			Status: llmqueue.StatusSuccess,
			Result: json.RawMessage(`{"entities": "nope"}`),
		},
	}
	extractor := testExtractor(queue)

	_, err := extractor.Extract(context.Background(), "text", []string{"product"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse entity extraction result")
}

func TestExtractSubmitError(t *testing.T) {
	queue := &fakeQueue{submitErr: errors.New("queue full")}
	extractor := testExtractor(queue)

	_, err := extractor.Extract(context.Background(), "text", []string{"product"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue full")
}
