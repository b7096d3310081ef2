// Package llmqueue provides the durable LLM request queue, the worker that
// drains it, and the dead-letter queue for requests that exhaust their
// retries. Requests flow through a Redis stream with one consumer group;
// responses come back through per-request keys with pub/sub wakeups.
package llmqueue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestType discriminates the payload variant carried by a Request.
type RequestType string

const (
	// TypeExtractFacts asks for free-form fact triples from a chunk of text.
	TypeExtractFacts RequestType = "extract_facts"

	// TypeExtractFieldGroup asks for one field group's values from a chunk.
	TypeExtractFieldGroup RequestType = "extract_field_group"

	// TypeExtractEntities asks for typed entities from an extraction payload.
	TypeExtractEntities RequestType = "extract_entities"

	// TypeComplete is a plain completion with no extraction semantics.
	TypeComplete RequestType = "complete"
)

// Request is one unit of LLM work. Type selects which payload pointer is
// set; exactly one must be non-nil and it must match Type.
type Request struct {
	ID         string      `json:"id"`
	Type       RequestType `json:"type"`
	Priority   int         `json:"priority"`
	CreatedAt  time.Time   `json:"created_at"`
	TimeoutAt  time.Time   `json:"timeout_at"`
	RetryCount int         `json:"retry_count"`

	Facts      *FactsPayload      `json:"facts,omitempty"`
	FieldGroup *FieldGroupPayload `json:"field_group,omitempty"`
	Entities   *EntitiesPayload   `json:"entities,omitempty"`
	Complete   *CompletePayload   `json:"complete,omitempty"`
}

// FactsPayload asks for (fact_text, category, confidence) triples.
type FactsPayload struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`

	// Content is the chunk text, used to synthesise prompts when the
	// caller did not provide them.
	Content     string   `json:"content,omitempty"`
	SourceGroup string   `json:"source_group,omitempty"`
	Categories  []string `json:"categories,omitempty"`
}

// FieldGroupPayload asks for one field group's values from a chunk.
type FieldGroupPayload struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`

	Content      string `json:"content,omitempty"`
	GroupName    string `json:"group_name"`
	IsEntityList bool   `json:"is_entity_list,omitempty"`
}

// EntitiesPayload asks for typed entities from extracted text.
type EntitiesPayload struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`

	Content     string   `json:"content,omitempty"`
	EntityTypes []string `json:"entity_types,omitempty"`
}

// CompletePayload is a plain completion.
type CompletePayload struct {
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt"`

	// JSONMode requests a JSON object instead of free text.
	JSONMode  bool `json:"json_mode,omitempty"`
	MaxTokens int  `json:"max_tokens,omitempty"`
}

// NewRequest creates a request with a fresh id and the given deadline.
func NewRequest(t RequestType, priority int, timeout time.Duration) *Request {
	now := time.Now().UTC()
	return &Request{
		ID:        uuid.NewString(),
		Type:      t,
		Priority:  priority,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
	}
}

// IsExpired reports whether the deadline has passed. Expired requests must
// not be dispatched to the model.
func (r *Request) IsExpired() bool {
	return !r.TimeoutAt.IsZero() && time.Now().After(r.TimeoutAt)
}

// Validate checks that exactly the payload matching Type is set.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id is required")
	}
	var want, others bool
	switch r.Type {
	case TypeExtractFacts:
		want = r.Facts != nil
		others = r.FieldGroup != nil || r.Entities != nil || r.Complete != nil
	case TypeExtractFieldGroup:
		want = r.FieldGroup != nil
		others = r.Facts != nil || r.Entities != nil || r.Complete != nil
	case TypeExtractEntities:
		want = r.Entities != nil
		others = r.Facts != nil || r.FieldGroup != nil || r.Complete != nil
	case TypeComplete:
		want = r.Complete != nil
		others = r.Facts != nil || r.FieldGroup != nil || r.Entities != nil
	default:
		return fmt.Errorf("unknown request type: %q", r.Type)
	}
	if !want {
		return fmt.Errorf("request type %s requires a %s payload", r.Type, r.Type)
	}
	if others {
		return fmt.Errorf("request type %s carries a payload for another type", r.Type)
	}
	return nil
}

// WantsJSON reports whether the model output should be treated as JSON.
// Extraction types always are; a plain completion only when asked.
func (r *Request) WantsJSON() bool {
	if r.Type == TypeComplete {
		return r.Complete != nil && r.Complete.JSONMode
	}
	return true
}

// MaxTokens returns the per-request token budget, or def when unset.
func (r *Request) MaxTokens(def int) int {
	if r.Type == TypeComplete && r.Complete != nil && r.Complete.MaxTokens > 0 {
		return r.Complete.MaxTokens
	}
	return def
}

// Model returns the payload's model override, if any.
func (r *Request) Model() string {
	switch r.Type {
	case TypeExtractFacts:
		if r.Facts != nil {
			return r.Facts.Model
		}
	case TypeExtractFieldGroup:
		if r.FieldGroup != nil {
			return r.FieldGroup.Model
		}
	case TypeExtractEntities:
		if r.Entities != nil {
			return r.Entities.Model
		}
	case TypeComplete:
		if r.Complete != nil {
			return r.Complete.Model
		}
	}
	return ""
}

// Status of a completed request.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Response is the terminal outcome of a Request, delivered back to the
// submitter by correlation id.
type Response struct {
	RequestID        string          `json:"request_id"`
	Status           Status          `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	CompletedAt      time.Time       `json:"completed_at"`
}

// Text decodes the result as a plain string. Completion requests without
// JSON mode store their output as a JSON-encoded string.
func (r *Response) Text() (string, error) {
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return "", fmt.Errorf("result is not a string: %w", err)
	}
	return s, nil
}

// DLQItem is a request that exhausted its retries, kept for inspection and
// manual reprocessing.
type DLQItem struct {
	ID         string    `json:"id"`
	Request    *Request  `json:"request"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
	RetryCount int       `json:"retry_count"`
}

// Backpressure describes how loaded the queue is relative to its
// backpressure threshold. Producers slow down at "slow" and hold off
// entirely when ShouldWait is set.
type Backpressure struct {
	Status     string `json:"status"`
	ShouldWait bool   `json:"should_wait"`
	Depth      int64  `json:"depth"`
	Threshold  int    `json:"threshold"`
}

const (
	BackpressureOK   = "ok"
	BackpressureSlow = "slow"
	BackpressureFull = "full"
)
