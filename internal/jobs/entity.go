package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JobType identifies the kind of work a job carries.
type JobType string

const (
	TypeScrape  JobType = "scrape"
	TypeCrawl   JobType = "crawl"
	TypeExtract JobType = "extract"
	TypeReport  JobType = "report"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusQueued  JobStatus = "queued"
	StatusRunning JobStatus = "running"
	// StatusCancelling is set by a cancel request while the job is running.
	// The runner observes it at the next chunk boundary and finishes the job
	// as cancelled without starting new work.
	StatusCancelling JobStatus = "cancelling"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never change
// state again and are eligible for cleanup.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Checkpoint records committed batch progress inside a job payload so an
// interrupted run can resume without redoing work that already reached the
// database.
type Checkpoint struct {
	ProcessedSourceIDs []string `json:"processed_source_ids"`
	TotalExtractions   int      `json:"total_extractions"`
	TotalEntities      int      `json:"total_entities"`
	// LastCheckpointAt is RFC 3339 with offset
	LastCheckpointAt string `json:"last_checkpoint_at"`
}

// NewCheckpoint stamps the given progress with the current time.
func NewCheckpoint(processedIDs []string, totalExtractions, totalEntities int) *Checkpoint {
	return &Checkpoint{
		ProcessedSourceIDs: processedIDs,
		TotalExtractions:   totalExtractions,
		TotalEntities:      totalEntities,
		LastCheckpointAt:   time.Now().UTC().Format(time.RFC3339),
	}
}

// Job is a persisted unit of background work on the ke.jobs table.
type Job struct {
	bun.BaseModel `bun:"table:ke.jobs,alias:j"`

	ID        uuid.UUID  `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ProjectID *uuid.UUID `bun:"project_id,type:uuid" json:"project_id,omitempty"`

	Type     JobType   `bun:"type,notnull" json:"type"`
	Status   JobStatus `bun:"status,notnull,default:'queued'" json:"status"`
	Priority int       `bun:"priority,notnull,default:0" json:"priority"`

	Payload map[string]any `bun:"payload,type:jsonb" json:"payload,omitempty"`
	Result  map[string]any `bun:"result,type:jsonb" json:"result,omitempty"`

	AttemptCount int     `bun:"attempt_count,notnull,default:0" json:"attempt_count"`
	LastError    *string `bun:"last_error" json:"last_error,omitempty"`

	ScheduledAt *time.Time `bun:"scheduled_at,nullzero" json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `bun:"started_at,nullzero" json:"started_at,omitempty"`
	CompletedAt *time.Time `bun:"completed_at,nullzero" json:"completed_at,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt   time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Checkpoint returns the checkpoint recorded in the payload, or nil when the
// job has never checkpointed.
func (j *Job) Checkpoint() (*Checkpoint, error) {
	if j.Payload == nil {
		return nil, nil
	}
	raw, ok := j.Payload["checkpoint"]
	if !ok || raw == nil {
		return nil, nil
	}

	// The payload round-trips through jsonb, so the checkpoint arrives as a
	// generic map. Re-marshal to get the typed view.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	cp := &Checkpoint{}
	if err := json.Unmarshal(b, cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint: %w", err)
	}
	return cp, nil
}

// ListParams filters a job listing
type ListParams struct {
	ProjectID *uuid.UUID
	Status    *JobStatus
	Type      *JobType
	Limit     int
	Offset    int
}
