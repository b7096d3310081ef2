package sources

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SourceType says where a source's content came from.
type SourceType string

const (
	TypeWeb  SourceType = "web"
	TypeFile SourceType = "file"
)

// SourceStatus is the extraction lifecycle of a source.
type SourceStatus string

const (
	// StatusPending means the source is registered but has no content yet.
	StatusPending SourceStatus = "pending"
	// StatusReady means content has been fetched and the source can be extracted.
	StatusReady SourceStatus = "ready"
	// StatusExtracted means at least one extraction pass completed.
	StatusExtracted SourceStatus = "extracted"
	// StatusFailed means fetching or extraction gave up on the source.
	StatusFailed SourceStatus = "failed"
)

// Source is a single piece of content (a scraped page, an uploaded file)
// registered under a project.
type Source struct {
	bun.BaseModel `bun:"table:ke.sources,alias:s"`

	ID          uuid.UUID    `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ProjectID   uuid.UUID    `bun:"project_id,notnull,type:uuid" json:"project_id"`
	URI         string       `bun:"uri,notnull" json:"uri"`
	SourceGroup string       `bun:"source_group" json:"source_group,omitempty"`
	SourceType  SourceType   `bun:"source_type,notnull,default:'web'" json:"source_type"`
	Status      SourceStatus `bun:"status,notnull,default:'pending'" json:"status"`

	Title      *string `bun:"title" json:"title,omitempty"`
	Content    *string `bun:"content" json:"content,omitempty"`
	RawContent *string `bun:"raw_content" json:"-"`
	PageType   *string `bun:"page_type" json:"page_type,omitempty"`

	Links    []string       `bun:"links,type:jsonb" json:"links,omitempty"`
	Metadata map[string]any `bun:"metadata,type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// HasContent reports whether the source carries extractable content.
func (s *Source) HasContent() bool {
	return s.Content != nil && *s.Content != ""
}

// ListParams contains parameters for listing sources
type ListParams struct {
	ProjectID   string
	Status      *SourceStatus
	SourceGroup *string
	SourceType  *SourceType
	Limit       int
	Offset      int
}

// ListResult contains the result of listing sources
type ListResult struct {
	Sources []Source `json:"sources"`
	Total   int      `json:"total"`
}

// StatusCount is one row of the per-status summary
type StatusCount struct {
	Status SourceStatus `bun:"status" json:"status"`
	Count  int          `bun:"count" json:"count"`
}

// GroupCount is one row of the per-group summary
type GroupCount struct {
	SourceGroup string `bun:"source_group" json:"source_group"`
	Count       int    `bun:"count" json:"count"`
}

// Summary aggregates a project's sources by status and source group
type Summary struct {
	Total    int           `json:"total"`
	ByStatus []StatusCount `json:"by_status"`
	ByGroup  []GroupCount  `json:"by_group"`
}
