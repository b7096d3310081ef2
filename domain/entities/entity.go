package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Entity is a normalised value shared by every extraction that mentioned it.
// Identity is (project, source_group, entity_type, normalized_value); the
// raw spelling of the first occurrence is kept for display.
type Entity struct {
	bun.BaseModel `bun:"table:ke.entities,alias:e"`

	ID              uuid.UUID      `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ProjectID       uuid.UUID      `bun:"project_id,notnull,type:uuid" json:"project_id"`
	SourceGroup     string         `bun:"source_group,notnull,default:''" json:"source_group"`
	EntityType      string         `bun:"entity_type,notnull" json:"entity_type"`
	RawValue        string         `bun:"raw_value,notnull" json:"raw_value"`
	NormalizedValue string         `bun:"normalized_value,notnull" json:"normalized_value"`
	Attributes      map[string]any `bun:"attributes,type:jsonb" json:"attributes,omitempty"`
	CreatedAt       time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt       time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// ExtractionEntity links an entity to one extraction that mentioned it
type ExtractionEntity struct {
	bun.BaseModel `bun:"table:ke.extraction_entities,alias:ee"`

	ID           uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	EntityID     uuid.UUID `bun:"entity_id,notnull,type:uuid" json:"entity_id"`
	ExtractionID uuid.UUID `bun:"extraction_id,notnull,type:uuid" json:"extraction_id"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// ExtractedEntity is one candidate returned by the model before
// normalisation
type ExtractedEntity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ListParams filters an entity listing
type ListParams struct {
	ProjectID     uuid.UUID
	EntityType    *string
	SourceGroup   *string
	Search        *string
	AttributeKeys []string
	Limit         int
	Offset        int
}

// ListResult is a page of entities with the total match count
type ListResult struct {
	Entities []Entity `json:"entities"`
	Total    int      `json:"total"`
}

// TypeCount is one row of the per-type entity summary. Count is distinct
// entities, Mentions is how many extractions reference them.
type TypeCount struct {
	EntityType string `bun:"entity_type" json:"entity_type"`
	Count      int    `bun:"count" json:"count"`
	Mentions   int    `bun:"mentions" json:"mentions"`
}
