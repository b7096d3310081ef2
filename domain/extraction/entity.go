package extraction

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// JSON is a JSONB object column.
type JSON map[string]any

// Scan implements sql.Scanner for JSON.
func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSON: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// JSONArray is a JSONB array column.
type JSONArray []any

// Scan implements sql.Scanner for JSONArray.
func (j *JSONArray) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan JSONArray: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// Extraction is one structured record produced from a source: a field
// group's merged payload for schema projects, a single fact otherwise.
type Extraction struct {
	bun.BaseModel `bun:"table:ke.extractions,alias:ex"`

	ID        uuid.UUID `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	ProjectID uuid.UUID `bun:"project_id,notnull,type:uuid" json:"project_id"`
	SourceID  uuid.UUID `bun:"source_id,notnull,type:uuid" json:"source_id"`

	// ExtractionType is the field-group name for schema extractions and
	// the fact category otherwise.
	ExtractionType string `bun:"extraction_type,notnull" json:"extraction_type"`
	SourceGroup    string `bun:"source_group" json:"source_group,omitempty"`

	Data       JSON     `bun:"data,type:jsonb" json:"data"`
	Confidence *float64 `bun:"confidence" json:"confidence,omitempty"`
	Profile    string   `bun:"profile" json:"profile,omitempty"`

	// ChunkIndex is set for fact extractions, which come from a single
	// chunk. Group extractions merge across chunks and leave it null.
	ChunkIndex *int `bun:"chunk_index" json:"chunk_index,omitempty"`

	// EmbeddingID is the vector store point id, set once the payload has
	// been embedded and upserted. Null means the row has no vector yet.
	EmbeddingID       *string `bun:"embedding_id" json:"embedding_id,omitempty"`
	EntitiesExtracted bool    `bun:"entities_extracted,notnull,default:false" json:"entities_extracted"`

	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// ListParams contains parameters for listing extractions
type ListParams struct {
	ProjectID      uuid.UUID
	SourceID       *uuid.UUID
	ExtractionType *string
	SourceGroup    *string
	Limit          int
	Offset         int
}

// ListResult contains the result of listing extractions
type ListResult struct {
	Extractions []Extraction `json:"extractions"`
	Total       int          `json:"total"`
}
