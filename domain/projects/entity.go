package projects

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// FieldType enumerates the value types an extraction field may declare.
type FieldType string

const (
	FieldBoolean FieldType = "boolean"
	FieldInteger FieldType = "integer"
	FieldFloat   FieldType = "float"
	FieldText    FieldType = "text"
	FieldEnum    FieldType = "enum"
	FieldList    FieldType = "list"
)

var validFieldTypes = map[FieldType]bool{
	FieldBoolean: true,
	FieldInteger: true,
	FieldFloat:   true,
	FieldText:    true,
	FieldEnum:    true,
	FieldList:    true,
}

// FieldDefinition describes one field the extractor fills in for a group.
type FieldDefinition struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Required    bool      `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any       `json:"default,omitempty" yaml:"default,omitempty"`
	EnumValues  []string  `json:"enum_values,omitempty" yaml:"enum_values,omitempty"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// FieldGroup is a named set of fields extracted together in one model call.
// Entity-list groups produce a list of records instead of a single object;
// NaturalKey names the field that identifies a record when merging lists
// from different chunks (default product_name).
type FieldGroup struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	PromptHint   string            `json:"prompt_hint,omitempty" yaml:"prompt_hint,omitempty"`
	IsEntityList bool              `json:"is_entity_list,omitempty" yaml:"is_entity_list,omitempty"`
	NaturalKey   string            `json:"natural_key,omitempty" yaml:"natural_key,omitempty"`
	Fields       []FieldDefinition `json:"fields" yaml:"fields"`
}

// Field returns the definition with the given name, if the group declares it.
func (g *FieldGroup) Field(name string) (*FieldDefinition, bool) {
	for i := range g.Fields {
		if g.Fields[i].Name == name {
			return &g.Fields[i], true
		}
	}
	return nil, false
}

// Schema is the ordered list of field groups a project extracts.
type Schema []FieldGroup

// Scan implements sql.Scanner for reading the schema from a JSONB column.
func (s *Schema) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan Schema: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, s)
}

// Group returns the field group with the given name.
func (s Schema) Group(name string) (*FieldGroup, bool) {
	for i := range s {
		if s[i].Name == name {
			return &s[i], true
		}
	}
	return nil, false
}

// GroupNames returns the group names in schema order.
func (s Schema) GroupNames() []string {
	names := make([]string, 0, len(s))
	for i := range s {
		names = append(names, s[i].Name)
	}
	return names
}

// Validate checks structural soundness: non-empty unique group names,
// known field types, and enum fields carrying their allowed values.
func (s Schema) Validate() error {
	seenGroups := make(map[string]bool, len(s))
	for gi := range s {
		group := &s[gi]
		name := strings.TrimSpace(group.Name)
		if name == "" {
			return fmt.Errorf("schema group %d: name is required", gi)
		}
		if seenGroups[name] {
			return fmt.Errorf("schema group %q: duplicate group name", name)
		}
		seenGroups[name] = true

		if len(group.Fields) == 0 {
			return fmt.Errorf("schema group %q: at least one field is required", name)
		}
		seenFields := make(map[string]bool, len(group.Fields))
		for fi := range group.Fields {
			field := &group.Fields[fi]
			fieldName := strings.TrimSpace(field.Name)
			if fieldName == "" {
				return fmt.Errorf("schema group %q: field %d: name is required", name, fi)
			}
			if seenFields[fieldName] {
				return fmt.Errorf("schema group %q: field %q: duplicate field name", name, fieldName)
			}
			seenFields[fieldName] = true

			if !validFieldTypes[field.Type] {
				return fmt.Errorf("schema group %q: field %q: unknown type %q", name, fieldName, field.Type)
			}
			if field.Type == FieldEnum && len(field.EnumValues) == 0 {
				return fmt.Errorf("schema group %q: field %q: enum fields require enum_values", name, fieldName)
			}
		}
	}
	return nil
}

// StringList is a []string stored in a JSONB column.
type StringList []string

// Scan implements sql.Scanner for StringList.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan StringList: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, l)
}

// ClassificationConfig holds per-project overrides for source classification.
// A nil SmartClassification defers to the global setting. A nil SkipPatterns
// defers to the built-in pattern list; an explicit empty list disables
// pattern skipping for the project.
type ClassificationConfig struct {
	SmartClassification *bool     `json:"smart_classification,omitempty" yaml:"smart_classification,omitempty"`
	SkipPatterns        *[]string `json:"skip_patterns,omitempty" yaml:"skip_patterns,omitempty"`
}

// Scan implements sql.Scanner for ClassificationConfig.
func (c *ClassificationConfig) Scan(value interface{}) error {
	if value == nil {
		*c = ClassificationConfig{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to scan ClassificationConfig: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, c)
}

// Project is a scoped extraction workspace: the schema its sources are
// extracted against, the entity types it tracks, and classification
// overrides for its sources.
type Project struct {
	bun.BaseModel `bun:"table:ke.projects,alias:p"`

	ID             uuid.UUID            `bun:"id,pk,type:uuid,default:gen_random_uuid()" json:"id"`
	Name           string               `bun:"name,notnull" json:"name"`
	Description    string               `bun:"description" json:"description,omitempty"`
	Schema         Schema               `bun:"extraction_schema,type:jsonb" json:"extraction_schema,omitempty"`
	EntityTypes    StringList           `bun:"entity_types,type:jsonb" json:"entity_types,omitempty"`
	Classification ClassificationConfig `bun:"classification_config,type:jsonb" json:"classification_config"`
	CreatedAt      time.Time            `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt      time.Time            `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// HasSchema reports whether the project has at least one field group.
func (p *Project) HasSchema() bool {
	return len(p.Schema) > 0
}

// EntityGroups returns the schema groups flagged as entity lists.
func (p *Project) EntityGroups() []FieldGroup {
	var groups []FieldGroup
	for i := range p.Schema {
		if p.Schema[i].IsEntityList {
			groups = append(groups, p.Schema[i])
		}
	}
	return groups
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name           string                `json:"name"`
	Description    string                `json:"description"`
	Schema         Schema                `json:"extraction_schema"`
	EntityTypes    []string              `json:"entity_types"`
	Classification *ClassificationConfig `json:"classification_config"`
}

// UpdateProjectRequest is the request body for updating a project.
// Nil fields are left unchanged.
type UpdateProjectRequest struct {
	Name           *string               `json:"name,omitempty"`
	Description    *string               `json:"description,omitempty"`
	Schema         *Schema               `json:"extraction_schema,omitempty"`
	EntityTypes    *[]string             `json:"entity_types,omitempty"`
	Classification *ClassificationConfig `json:"classification_config,omitempty"`
}

// CreateFromTemplateRequest creates a project from a bundled template.
// Name and Description override the template defaults when set.
type CreateFromTemplateRequest struct {
	Template    string `json:"template"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
