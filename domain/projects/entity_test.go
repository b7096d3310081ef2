package projects

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestSchema() Schema {
	return Schema{
		{
			Name:        "company_info",
			Description: "Basic company facts",
			Fields: []FieldDefinition{
				{Name: "company_name", Type: FieldText, Required: true},
				{Name: "founded_year", Type: FieldInteger},
			},
		},
		{
			Name:         "products",
			IsEntityList: true,
			Fields: []FieldDefinition{
				{Name: "product_name", Type: FieldText, Required: true},
				{Name: "pricing_model", Type: FieldEnum, EnumValues: []string{"free", "subscription"}},
			},
		},
	}
}

// =============================================================================
// Schema Validation Tests
// =============================================================================

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{
			name:   "valid schema",
			schema: validTestSchema(),
		},
		{
			name:   "empty schema is valid",
			schema: Schema{},
		},
		{
			name: "blank group name",
			schema: Schema{
				{Name: "  ", Fields: []FieldDefinition{{Name: "f", Type: FieldText}}},
			},
			wantErr: "name is required",
		},
		{
			name: "duplicate group names",
			schema: Schema{
				{Name: "pricing", Fields: []FieldDefinition{{Name: "a", Type: FieldText}}},
				{Name: "pricing", Fields: []FieldDefinition{{Name: "b", Type: FieldText}}},
			},
			wantErr: "duplicate group name",
		},
		{
			name: "group without fields",
			schema: Schema{
				{Name: "pricing"},
			},
			wantErr: "at least one field is required",
		},
		{
			name: "blank field name",
			schema: Schema{
				{Name: "pricing", Fields: []FieldDefinition{{Name: "", Type: FieldText}}},
			},
			wantErr: "name is required",
		},
		{
			name: "duplicate field names",
			schema: Schema{
				{Name: "pricing", Fields: []FieldDefinition{
					{Name: "price", Type: FieldFloat},
					{Name: "price", Type: FieldText},
				}},
			},
			wantErr: "duplicate field name",
		},
		{
			name: "unknown field type",
			schema: Schema{
				{Name: "pricing", Fields: []FieldDefinition{{Name: "price", Type: "decimal"}}},
			},
			wantErr: "unknown type",
		},
		{
			name: "enum without values",
			schema: Schema{
				{Name: "pricing", Fields: []FieldDefinition{{Name: "period", Type: FieldEnum}}},
			},
			wantErr: "enum fields require enum_values",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

// =============================================================================
// Schema Helper Tests
// =============================================================================

func TestSchemaHelpers(t *testing.T) {
	schema := validTestSchema()

	t.Run("group lookup", func(t *testing.T) {
		group, ok := schema.Group("products")
		require.True(t, ok)
		assert.True(t, group.IsEntityList)

		_, ok = schema.Group("missing")
		assert.False(t, ok)
	})

	t.Run("group names preserve order", func(t *testing.T) {
		assert.Equal(t, []string{"company_info", "products"}, schema.GroupNames())
	})

	t.Run("field lookup", func(t *testing.T) {
		group, ok := schema.Group("products")
		require.True(t, ok)

		field, ok := group.Field("pricing_model")
		require.True(t, ok)
		assert.Equal(t, FieldEnum, field.Type)

		_, ok = group.Field("missing")
		assert.False(t, ok)
	})

	t.Run("entity groups", func(t *testing.T) {
		project := &Project{Schema: schema}
		groups := project.EntityGroups()
		require.Len(t, groups, 1)
		assert.Equal(t, "products", groups[0].Name)
	})

	t.Run("has schema", func(t *testing.T) {
		assert.True(t, (&Project{Schema: schema}).HasSchema())
		assert.False(t, (&Project{}).HasSchema())
	})
}

// =============================================================================
// JSONB Scanner Tests
// =============================================================================

func TestSchemaScan(t *testing.T) {
	t.Run("nil value", func(t *testing.T) {
		var s Schema
		require.NoError(t, s.Scan(nil))
		assert.Nil(t, s)
	})

	t.Run("json bytes", func(t *testing.T) {
		raw, err := json.Marshal(validTestSchema())
		require.NoError(t, err)

		var s Schema
		require.NoError(t, s.Scan(raw))
		require.Len(t, s, 2)
		assert.Equal(t, "company_info", s[0].Name)
		assert.True(t, s[1].IsEntityList)
	})

	t.Run("unexpected type", func(t *testing.T) {
		var s Schema
		err := s.Scan(42)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expected []byte")
	})
}

func TestStringListScan(t *testing.T) {
	t.Run("nil value", func(t *testing.T) {
		var l StringList
		require.NoError(t, l.Scan(nil))
		assert.Nil(t, l)
	})

	t.Run("json bytes", func(t *testing.T) {
		var l StringList
		require.NoError(t, l.Scan([]byte(`["company","product"]`)))
		assert.Equal(t, StringList{"company", "product"}, l)
	})
}

func TestClassificationConfigScan(t *testing.T) {
	t.Run("nil value resets to zero", func(t *testing.T) {
		enabled := true
		cfg := ClassificationConfig{SmartClassification: &enabled}
		require.NoError(t, cfg.Scan(nil))
		assert.Nil(t, cfg.SmartClassification)
		assert.Nil(t, cfg.SkipPatterns)
	})

	t.Run("empty object leaves overrides unset", func(t *testing.T) {
		var cfg ClassificationConfig
		require.NoError(t, cfg.Scan([]byte(`{}`)))
		assert.Nil(t, cfg.SmartClassification)
		assert.Nil(t, cfg.SkipPatterns)
	})

	t.Run("explicit empty skip list is preserved", func(t *testing.T) {
		var cfg ClassificationConfig
		require.NoError(t, cfg.Scan([]byte(`{"skip_patterns":[]}`)))
		require.NotNil(t, cfg.SkipPatterns)
		assert.Empty(t, *cfg.SkipPatterns)
	})

	t.Run("overrides set", func(t *testing.T) {
		var cfg ClassificationConfig
		require.NoError(t, cfg.Scan([]byte(`{"smart_classification":false,"skip_patterns":["/blog/"]}`)))
		require.NotNil(t, cfg.SmartClassification)
		assert.False(t, *cfg.SmartClassification)
		require.NotNil(t, cfg.SkipPatterns)
		assert.Equal(t, []string{"/blog/"}, *cfg.SkipPatterns)
	})
}

func TestClassificationConfigMarshal(t *testing.T) {
	t.Run("zero value serializes empty", func(t *testing.T) {
		raw, err := json.Marshal(ClassificationConfig{})
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(raw))
	})

	t.Run("empty skip list survives a round trip", func(t *testing.T) {
		patterns := []string{}
		raw, err := json.Marshal(ClassificationConfig{SkipPatterns: &patterns})
		require.NoError(t, err)
		assert.JSONEq(t, `{"skip_patterns":[]}`, string(raw))

		var decoded ClassificationConfig
		require.NoError(t, json.Unmarshal(raw, &decoded))
		require.NotNil(t, decoded.SkipPatterns)
		assert.Empty(t, *decoded.SkipPatterns)
	})
}
