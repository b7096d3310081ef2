package projects

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListTemplates(t *testing.T) {
	templates, err := ListTemplates()
	require.NoError(t, err)
	require.NotEmpty(t, templates)

	slugs := make([]string, len(templates))
	for i, tmpl := range templates {
		slugs[i] = tmpl.Slug

		assert.NotEmpty(t, tmpl.Name, "template %s has no name", tmpl.Slug)
		assert.NotEmpty(t, tmpl.Schema, "template %s has no schema", tmpl.Slug)
		assert.NoError(t, tmpl.Schema.Validate(), "template %s schema invalid", tmpl.Slug)
	}

	assert.Equal(t, []string{"competitor_landscape", "saas_pricing"}, slugs)
}

func TestLoadTemplate(t *testing.T) {
	t.Run("saas pricing", func(t *testing.T) {
		tmpl, err := LoadTemplate("saas_pricing")
		require.NoError(t, err)
		require.NotNil(t, tmpl)

		group, ok := tmpl.Schema.Group("pricing")
		require.True(t, ok)
		assert.True(t, group.IsEntityList)

		field, ok := group.Field("billing_period")
		require.True(t, ok)
		assert.Equal(t, FieldEnum, field.Type)
		assert.Len(t, field.EnumValues, 4)

		require.NotNil(t, tmpl.Classification.SmartClassification)
		assert.True(t, *tmpl.Classification.SmartClassification)
	})

	t.Run("competitor landscape carries skip patterns", func(t *testing.T) {
		tmpl, err := LoadTemplate("competitor_landscape")
		require.NoError(t, err)
		require.NotNil(t, tmpl)

		require.NotNil(t, tmpl.Classification.SkipPatterns)
		assert.Contains(t, *tmpl.Classification.SkipPatterns, "/blog/")
	})

	t.Run("unknown slug", func(t *testing.T) {
		tmpl, err := LoadTemplate("does_not_exist")
		require.NoError(t, err)
		assert.Nil(t, tmpl)
	})
}
