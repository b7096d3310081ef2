package projects

import (
	"fmt"
	"sort"
	"strings"

	"embed"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template is a bundled project blueprint: a ready-made schema plus the
// entity types and classification defaults that go with it.
type Template struct {
	Slug           string               `yaml:"-" json:"slug"`
	Name           string               `yaml:"name" json:"name"`
	Description    string               `yaml:"description" json:"description"`
	Schema         Schema               `yaml:"extraction_schema" json:"extraction_schema"`
	EntityTypes    []string             `yaml:"entity_types" json:"entity_types"`
	Classification ClassificationConfig `yaml:"classification_config" json:"classification_config"`
}

// ListTemplates returns all bundled templates sorted by slug.
func ListTemplates() ([]Template, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("failed to read bundled templates: %w", err)
	}

	templates := make([]Template, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		tmpl, err := parseTemplate(entry.Name())
		if err != nil {
			return nil, err
		}
		templates = append(templates, *tmpl)
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Slug < templates[j].Slug
	})
	return templates, nil
}

// LoadTemplate returns the bundled template with the given slug, or nil
// when no template matches.
func LoadTemplate(slug string) (*Template, error) {
	templates, err := ListTemplates()
	if err != nil {
		return nil, err
	}
	for i := range templates {
		if templates[i].Slug == slug {
			return &templates[i], nil
		}
	}
	return nil, nil
}

func parseTemplate(filename string) (*Template, error) {
	data, err := templateFS.ReadFile("templates/" + filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", filename, err)
	}

	var tmpl Template
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", filename, err)
	}
	tmpl.Slug = strings.TrimSuffix(filename, ".yaml")

	if err := tmpl.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("template %s has an invalid schema: %w", filename, err)
	}
	return &tmpl, nil
}
