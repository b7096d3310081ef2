package reports

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/aymerick/raymond"

	"github.com/stackradar/knowledge-engine/domain/projects"
)

//go:embed templates/*.hbs
var templateFS embed.FS

const mergeSystemPrompt = "You reconcile conflicting values collected from different pages of the same website. " +
	"Pick the most likely correct value for the column, preferring specific over vague and recent over stale phrasing. " +
	"Return only a JSON object {\"value\": <column value>, \"confidence\": <number in [0,1]>, " +
	"\"sources_used\": [<source urls that support the value>], \"reasoning\": <one sentence>}."

var mergeColumnTemplate = mustTemplate("templates/merge_column.hbs")

func mustTemplate(name string) *raymond.Template {
	raw, err := templateFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("reports: missing template %s: %v", name, err))
	}
	tpl, err := raymond.Parse(string(raw))
	if err != nil {
		panic(fmt.Sprintf("reports: parse template %s: %v", name, err))
	}
	return tpl
}

// renderMergePrompt builds the user prompt for one column merge. Candidate
// values are serialised to JSON so the model sees types, not Go formatting.
func renderMergePrompt(field *projects.FieldDefinition, candidates []Candidate) (string, error) {
	rendered := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		value, err := json.Marshal(c.Value)
		if err != nil {
			return "", fmt.Errorf("marshal candidate value: %w", err)
		}
		rendered = append(rendered, map[string]any{
			"value":        string(value),
			"confidence":   fmt.Sprintf("%.2f", c.Confidence),
			"source_url":   c.SourceURL,
			"source_title": c.SourceTitle,
		})
	}

	ctx := map[string]any{
		"name":        field.Name,
		"type":        string(field.Type),
		"description": field.Description,
		"candidates":  rendered,
	}
	if len(field.EnumValues) > 0 {
		ctx["enum_values"] = field.EnumValues
	}
	return mergeColumnTemplate.Exec(ctx)
}
