package reports

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/stackradar/knowledge-engine/domain/extraction"
	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/sources"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// defaultCandidateConfidence is assumed for extractions that carry no
// confidence at all. It clears the default merge floor.
const defaultCandidateConfidence = 0.5

// Report is one field group's extractions reduced to a table: one row per
// source group, one column per field.
type Report struct {
	Group       string    `json:"group"`
	Columns     []string  `json:"columns"`
	Rows        []Row     `json:"rows"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Row is the merged view of one source group.
type Row struct {
	SourceGroup string                  `json:"source_group"`
	SourceCount int                     `json:"source_count"`
	Values      map[string]*MergedValue `json:"values"`
}

// BuildOptions tunes one report build.
type BuildOptions struct {
	// SourceGroups narrows the report to the named groups. Empty means all.
	SourceGroups []string

	// CancelRequested is probed between rows. Nil means never.
	CancelRequested func(ctx context.Context) (bool, error)
}

// Builder assembles reports: collect candidates per (source group, column),
// then reconcile each row through the merger.
type Builder struct {
	extractions *extraction.Repository
	sources     *sources.Repository
	merger      *Merger
	log         *slog.Logger
}

// NewBuilder creates the report builder.
func NewBuilder(extractions *extraction.Repository, sourcesRepo *sources.Repository, merger *Merger, log *slog.Logger) *Builder {
	return &Builder{
		extractions: extractions,
		sources:     sourcesRepo,
		merger:      merger,
		log:         log.With(logger.Scope("reports.builder")),
	}
}

// Build produces the report for one field group. The returned bool is true
// when the build was cancelled; the report then holds the finished rows.
func (b *Builder) Build(ctx context.Context, project *projects.Project, group *projects.FieldGroup, opts BuildOptions) (*Report, bool, error) {
	extractions, err := b.extractions.ListByType(ctx, project.ID, group.Name)
	if err != nil {
		return nil, false, err
	}

	report := &Report{
		Group:       group.Name,
		Columns:     columnNames(group),
		GeneratedAt: time.Now().UTC(),
	}

	byGroup := bucketBySourceGroup(extractions, opts.SourceGroups)
	names := make([]string, 0, len(byGroup))
	for name := range byGroup {
		names = append(names, name)
	}
	sort.Strings(names)

	sourceByID, err := b.loadSources(ctx, project.ID.String(), extractions)
	if err != nil {
		return nil, false, err
	}

	for _, name := range names {
		if opts.CancelRequested != nil {
			stop, err := opts.CancelRequested(ctx)
			if err != nil {
				return nil, false, err
			}
			if stop {
				return report, true, nil
			}
		}

		rows := byGroup[name]
		candidates := b.collectCandidates(group, rows, sourceByID)
		values := b.merger.MergeRow(ctx, name, group, candidates)
		report.Rows = append(report.Rows, Row{
			SourceGroup: name,
			SourceCount: len(rows),
			Values:      values,
		})
	}
	return report, false, nil
}

// collectCandidates turns one source group's extractions into per-column
// candidate lists. Per-column confidence from the payload wins over the
// extraction-level score.
func (b *Builder) collectCandidates(group *projects.FieldGroup, rows []extraction.Extraction, sourceByID map[string]*sources.Source) map[string][]Candidate {
	candidates := make(map[string][]Candidate, len(group.Fields))
	for i := range rows {
		ex := &rows[i]
		src := sourceByID[ex.SourceID.String()]
		for _, field := range group.Fields {
			value, ok := ex.Data[field.Name]
			if !ok || value == nil {
				continue
			}
			c := Candidate{
				Value:      value,
				Confidence: candidateConfidence(ex, field.Name),
			}
			if src != nil {
				c.SourceURL = src.URI
				if src.Title != nil {
					c.SourceTitle = *src.Title
				}
			}
			candidates[field.Name] = append(candidates[field.Name], c)
		}
	}
	return candidates
}

func (b *Builder) loadSources(ctx context.Context, projectID string, extractions []extraction.Extraction) (map[string]*sources.Source, error) {
	seen := make(map[string]struct{}, len(extractions))
	ids := make([]string, 0, len(extractions))
	for i := range extractions {
		id := extractions[i].SourceID.String()
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	list, err := b.sources.ListByIDs(ctx, projectID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*sources.Source, len(list))
	for i := range list {
		byID[list[i].ID.String()] = &list[i]
	}
	return byID, nil
}

func candidateConfidence(ex *extraction.Extraction, field string) float64 {
	if perField, ok := ex.Data["field_confidences"].(map[string]any); ok {
		if v, ok := perField[field].(float64); ok {
			return v
		}
	}
	if ex.Confidence != nil {
		return *ex.Confidence
	}
	return defaultCandidateConfidence
}

func columnNames(group *projects.FieldGroup) []string {
	names := make([]string, len(group.Fields))
	for i, f := range group.Fields {
		names[i] = f.Name
	}
	return names
}

func bucketBySourceGroup(extractions []extraction.Extraction, filter []string) map[string][]extraction.Extraction {
	wanted := make(map[string]struct{}, len(filter))
	for _, g := range filter {
		wanted[g] = struct{}{}
	}

	byGroup := make(map[string][]extraction.Extraction)
	for _, ex := range extractions {
		if ex.SourceGroup == "" {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[ex.SourceGroup]; !ok {
				continue
			}
		}
		byGroup[ex.SourceGroup] = append(byGroup[ex.SourceGroup], ex)
	}
	return byGroup
}
