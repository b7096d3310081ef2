package scrape

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/domain/projects"
	"github.com/stackradar/knowledge-engine/domain/sources"
	"github.com/stackradar/knowledge-engine/internal/storage"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Fetcher turns one URL into a ready Source: scrape, convert to markdown,
// persist, archive the raw HTML when snapshot storage is enabled.
type Fetcher struct {
	client    *Client
	converter *Converter
	sources   *sources.Repository
	storage   *storage.Service
	log       *slog.Logger
}

func NewFetcher(client *Client, sourcesRepo *sources.Repository, store *storage.Service, log *slog.Logger) *Fetcher {
	return &Fetcher{
		client:    client,
		converter: NewConverter(),
		sources:   sourcesRepo,
		storage:   store,
		log:       log.With(logger.Scope("scrape.fetcher")),
	}
}

// FetchPage scrapes rawURL and upserts its Source under the project. The
// source is registered pending first, so a crash between scrape and persist
// leaves a visible record. Returns the stored source and the links found on
// the page (document links plus AJAX-discovered URLs).
func (f *Fetcher) FetchPage(ctx context.Context, project *projects.Project, rawURL, sourceGroup string, discoverAjax bool) (*sources.Source, []string, error) {
	src := &sources.Source{
		ProjectID:   project.ID,
		URI:         rawURL,
		SourceGroup: sourceGroup,
		SourceType:  sources.TypeWeb,
		Status:      sources.StatusPending,
	}
	if err := f.sources.Upsert(ctx, src); err != nil {
		return nil, nil, fmt.Errorf("register source: %w", err)
	}

	result, err := f.client.Scrape(ctx, &PageRequest{
		URL:          rawURL,
		DiscoverAjax: discoverAjax,
	})
	if err != nil {
		f.markFailed(ctx, src.ID)
		return nil, nil, err
	}
	if result.PageStatusCode >= 400 {
		f.markFailed(ctx, src.ID)
		reason := result.PageError
		if reason == "" {
			reason = fmt.Sprintf("status %d", result.PageStatusCode)
		}
		return nil, nil, fmt.Errorf("page returned %d: %s", result.PageStatusCode, reason)
	}

	markdown := result.Content
	title := ""
	var links []string
	if !isPlainPayload(result.ContentType) {
		page, err := f.converter.Convert(result.Content, rawURL)
		if err != nil {
			f.markFailed(ctx, src.ID)
			return nil, nil, fmt.Errorf("convert page: %w", err)
		}
		markdown = page.Markdown
		title = page.Title
		links = page.Links
	}
	links = append(links, result.DiscoveredURLs...)

	src.Status = sources.StatusReady
	src.Content = &markdown
	src.RawContent = &result.Content
	if title != "" {
		src.Title = &title
	}
	src.Links = links
	src.Metadata = map[string]any{
		"page_status_code": result.PageStatusCode,
		"content_type":     result.ContentType,
	}
	if err := f.sources.Upsert(ctx, src); err != nil {
		return nil, nil, fmt.Errorf("persist source: %w", err)
	}

	f.archiveSnapshot(ctx, project.ID, src.ID, rawURL, result.Content)

	return src, links, nil
}

// archiveSnapshot uploads the raw HTML when storage is configured. Archive
// failures never fail the scrape.
func (f *Fetcher) archiveSnapshot(ctx context.Context, projectID, sourceID uuid.UUID, uri, raw string) {
	if f.storage == nil || !f.storage.Enabled() {
		return
	}
	if _, err := f.storage.UploadSnapshot(ctx, projectID.String(), sourceID.String(), uri, raw); err != nil {
		f.log.Warn("snapshot archive failed",
			slog.String("source_id", sourceID.String()),
			logger.Error(err),
		)
	}
}

func (f *Fetcher) markFailed(ctx context.Context, sourceID uuid.UUID) {
	if err := f.sources.UpdateStatus(ctx, nil, sourceID.String(), sources.StatusFailed); err != nil {
		f.log.Error("failed to mark source failed",
			slog.String("source_id", sourceID.String()),
			logger.Error(err),
		)
	}
}

// isPlainPayload reports whether the scraper returned a decoded JSON/text
// body that should be stored as-is instead of run through the converter.
func isPlainPayload(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") ||
		strings.Contains(ct, "+json") ||
		strings.Contains(ct, "text/plain")
}
