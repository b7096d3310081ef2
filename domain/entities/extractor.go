package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	"github.com/stackradar/knowledge-engine/internal/config"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// RequestSubmitter is the slice of the LLM queue the extractor needs
type RequestSubmitter interface {
	Submit(ctx context.Context, req *llmqueue.Request) (string, error)
	WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*llmqueue.Response, error)
}

// Extractor turns extraction payloads into normalised, linked entities.
// Extract is the model call and touches no storage; Store runs on the
// caller's transaction so the pipeline can commit entity rows together with
// their extraction chunk.
type Extractor struct {
	queue   RequestSubmitter
	repo    *Repository
	timeout time.Duration
	log     *slog.Logger
}

// NewExtractor creates an entity extractor backed by the LLM queue
func NewExtractor(queue RequestSubmitter, repo *Repository, cfg *config.Config, log *slog.Logger) *Extractor {
	return &Extractor{
		queue:   queue,
		repo:    repo,
		timeout: cfg.LLM.Timeout(),
		log:     log.With(logger.Scope("entities.extractor")),
	}
}

// Extract asks the model for typed entities in the given text. Only types in
// entityTypes come back; an empty result is normal for boilerplate text.
func (e *Extractor) Extract(ctx context.Context, text string, entityTypes []string) ([]ExtractedEntity, error) {
	if strings.TrimSpace(text) == "" || len(entityTypes) == 0 {
		return nil, nil
	}

	req := llmqueue.NewRequest(llmqueue.TypeExtractEntities, 0, e.timeout)
	req.Entities = &llmqueue.EntitiesPayload{
		Content:     text,
		EntityTypes: entityTypes,
	}

	id, err := e.queue.Submit(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("submit entity extraction: %w", err)
	}

	resp, err := e.queue.WaitForResult(ctx, id, e.timeout)
	if err != nil {
		return nil, fmt.Errorf("wait for entity extraction: %w", err)
	}
	if resp.Status != llmqueue.StatusSuccess {
		return nil, fmt.Errorf("entity extraction failed: %s", resp.Error)
	}

	parsed := struct {
		Entities []ExtractedEntity `json:"entities"`
	}{}
	if err := json.Unmarshal(resp.Result, &parsed); err != nil {
		return nil, fmt.Errorf("parse entity extraction result: %w", err)
	}

	// The model occasionally invents types; keep only what was asked for
	allowed := make(map[string]struct{}, len(entityTypes))
	for _, t := range entityTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}

	out := parsed.Entities[:0]
	for _, ent := range parsed.Entities {
		ent.Type = strings.ToLower(strings.TrimSpace(ent.Type))
		ent.Value = strings.TrimSpace(ent.Value)
		if ent.Value == "" {
			continue
		}
		if _, ok := allowed[ent.Type]; !ok {
			e.log.Debug("dropping entity of unrequested type",
				slog.String("type", ent.Type),
				slog.String("value", ent.Value))
			continue
		}
		out = append(out, ent)
	}

	return out, nil
}

// Store normalises candidates, upserts them, and links each to the
// extraction. Returns the number of entities linked. The extraction's
// entities_extracted flag is the caller's to flip once every entity call for
// it has succeeded.
func (e *Extractor) Store(ctx context.Context, db bun.IDB, projectID uuid.UUID, sourceGroup string, extractionID uuid.UUID, candidates []ExtractedEntity) (int, error) {
	linked := 0
	for _, cand := range candidates {
		entity := &Entity{
			ProjectID:       projectID,
			SourceGroup:     sourceGroup,
			EntityType:      cand.Type,
			RawValue:        cand.Value,
			NormalizedValue: NormalizeValue(cand.Type, cand.Value),
		}
		if err := e.repo.GetOrCreate(ctx, db, entity); err != nil {
			return linked, fmt.Errorf("store entity %s/%s: %w", cand.Type, cand.Value, err)
		}
		if _, err := e.repo.Link(ctx, db, entity.ID, extractionID); err != nil {
			return linked, fmt.Errorf("link entity %s: %w", entity.ID, err)
		}
		linked++
	}
	return linked, nil
}
