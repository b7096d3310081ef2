package dlq

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/stackradar/knowledge-engine/domain/llmqueue"
	jobqueue "github.com/stackradar/knowledge-engine/internal/jobs"
	"github.com/stackradar/knowledge-engine/pkg/apperror"
	"github.com/stackradar/knowledge-engine/pkg/logger"
)

// Stats summarises the dead-letter backlog per kind.
type Stats struct {
	Scrape     int64 `json:"scrape"`
	Extraction int64 `json:"extraction"`
	LLM        int64 `json:"llm"`
	Total      int64 `json:"total"`
}

// Service exposes the dead-letter lists to the API and replays items.
// LLM items live in the queue worker's own DLQ and are delegated there;
// scrape and extraction items replay as fresh jobs.
type Service struct {
	store  *Store
	llmDLQ *llmqueue.DLQ
	jobs   *jobqueue.Queue
	log    *slog.Logger
}

// NewService creates the DLQ service.
func NewService(store *Store, llmDLQ *llmqueue.DLQ, jobs *jobqueue.Queue, log *slog.Logger) *Service {
	return &Service{
		store:  store,
		llmDLQ: llmDLQ,
		jobs:   jobs,
		log:    log.With(logger.Scope("dlq.service")),
	}
}

// GetStats returns per-kind counts.
func (s *Service) GetStats(ctx context.Context) (*Stats, error) {
	scrape, err := s.store.Count(ctx, KindScrape)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	extraction, err := s.store.Count(ctx, KindExtraction)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	llm, err := s.llmDLQ.Count(ctx)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	return &Stats{
		Scrape:     scrape,
		Extraction: extraction,
		LLM:        llm,
		Total:      scrape + extraction + llm,
	}, nil
}

// List returns up to limit items of one kind, newest first. LLM items are
// translated into the shared Item shape.
func (s *Service) List(ctx context.Context, kind Kind, limit int) ([]Item, error) {
	if !ValidKind(kind) {
		return nil, apperror.New(422, "invalid-kind", "kind must be one of scrape, extraction, llm")
	}
	if kind != KindLLM {
		items, err := s.store.List(ctx, kind, limit)
		if err != nil {
			return nil, apperror.ErrDatabase.WithInternal(err)
		}
		return items, nil
	}

	llmItems, err := s.llmDLQ.List(ctx, limit)
	if err != nil {
		return nil, apperror.ErrDatabase.WithInternal(err)
	}
	items := make([]Item, 0, len(llmItems))
	for _, it := range llmItems {
		ref := ""
		if it.Request != nil {
			ref = string(it.Request.Type)
		}
		items = append(items, Item{
			ID:         it.ID,
			Kind:       KindLLM,
			Ref:        ref,
			Error:      it.Error,
			FailedAt:   it.FailedAt,
			RetryCount: it.RetryCount,
		})
	}
	return items, nil
}

// Retry replays one dead-lettered item. LLM requests re-enter the request
// queue with a reset retry count; scrape and extraction items become fresh
// jobs at retry count zero.
func (s *Service) Retry(ctx context.Context, kind Kind, id string) error {
	if !ValidKind(kind) {
		return apperror.New(422, "invalid-kind", "kind must be one of scrape, extraction, llm")
	}
	if kind == KindLLM {
		return s.llmDLQ.Reprocess(ctx, id)
	}

	item, err := s.store.Take(ctx, kind, id)
	if err != nil {
		return apperror.ErrDatabase.WithInternal(err)
	}
	if item == nil {
		return apperror.NewNotFound("DLQ item", id)
	}

	job, err := s.jobFromItem(item)
	if err != nil {
		// The item cannot be put back in a better shape; restore as-is and
		// surface the problem.
		if pushErr := s.store.Push(ctx, *item); pushErr != nil {
			s.log.Error("failed to restore DLQ item", slog.String("id", id), logger.Error(pushErr))
		}
		return err
	}
	if err := s.jobs.Enqueue(ctx, job); err != nil {
		if pushErr := s.store.Push(ctx, *item); pushErr != nil {
			s.log.Error("failed to restore DLQ item", slog.String("id", id), logger.Error(pushErr))
		}
		return apperror.ErrDatabase.WithInternal(err)
	}

	s.log.Info("DLQ item replayed",
		slog.String("kind", string(kind)),
		slog.String("id", id),
		slog.String("job_id", job.ID.String()))
	return nil
}

func (s *Service) jobFromItem(item *Item) (*jobqueue.Job, error) {
	projectID, err := uuid.Parse(item.ProjectID)
	if err != nil {
		return nil, apperror.New(422, "invalid-project", "DLQ item carries no valid project id")
	}

	job := &jobqueue.Job{
		ID:        uuid.New(),
		ProjectID: &projectID,
		Status:    jobqueue.StatusQueued,
	}
	switch item.Kind {
	case KindScrape:
		job.Type = jobqueue.TypeScrape
		job.Payload = map[string]any{"urls": []string{item.Ref}}
		for k, v := range item.Payload {
			job.Payload[k] = v
		}
	case KindExtraction:
		job.Type = jobqueue.TypeExtract
		job.Payload = map[string]any{"source_ids": []string{item.Ref}}
		if profile, ok := item.Payload["profile"]; ok {
			job.Payload["profile"] = profile
		}
	default:
		return nil, apperror.New(422, "invalid-kind", "kind cannot be replayed as a job")
	}
	return job, nil
}
