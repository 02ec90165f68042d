package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"jobengine/internal/domain"
)

// Service is the public facade over the job engine. It is the only surface
// other subsystems talk to: HTTP handlers, CLI tooling and the scheduler all
// mutate jobs through it so every transition stays well defined.
type Service struct {
	store  domain.JobStore
	events domain.EventPublisher
	logger zerolog.Logger
}

// NewService creates the job service facade.
func NewService(store domain.JobStore, events domain.EventPublisher, logger zerolog.Logger) *Service {
	return &Service{store: store, events: events, logger: logger}
}

// AddJobInput describes a new batch of work. Items carries one opaque
// payload per item; item indexes are assigned from the slice order.
type AddJobInput struct {
	OwnerID             string
	Type                string
	InputJSON           json.RawMessage
	Items               []json.RawMessage
	EstimatedDurationMs int64
}

// Add validates the input and persists a new job in Pending status with all
// items Pending. The job identifier is a UUIDv7, so identifiers are
// time-ordered.
func (s *Service) Add(ctx context.Context, in AddJobInput) (*domain.Job, error) {
	if in.Type == "" {
		return nil, fmt.Errorf("%w: job type is required", domain.ErrValidation)
	}
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: at least one item is required", domain.ErrValidation)
	}
	if in.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}

	now := time.Now().UTC()
	job := &domain.Job{
		ID:                  uuid.Must(uuid.NewV7()).String(),
		OwnerID:             in.OwnerID,
		Type:                in.Type,
		Status:              domain.JobStatusPending,
		TotalItems:          len(in.Items),
		InputJSON:           in.InputJSON,
		EstimatedDurationMs: in.EstimatedDurationMs,
		CreatedAt:           now,
	}
	for i, payload := range in.Items {
		job.Items = append(job.Items, domain.JobItem{
			JobID:     job.ID,
			Index:     i,
			Status:    domain.ItemStatusPending,
			InputJSON: payload,
		})
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("type", job.Type).
		Int("total_items", job.TotalItems).
		Msg("job created")
	s.events.PublishJobEvent(ctx, domain.NewJobCreatedEvent(job, now))
	return job, nil
}

// GetByID returns the job with its items, or domain.ErrNotFound.
func (s *Service) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.store.GetByID(ctx, jobID)
}

// Search returns a page of jobs plus the total match count. Take is expected
// to be clamped by the caller-facing boundary; a non-positive value falls
// back to a single page of 20 so the store is never asked for an unbounded
// result.
func (s *Service) Search(ctx context.Context, f domain.SearchFilter) ([]domain.Job, int, error) {
	if f.Take <= 0 {
		f.Take = 20
	}
	if f.Skip < 0 {
		f.Skip = 0
	}
	return s.store.Search(ctx, f)
}

// Update applies a scheduler-safe status correction to an existing job. It
// is not a general-purpose edit: only status, counters and timing move.
func (s *Service) Update(ctx context.Context, jobID string, upd domain.JobStatusUpdate) (*domain.Job, error) {
	if _, err := s.store.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, upd); err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}
	return s.store.GetByID(ctx, jobID)
}

// Cancel marks the job for cancellation. Pending items are canceled
// immediately; items already dispatched are allowed to finish, and the
// scheduler finalizes the job once they settle. Returns false when the job
// does not exist or is already terminal.
func (s *Service) Cancel(ctx context.Context, jobID string) (bool, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		if err == domain.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if job.Status.Terminal() {
		return false, nil
	}

	accepted, err := s.store.RequestCancel(ctx, jobID)
	if err != nil {
		return false, err
	}
	if !accepted {
		// Lost a race against the rollup reaching a terminal status.
		return false, nil
	}

	now := time.Now().UTC()
	canceled, err := s.store.CancelPendingItems(ctx, jobID, now)
	if err != nil {
		return false, err
	}

	s.logger.Info().
		Str("job_id", jobID).
		Int("canceled_items", canceled).
		Msg("job cancel requested")
	s.events.PublishJobEvent(ctx, domain.NewJobCanceledEvent(jobID, canceled, now))

	// If nothing is in flight the job settles right here; otherwise the
	// scheduler's rollup finalizes it when the last in-flight item ends.
	items, err := s.store.ListItems(ctx, jobID)
	if err != nil {
		return true, err
	}
	rollup := domain.ComputeRollup(items)
	if rollup.AllTerminal {
		if err := s.finalize(ctx, job, rollup, true, now); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Retry reopens failed items of a job for a fresh processing attempt. When
// indexes is non-empty only that subset is considered; indexes pointing at
// items that are not Failed are ignored. Succeeded items are never reopened.
// Returns false when the job does not exist or has no failed items to retry.
func (s *Service) Retry(ctx context.Context, jobID string, indexes []int) (bool, error) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		if err == domain.ErrNotFound {
			return false, nil
		}
		return false, err
	}

	requested := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		requested[idx] = struct{}{}
	}
	var retriable []int
	for _, it := range job.Items {
		if it.Status != domain.ItemStatusFailed {
			continue
		}
		if len(requested) > 0 {
			if _, ok := requested[it.Index]; !ok {
				continue
			}
		}
		retriable = append(retriable, it.Index)
	}
	if len(retriable) == 0 {
		return false, nil
	}

	if _, err := s.store.ResetItems(ctx, jobID, retriable); err != nil {
		return false, err
	}

	// The retry always moves the job out of any terminal status and back to
	// InProgress; the rollup is recomputed from scratch once the reopened
	// items resettle, never patched incrementally.
	items, err := s.store.ListItems(ctx, jobID)
	if err != nil {
		return false, err
	}
	rollup := domain.ComputeRollup(items)
	if err := s.store.UpdateJobStatus(ctx, jobID, domain.JobStatusUpdate{
		Status:         domain.JobStatusInProgress,
		CompletedItems: rollup.CompletedItems,
		FailedItems:    rollup.FailedItems,
		ClearCancel:    true,
	}); err != nil {
		return false, fmt.Errorf("reopen job: %w", err)
	}

	now := time.Now().UTC()
	s.logger.Info().
		Str("job_id", jobID).
		Ints("items", retriable).
		Msg("job retried")
	s.events.PublishJobEvent(ctx, domain.NewJobRetriedEvent(jobID, retriable, now))
	return true, nil
}

// finalize writes the terminal status for a fully settled job and emits the
// terminal event.
func (s *Service) finalize(ctx context.Context, job *domain.Job, rollup domain.Rollup, cancelRequested bool, now time.Time) error {
	status := rollup.FinalStatus(cancelRequested)
	upd := domain.JobStatusUpdate{
		Status:         status,
		CompletedItems: rollup.CompletedItems,
		FailedItems:    rollup.FailedItems,
		CompletedAt:    &now,
	}
	if job.StartedAt != nil {
		upd.ActualDurationMs = now.Sub(*job.StartedAt).Milliseconds()
	}
	if err := s.store.UpdateJobStatus(ctx, job.ID, upd); err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	s.events.PublishJobEvent(ctx, domain.NewJobCompletedEvent(job.ID, status, rollup.CompletedItems, rollup.FailedItems, now))
	return nil
}
