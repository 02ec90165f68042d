// Package scheduler drives job execution: it polls the store for runnable
// jobs, claims their items one at a time and invokes the registered work
// handler for the job's type, throttled by the configured concurrency and
// pacing limits.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jobengine/internal/domain"
	"jobengine/internal/jobs"
)

// Config holds the throttling knobs for the scheduler.
type Config struct {
	// MaxConcurrentJobs caps how many jobs run items at the same time.
	MaxConcurrentJobs int
	// MaxItemsPerBatch caps how many items one job processes per dispatch;
	// a job with more pending items is re-picked on a later poll.
	MaxItemsPerBatch int
	// DelayBetweenItems paces successive items of the same job.
	DelayBetweenItems time.Duration
	// ItemTimeout bounds a single handler invocation.
	ItemTimeout time.Duration
	// PollInterval is how often the store is polled for runnable jobs.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 1
	}
	if c.MaxItemsPerBatch <= 0 {
		c.MaxItemsPerBatch = 100
	}
	if c.DelayBetweenItems < 0 {
		c.DelayBetweenItems = 0
	}
	if c.ItemTimeout <= 0 {
		c.ItemTimeout = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Scheduler owns the dispatch loop. One instance runs per process; the
// store's conditional item claim keeps multiple processes from double
// executing an item.
type Scheduler struct {
	store    domain.JobStore
	registry *jobs.Registry
	events   domain.EventPublisher
	logger   zerolog.Logger
	cfg      Config

	slots chan struct{}
	wake  chan struct{}

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. Zero-valued config fields fall back to defaults.
func New(store domain.JobStore, registry *jobs.Registry, events domain.EventPublisher, logger zerolog.Logger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		store:    store,
		registry: registry,
		events:   events,
		logger:   logger,
		cfg:      cfg,
		slots:    make(chan struct{}, cfg.MaxConcurrentJobs),
		wake:     make(chan struct{}, 1),
		active:   make(map[string]struct{}),
	}
}

// Wake nudges the dispatch loop ahead of the next poll tick. Safe to call
// from any goroutine; coalesces when a nudge is already pending.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run blocks, dispatching runnable jobs until ctx is canceled. In-flight
// items are allowed to settle before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Int("max_concurrent_jobs", s.cfg.MaxConcurrentJobs).
		Int("max_items_per_batch", s.cfg.MaxItemsPerBatch).
		Dur("delay_between_items", s.cfg.DelayBetweenItems).
		Msg("scheduler started")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		s.dispatch(ctx)
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.logger.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-s.wake:
		}
	}
}

// dispatch claims free job slots and starts a worker goroutine per runnable
// job not already being processed by this instance.
func (s *Scheduler) dispatch(ctx context.Context) {
	runnable, err := s.store.ListRunnable(ctx, s.cfg.MaxConcurrentJobs*2)
	if err != nil {
		s.logger.Error().Err(err).Msg("list runnable jobs")
		return
	}
	for _, job := range runnable {
		s.mu.Lock()
		if _, busy := s.active[job.ID]; busy {
			s.mu.Unlock()
			continue
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.mu.Unlock()
			return
		}
		s.active[job.ID] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func(jobID string) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.active, jobID)
				s.mu.Unlock()
				<-s.slots
			}()
			s.runJob(ctx, jobID)
		}(job.ID)
	}
}

// batchInput is the portion of the job-level payload the scheduler itself
// understands; the rest stays opaque to the handler.
type batchInput struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// runJob processes up to MaxItemsPerBatch pending items of one job in index
// order, pacing each item and re-checking the cancel flag before every claim.
func (s *Scheduler) runJob(ctx context.Context, jobID string) {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("load job")
		return
	}

	handler, ok := s.registry.Get(job.Type)
	if !ok {
		s.failUnknownType(ctx, job)
		return
	}

	now := time.Now().UTC()
	if job.Status == domain.JobStatusPending {
		rollup := domain.ComputeRollup(job.Items)
		if err := s.store.UpdateJobStatus(ctx, jobID, domain.JobStatusUpdate{
			Status:         domain.JobStatusInProgress,
			CompletedItems: rollup.CompletedItems,
			FailedItems:    rollup.FailedItems,
			StartedAt:      &now,
		}); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("mark job in progress")
			return
		}
	}

	var in batchInput
	if len(job.InputJSON) > 0 {
		// Malformed job-level input is not fatal; the handler just sees
		// empty provider and model.
		_ = json.Unmarshal(job.InputJSON, &in)
	}

	processed := 0
	for _, it := range job.Items {
		if ctx.Err() != nil {
			return
		}
		if processed >= s.cfg.MaxItemsPerBatch {
			s.logger.Debug().Str("job_id", jobID).Int("processed", processed).Msg("batch cap reached")
			return
		}
		if it.Status != domain.ItemStatusPending {
			continue
		}

		canceled, err := s.store.CancelRequested(ctx, jobID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("check cancel flag")
			return
		}
		if canceled {
			break
		}

		claimed, err := s.store.TryClaimItem(ctx, jobID, it.Index, time.Now().UTC())
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Int("item", it.Index).Msg("claim item")
			return
		}
		if !claimed {
			// Another scheduler instance or a cancel got here first.
			continue
		}

		if processed > 0 && s.cfg.DelayBetweenItems > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.DelayBetweenItems):
			}
		}

		s.events.PublishJobItemEvent(ctx, domain.NewJobItemStartedEvent(jobID, it.Index, time.Now().UTC()))

		res := s.invoke(ctx, handler, jobs.ItemContext{
			JobID:     jobID,
			Index:     it.Index,
			OwnerID:   job.OwnerID,
			Provider:  in.Provider,
			Model:     in.Model,
			JobInput:  job.InputJSON,
			ItemInput: it.InputJSON,
		})

		settledAt := time.Now().UTC()
		if err := s.store.UpdateItem(ctx, jobID, it.Index, res, settledAt); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Int("item", it.Index).Msg("settle item")
			return
		}
		s.events.PublishJobItemEvent(ctx, domain.NewJobItemCompletedEvent(domain.JobItem{
			JobID:        jobID,
			Index:        it.Index,
			Status:       res.Status,
			OutputJSON:   res.OutputJSON,
			ErrorMessage: res.ErrorMessage,
		}, settledAt))

		if err := s.rollup(ctx, jobID); err != nil {
			s.logger.Error().Err(err).Str("job_id", jobID).Msg("rollup")
			return
		}
		processed++
	}

	// Items may also have settled through a cancel; reconcile once more so
	// a fully settled job cannot stay open.
	if err := s.rollup(ctx, jobID); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("rollup")
	}
}

// invoke runs one handler call under the item timeout, converting panics and
// errors into a Failed item result.
func (s *Scheduler) invoke(ctx context.Context, handler jobs.Handler, item jobs.ItemContext) (res domain.ItemResult) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job_id", item.JobID).
				Int("item", item.Index).
				Interface("panic", r).
				Msg("handler panicked")
			res = domain.ItemResult{
				Status:       domain.ItemStatusFailed,
				ErrorMessage: fmt.Sprintf("handler panic: %v", r),
			}
		}
	}()

	out, err := handler.ProcessItem(ctx, item)
	if err != nil {
		return domain.ItemResult{Status: domain.ItemStatusFailed, ErrorMessage: err.Error()}
	}
	return domain.ItemResult{Status: domain.ItemStatusSuccess, OutputJSON: out}
}

// rollup recomputes the job's counters from a full item re-read and writes
// them back, finalizing the job when every item is terminal. Recomputing
// instead of incrementing keeps the write idempotent under races.
func (s *Scheduler) rollup(ctx context.Context, jobID string) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	rollup := domain.ComputeRollup(job.Items)

	if !rollup.AllTerminal {
		return s.store.UpdateJobStatus(ctx, jobID, domain.JobStatusUpdate{
			Status:         domain.JobStatusInProgress,
			CompletedItems: rollup.CompletedItems,
			FailedItems:    rollup.FailedItems,
		})
	}

	now := time.Now().UTC()
	status := rollup.FinalStatus(job.CancelRequested)
	upd := domain.JobStatusUpdate{
		Status:         status,
		CompletedItems: rollup.CompletedItems,
		FailedItems:    rollup.FailedItems,
		CompletedAt:    &now,
	}
	if job.StartedAt != nil {
		upd.ActualDurationMs = now.Sub(*job.StartedAt).Milliseconds()
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, upd); err != nil {
		return err
	}
	s.logger.Info().
		Str("job_id", jobID).
		Str("status", string(status)).
		Int("completed", rollup.CompletedItems).
		Int("failed", rollup.FailedItems).
		Msg("job finished")
	s.events.PublishJobEvent(ctx, domain.NewJobCompletedEvent(jobID, status, rollup.CompletedItems, rollup.FailedItems, now))
	return nil
}

// failUnknownType settles every pending item of a job whose type has no
// registered handler. This is a configuration error, so the items fail
// immediately instead of being retried forever.
func (s *Scheduler) failUnknownType(ctx context.Context, job *domain.Job) {
	s.logger.Error().Str("job_id", job.ID).Str("type", job.Type).Msg("no handler registered for job type")

	msg := fmt.Sprintf("no handler registered for job type %q", job.Type)
	now := time.Now().UTC()
	for _, it := range job.Items {
		if it.Status != domain.ItemStatusPending {
			continue
		}
		claimed, err := s.store.TryClaimItem(ctx, job.ID, it.Index, now)
		if err != nil || !claimed {
			continue
		}
		if err := s.store.UpdateItem(ctx, job.ID, it.Index, domain.ItemResult{
			Status:       domain.ItemStatusFailed,
			ErrorMessage: msg,
		}, now); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Int("item", it.Index).Msg("settle item")
		}
	}
	if err := s.rollup(ctx, job.ID); err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("rollup")
	}
}
