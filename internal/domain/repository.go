package domain

import (
	"context"
	"time"
)

// SearchFilter selects jobs for a paginated search. Empty Type or OwnerID
// matches everything. Take must be clamped by the caller-facing boundary;
// the store never returns an unbounded result set.
type SearchFilter struct {
	Type    string
	OwnerID string
	Skip    int
	Take    int
}

// ItemResult records the terminal outcome of one processing attempt. Output
// and error are mutually exclusive: OutputJSON is set on Success, and
// ErrorMessage only on Failed.
type ItemResult struct {
	Status       JobItemStatus
	OutputJSON   []byte
	ErrorMessage string
}

// JobStatusUpdate is the scheduler-safe mutable subset of a job. Counters
// come from a rollup, never from ad hoc increments. StartedAt is recorded
// once: stores ignore it when the job already has a start time. A nil
// CompletedAt clears the field, which is how a retry reopens a terminal job.
type JobStatusUpdate struct {
	Status           JobStatus
	CompletedItems   int
	FailedItems      int
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ActualDurationMs int64
	ClearCancel      bool
}

// JobStore is the durable persistence contract for jobs and their items.
// All mutation of shared job state goes through these primitives; in
// particular TryClaimItem is the atomic claim that serializes concurrent
// schedulers.
type JobStore interface {
	// Create persists a new job together with its items.
	Create(ctx context.Context, job *Job) error

	// GetByID returns the job with its items ordered by index, or
	// ErrNotFound.
	GetByID(ctx context.Context, jobID string) (*Job, error)

	// Search returns a page of jobs (without items) plus the total count
	// matching the filter, newest first.
	Search(ctx context.Context, f SearchFilter) ([]Job, int, error)

	// ListRunnable returns up to limit jobs that still have pending items
	// and are not marked for cancellation, oldest first.
	ListRunnable(ctx context.Context, limit int) ([]Job, error)

	// ListItems returns all items of a job ordered by index.
	ListItems(ctx context.Context, jobID string) ([]JobItem, error)

	// TryClaimItem transitions an item from Pending to InProgress. The
	// transition is conditional on the status still being Pending, so two
	// schedulers racing on the same item yield exactly one winner; the
	// loser observes false with no error.
	TryClaimItem(ctx context.Context, jobID string, index int, startedAt time.Time) (bool, error)

	// UpdateItem persists the terminal result of a claimed item.
	UpdateItem(ctx context.Context, jobID string, index int, res ItemResult, completedAt time.Time) error

	// UpdateJobStatus persists a job-level status and counter update.
	UpdateJobStatus(ctx context.Context, jobID string, upd JobStatusUpdate) error

	// CancelRequested reports whether the job has been marked for
	// cancellation.
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	// RequestCancel marks a non-terminal job for cancellation. Returns
	// false when the job does not exist or is already terminal.
	RequestCancel(ctx context.Context, jobID string) (bool, error)

	// CancelPendingItems marks every still-pending item of the job as
	// Canceled and returns how many were affected. Items already claimed
	// or terminal are left alone.
	CancelPendingItems(ctx context.Context, jobID string, at time.Time) (int, error)

	// ResetItems reopens the given failed items as Pending, clearing
	// output, error and timing. Indexes that are not currently Failed are
	// ignored. Returns how many items were reset.
	ResetItems(ctx context.Context, jobID string, indexes []int) (int, error)
}
