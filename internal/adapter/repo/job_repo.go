package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"jobengine/internal/domain"
	"jobengine/internal/infra"
	"jobengine/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobStore on PostgreSQL. The atomic claim
// is a conditional UPDATE on the item status, so concurrent schedulers and
// instances sharing the database resolve races at the store.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
	sql  infra.SQLExecutor
}

// NewJobRepository creates a job store backed by PostgreSQL. Single
// statements run through the audited SQL runner; only the multi-statement
// create transaction talks to the pool directly.
func NewJobRepository(pool *pgxpool.Pool, logger zerolog.Logger) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool, sql: infra.NewSQLRunner(pool, logger)}
}

// Migrate creates the engine's tables if they do not exist.
func (r *JobRepositoryPG) Migrate(ctx context.Context) error {
	_, err := r.sql.Exec(ctx, sqlinline.DDLJobTables)
	return err
}

// Create inserts the job and all of its items in one transaction.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, sqlinline.QInsertJob,
		job.ID,
		job.OwnerID,
		job.Type,
		job.Status,
		job.TotalItems,
		job.CompletedItems,
		job.FailedItems,
		nullableBytes(job.InputJSON),
		job.EstimatedDurationMs,
		job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	for _, it := range job.Items {
		_, err = tx.Exec(ctx, sqlinline.QInsertJobItem, job.ID, it.Index, it.Status, nullableBytes(it.InputJSON))
		if err != nil {
			return fmt.Errorf("insert job item %d: %w", it.Index, err)
		}
	}

	return tx.Commit(ctx)
}

// GetByID fetches a job and its items ordered by index.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectJobByID, jobID)

	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Type,
		&job.Status,
		&job.TotalItems,
		&job.CompletedItems,
		&job.FailedItems,
		&job.InputJSON,
		&job.EstimatedDurationMs,
		&job.ActualDurationMs,
		&job.CancelRequested,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	items, err := r.ListItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Items = items
	return &job, nil
}

// Search returns a page of jobs without items plus the total match count.
func (r *JobRepositoryPG) Search(ctx context.Context, f domain.SearchFilter) ([]domain.Job, int, error) {
	var total int
	if err := r.sql.QueryRow(ctx, sqlinline.QCountJobs, f.Type, f.OwnerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := r.sql.Query(ctx, sqlinline.QSearchJobs, f.Type, f.OwnerID, f.Skip, f.Take)
	if err != nil {
		return nil, 0, fmt.Errorf("search jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(
			&job.ID,
			&job.OwnerID,
			&job.Type,
			&job.Status,
			&job.TotalItems,
			&job.CompletedItems,
			&job.FailedItems,
			&job.EstimatedDurationMs,
			&job.ActualDurationMs,
			&job.CancelRequested,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
		); err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// ListRunnable returns jobs that still have pending items and are not marked
// for cancellation, oldest first.
func (r *JobRepositoryPG) ListRunnable(ctx context.Context, limit int) ([]domain.Job, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListRunnableJobs, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var job domain.Job
		if err := rows.Scan(
			&job.ID,
			&job.OwnerID,
			&job.Type,
			&job.Status,
			&job.TotalItems,
			&job.CompletedItems,
			&job.FailedItems,
			&job.InputJSON,
			&job.EstimatedDurationMs,
			&job.ActualDurationMs,
			&job.CancelRequested,
			&job.CreatedAt,
			&job.StartedAt,
			&job.CompletedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListItems returns all items of a job ordered by index.
func (r *JobRepositoryPG) ListItems(ctx context.Context, jobID string) ([]domain.JobItem, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListJobItems, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job items: %w", err)
	}
	defer rows.Close()

	var items []domain.JobItem
	for rows.Next() {
		var it domain.JobItem
		if err := rows.Scan(
			&it.JobID,
			&it.Index,
			&it.Status,
			&it.InputJSON,
			&it.OutputJSON,
			&it.ErrorMessage,
			&it.StartedAt,
			&it.CompletedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// TryClaimItem performs the atomic Pending to InProgress transition. The
// conditional WHERE clause guarantees exactly one winner under concurrent
// claims; the loser sees zero rows affected.
func (r *JobRepositoryPG) TryClaimItem(ctx context.Context, jobID string, index int, startedAt time.Time) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QClaimJobItem, jobID, index, startedAt)
	if err != nil {
		return false, fmt.Errorf("claim item: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateItem persists the terminal result of a claimed item.
func (r *JobRepositoryPG) UpdateItem(ctx context.Context, jobID string, index int, res domain.ItemResult, completedAt time.Time) error {
	_, err := r.sql.Exec(ctx, sqlinline.QSettleJobItem,
		jobID, index, res.Status, nullableBytes(res.OutputJSON), res.ErrorMessage, completedAt)
	return err
}

// UpdateJobStatus persists a job-level status and counter update. started_at
// is only ever set once via COALESCE.
func (r *JobRepositoryPG) UpdateJobStatus(ctx context.Context, jobID string, upd domain.JobStatusUpdate) error {
	_, err := r.sql.Exec(ctx, sqlinline.QUpdateJobStatus,
		jobID,
		upd.Status,
		upd.CompletedItems,
		upd.FailedItems,
		upd.StartedAt,
		upd.CompletedAt,
		upd.ActualDurationMs,
		upd.ClearCancel,
	)
	return err
}

// CancelRequested reports the cancellation flag for a job.
func (r *JobRepositoryPG) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var requested bool
	err := r.sql.QueryRow(ctx, sqlinline.QSelectCancelRequested, jobID).Scan(&requested)
	if infra.IsNoRows(err) {
		return false, domain.ErrNotFound
	}
	return requested, err
}

// RequestCancel marks a non-terminal job for cancellation.
func (r *JobRepositoryPG) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QRequestCancelJob, jobID)
	if err != nil {
		return false, fmt.Errorf("request cancel: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelPendingItems marks every still-pending item as Canceled. Items
// already claimed by a scheduler are allowed to finish.
func (r *JobRepositoryPG) CancelPendingItems(ctx context.Context, jobID string, at time.Time) (int, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QCancelPendingJobItems, jobID, at)
	if err != nil {
		return 0, fmt.Errorf("cancel pending items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ResetItems reopens failed items as Pending for a fresh attempt.
func (r *JobRepositoryPG) ResetItems(ctx context.Context, jobID string, indexes []int) (int, error) {
	if len(indexes) == 0 {
		return 0, nil
	}
	idx := make([]int32, len(indexes))
	for i, n := range indexes {
		idx[i] = int32(n)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QResetJobItems, jobID, idx)
	if err != nil {
		return 0, fmt.Errorf("reset items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
