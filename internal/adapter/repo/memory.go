package repo

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobengine/internal/domain"
)

var (
	_ domain.JobStore = (*JobRepositoryPG)(nil)
	_ domain.JobStore = (*MemoryStore)(nil)
)

// MemoryStore is a mutex-guarded in-memory implementation of domain.JobStore.
// Intended for unit tests and single-process development without a database.
// The mutex gives the same exactly-one-winner claim semantics as the
// conditional UPDATE in the PostgreSQL store.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*domain.Job
}

// NewMemoryStore returns an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*domain.Job)}
}

func (m *MemoryStore) Create(_ context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneJob(job)
	m.jobs[job.ID] = cp
	return nil
}

func (m *MemoryStore) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) Search(_ context.Context, f domain.SearchFilter) ([]domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*domain.Job
	for _, j := range m.jobs {
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	total := len(matched)
	if f.Skip >= total {
		return nil, total, nil
	}
	matched = matched[f.Skip:]
	if f.Take > 0 && f.Take < len(matched) {
		matched = matched[:f.Take]
	}

	out := make([]domain.Job, 0, len(matched))
	for _, j := range matched {
		cp := cloneJob(j)
		cp.Items = nil
		out = append(out, *cp)
	}
	return out, total, nil
}

func (m *MemoryStore) ListRunnable(_ context.Context, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var runnable []*domain.Job
	for _, j := range m.jobs {
		if j.Status.Terminal() || j.CancelRequested {
			continue
		}
		hasPending := false
		for _, it := range j.Items {
			if it.Status == domain.ItemStatusPending {
				hasPending = true
				break
			}
		}
		if hasPending {
			runnable = append(runnable, j)
		}
	}
	sort.Slice(runnable, func(i, k int) bool {
		return runnable[i].CreatedAt.Before(runnable[k].CreatedAt)
	})
	if limit > 0 && limit < len(runnable) {
		runnable = runnable[:limit]
	}

	out := make([]domain.Job, 0, len(runnable))
	for _, j := range runnable {
		out = append(out, *cloneJob(j))
	}
	return out, nil
}

func (m *MemoryStore) ListItems(_ context.Context, jobID string) ([]domain.JobItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	items := make([]domain.JobItem, len(j.Items))
	copy(items, j.Items)
	return items, nil
}

func (m *MemoryStore) TryClaimItem(_ context.Context, jobID string, index int, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.item(jobID, index)
	if it == nil {
		return false, domain.ErrNotFound
	}
	if it.Status != domain.ItemStatusPending {
		return false, nil
	}
	t := startedAt
	it.Status = domain.ItemStatusInProgress
	it.StartedAt = &t
	return true, nil
}

func (m *MemoryStore) UpdateItem(_ context.Context, jobID string, index int, res domain.ItemResult, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := m.item(jobID, index)
	if it == nil {
		return domain.ErrNotFound
	}
	t := completedAt
	it.Status = res.Status
	it.OutputJSON = append([]byte(nil), res.OutputJSON...)
	it.ErrorMessage = res.ErrorMessage
	it.CompletedAt = &t
	return nil
}

func (m *MemoryStore) UpdateJobStatus(_ context.Context, jobID string, upd domain.JobStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = upd.Status
	j.CompletedItems = upd.CompletedItems
	j.FailedItems = upd.FailedItems
	if j.StartedAt == nil && upd.StartedAt != nil {
		t := *upd.StartedAt
		j.StartedAt = &t
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		j.CompletedAt = &t
	} else {
		j.CompletedAt = nil
	}
	j.ActualDurationMs = upd.ActualDurationMs
	if upd.ClearCancel {
		j.CancelRequested = false
	}
	return nil
}

func (m *MemoryStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	return j.CancelRequested, nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status.Terminal() {
		return false, nil
	}
	j.CancelRequested = true
	return true, nil
}

func (m *MemoryStore) CancelPendingItems(_ context.Context, jobID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	n := 0
	for i := range j.Items {
		if j.Items[i].Status == domain.ItemStatusPending {
			t := at
			j.Items[i].Status = domain.ItemStatusCanceled
			j.Items[i].CompletedAt = &t
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ResetItems(_ context.Context, jobID string, indexes []int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	want := make(map[int]struct{}, len(indexes))
	for _, idx := range indexes {
		want[idx] = struct{}{}
	}
	n := 0
	for i := range j.Items {
		if _, ok := want[j.Items[i].Index]; !ok {
			continue
		}
		if j.Items[i].Status != domain.ItemStatusFailed {
			continue
		}
		j.Items[i].Status = domain.ItemStatusPending
		j.Items[i].OutputJSON = nil
		j.Items[i].ErrorMessage = ""
		j.Items[i].StartedAt = nil
		j.Items[i].CompletedAt = nil
		n++
	}
	return n, nil
}

// item returns a pointer into the stored job's items. Callers must hold mu.
func (m *MemoryStore) item(jobID string, index int) *domain.JobItem {
	j, ok := m.jobs[jobID]
	if !ok {
		return nil
	}
	for i := range j.Items {
		if j.Items[i].Index == index {
			return &j.Items[i]
		}
	}
	return nil
}

func cloneJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.InputJSON = append([]byte(nil), j.InputJSON...)
	cp.Items = make([]domain.JobItem, len(j.Items))
	copy(cp.Items, j.Items)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
