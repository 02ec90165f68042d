package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"jobengine/internal/adapter/repo"
	"jobengine/internal/domain"
)

// capturePublisher records published events in order.
type capturePublisher struct {
	mu     sync.Mutex
	events []domain.JobEvent
}

func (p *capturePublisher) PublishJobEvent(_ context.Context, evt domain.JobEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturePublisher) PublishJobItemEvent(_ context.Context, evt domain.JobItemEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturePublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventKind())
	}
	return out
}

func newTestService(t *testing.T) (*Service, *repo.MemoryStore, *capturePublisher) {
	t.Helper()
	store := repo.NewMemoryStore()
	pub := &capturePublisher{}
	return NewService(store, pub, zerolog.Nop()), store, pub
}

func addJob(t *testing.T, svc *Service, items int) *domain.Job {
	t.Helper()
	payloads := make([]json.RawMessage, items)
	for i := range payloads {
		payloads[i] = json.RawMessage(`{"prompt":"goblin"}`)
	}
	job, err := svc.Add(context.Background(), AddJobInput{
		OwnerID: "owner-1",
		Type:    "asset_generation",
		Items:   payloads,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return job
}

func settleItem(t *testing.T, store *repo.MemoryStore, jobID string, index int, res domain.ItemResult) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.TryClaimItem(ctx, jobID, index, time.Now().UTC()); err != nil {
		t.Fatalf("claim item %d: %v", index, err)
	}
	if err := store.UpdateItem(ctx, jobID, index, res, time.Now().UTC()); err != nil {
		t.Fatalf("settle item %d: %v", index, err)
	}
}

func TestAddCreatesPendingJob(t *testing.T) {
	svc, store, pub := newTestService(t)
	job := addJob(t, svc, 3)

	if job.Status != domain.JobStatusPending {
		t.Fatalf("expected Pending, got %q", job.Status)
	}
	if job.TotalItems != 3 || len(job.Items) != 3 {
		t.Fatalf("expected 3 items, got total=%d len=%d", job.TotalItems, len(job.Items))
	}
	for i, it := range job.Items {
		if it.Index != i || it.Status != domain.ItemStatusPending {
			t.Errorf("item %d: index=%d status=%q", i, it.Index, it.Status)
		}
	}
	if _, err := store.GetByID(context.Background(), job.ID); err != nil {
		t.Fatalf("job not persisted: %v", err)
	}
	if kinds := pub.kinds(); len(kinds) != 1 || kinds[0] != domain.EventJobCreated {
		t.Fatalf("expected a single JobCreated event, got %v", kinds)
	}
}

func TestAddIDsAreTimeOrdered(t *testing.T) {
	svc, _, _ := newTestService(t)
	a := addJob(t, svc, 1)
	time.Sleep(2 * time.Millisecond)
	b := addJob(t, svc, 1)
	if !(a.ID < b.ID) {
		t.Fatalf("expected lexicographically ordered ids, got %q then %q", a.ID, b.ID)
	}
}

func TestAddValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	cases := []struct {
		name string
		in   AddJobInput
	}{
		{"missing type", AddJobInput{OwnerID: "o", Items: []json.RawMessage{[]byte(`{}`)}}},
		{"no items", AddJobInput{OwnerID: "o", Type: "asset_generation"}},
		{"missing owner", AddJobInput{Type: "asset_generation", Items: []json.RawMessage{[]byte(`{}`)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Add(context.Background(), tc.in); !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestGetByIDUnknown(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelPendingJob(t *testing.T) {
	svc, store, pub := newTestService(t)
	job := addJob(t, svc, 2)

	ok, err := svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok {
		t.Fatal("cancel of a pending job must be accepted")
	}

	got, err := store.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	// No items in flight, so the job settles immediately.
	if got.Status != domain.JobStatusCancelled {
		t.Fatalf("expected Cancelled, got %q", got.Status)
	}
	for _, it := range got.Items {
		if it.Status != domain.ItemStatusCanceled {
			t.Errorf("item %d: expected Canceled, got %q", it.Index, it.Status)
		}
	}
	want := []domain.EventKind{domain.EventJobCreated, domain.EventJobCanceled, domain.EventJobCompleted}
	if kinds := pub.kinds(); len(kinds) != len(want) || kinds[1] != want[1] || kinds[2] != want[2] {
		t.Fatalf("expected events %v, got %v", want, kinds)
	}
}

func TestCancelWithInFlightItemDefersFinalization(t *testing.T) {
	svc, store, _ := newTestService(t)
	job := addJob(t, svc, 3)
	ctx := context.Background()

	if _, err := store.TryClaimItem(ctx, job.ID, 0, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}

	ok, err := svc.Cancel(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status.Terminal() {
		t.Fatalf("job must stay open while item 0 is in flight, got %q", got.Status)
	}
	if got.Items[0].Status != domain.ItemStatusInProgress {
		t.Fatalf("in-flight item must keep running, got %q", got.Items[0].Status)
	}
	for _, it := range got.Items[1:] {
		if it.Status != domain.ItemStatusCanceled {
			t.Errorf("item %d: expected Canceled, got %q", it.Index, it.Status)
		}
	}
	if !got.CancelRequested {
		t.Fatal("cancel flag must be set for the scheduler to observe")
	}
}

func TestCancelTerminalOrMissingJob(t *testing.T) {
	svc, store, _ := newTestService(t)
	job := addJob(t, svc, 1)
	settleItem(t, store, job.ID, 0, domain.ItemResult{Status: domain.ItemStatusSuccess})
	now := time.Now().UTC()
	if err := store.UpdateJobStatus(context.Background(), job.ID, domain.JobStatusUpdate{
		Status:         domain.JobStatusCompleted,
		CompletedItems: 1,
		CompletedAt:    &now,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	ok, err := svc.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if ok {
		t.Fatal("cancel of a completed job must be refused")
	}

	ok, err = svc.Cancel(context.Background(), "missing")
	if err != nil {
		t.Fatalf("cancel missing: %v", err)
	}
	if ok {
		t.Fatal("cancel of an unknown job must be refused")
	}
}

func TestRetryReopensOnlyFailedItems(t *testing.T) {
	svc, store, pub := newTestService(t)
	job := addJob(t, svc, 3)
	ctx := context.Background()

	settleItem(t, store, job.ID, 0, domain.ItemResult{Status: domain.ItemStatusSuccess, OutputJSON: []byte(`{"url":"a"}`)})
	settleItem(t, store, job.ID, 1, domain.ItemResult{Status: domain.ItemStatusFailed, ErrorMessage: "provider error"})
	settleItem(t, store, job.ID, 2, domain.ItemResult{Status: domain.ItemStatusFailed, ErrorMessage: "provider error"})
	now := time.Now().UTC()
	if err := store.UpdateJobStatus(ctx, job.ID, domain.JobStatusUpdate{
		Status:         domain.JobStatusPartialSuccess,
		CompletedItems: 1,
		FailedItems:    2,
		CompletedAt:    &now,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	ok, err := svc.Retry(ctx, job.ID, nil)
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusInProgress {
		t.Fatalf("retried job must be InProgress, got %q", got.Status)
	}
	if got.CompletedAt != nil {
		t.Fatal("retried job must not keep a completion timestamp")
	}
	if got.Items[0].Status != domain.ItemStatusSuccess {
		t.Fatalf("succeeded item must never be reopened, got %q", got.Items[0].Status)
	}
	for _, it := range got.Items[1:] {
		if it.Status != domain.ItemStatusPending || it.ErrorMessage != "" {
			t.Errorf("item %d: expected clean Pending, got %q %q", it.Index, it.Status, it.ErrorMessage)
		}
	}
	if got.CompletedItems != 1 || got.FailedItems != 0 {
		t.Fatalf("counters must be recomputed: completed=%d failed=%d", got.CompletedItems, got.FailedItems)
	}

	kinds := pub.kinds()
	if kinds[len(kinds)-1] != domain.EventJobRetried {
		t.Fatalf("expected JobRetried last, got %v", kinds)
	}
}

func TestRetrySubsetOfFailedItems(t *testing.T) {
	svc, store, _ := newTestService(t)
	job := addJob(t, svc, 3)
	ctx := context.Background()

	for idx := 0; idx < 3; idx++ {
		settleItem(t, store, job.ID, idx, domain.ItemResult{Status: domain.ItemStatusFailed, ErrorMessage: "provider error"})
	}

	ok, err := svc.Retry(ctx, job.ID, []int{2})
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Items[0].Status != domain.ItemStatusFailed || got.Items[1].Status != domain.ItemStatusFailed {
		t.Fatal("unselected failed items must stay Failed")
	}
	if got.Items[2].Status != domain.ItemStatusPending {
		t.Fatalf("selected item must be reopened, got %q", got.Items[2].Status)
	}
}

func TestRetryClearsCancelFlag(t *testing.T) {
	svc, store, _ := newTestService(t)
	job := addJob(t, svc, 1)
	ctx := context.Background()

	settleItem(t, store, job.ID, 0, domain.ItemResult{Status: domain.ItemStatusFailed, ErrorMessage: "provider error"})
	if _, err := store.RequestCancel(ctx, job.ID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	ok, err := svc.Retry(ctx, job.ID, nil)
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}

	flag, err := store.CancelRequested(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if flag {
		t.Fatal("retry must clear a stale cancel request")
	}
}

func TestRetryWithNothingToRetry(t *testing.T) {
	svc, store, _ := newTestService(t)
	job := addJob(t, svc, 1)
	settleItem(t, store, job.ID, 0, domain.ItemResult{Status: domain.ItemStatusSuccess})

	ok, err := svc.Retry(context.Background(), job.ID, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if ok {
		t.Fatal("retry with no failed items must be refused")
	}

	ok, err = svc.Retry(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("retry missing: %v", err)
	}
	if ok {
		t.Fatal("retry of an unknown job must be refused")
	}
}

func TestSearchClampsPaging(t *testing.T) {
	svc, _, _ := newTestService(t)
	addJob(t, svc, 1)
	addJob(t, svc, 1)

	jobs, total, err := svc.Search(context.Background(), domain.SearchFilter{Skip: -5, Take: 0})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(jobs) != 2 {
		t.Fatalf("expected both jobs, got %d of %d", len(jobs), total)
	}
}
