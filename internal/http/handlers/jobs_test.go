package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"jobengine/internal/adapter/repo"
	"jobengine/internal/domain"
	"jobengine/internal/jobs"
	"jobengine/internal/middleware"
	"jobengine/internal/storage"
)

type nopPublisher struct{}

func (nopPublisher) PublishJobEvent(context.Context, domain.JobEvent)         {}
func (nopPublisher) PublishJobItemEvent(context.Context, domain.JobItemEvent) {}

// testIdentity injects the principal from headers, standing in for the JWT
// middleware.
func testIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := middleware.ContextWithUserID(r.Context(), r.Header.Get("X-Test-User"))
		ctx = middleware.ContextWithRole(ctx, r.Header.Get("X-Test-Role"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type testEnv struct {
	store *repo.MemoryStore
	svc   *jobs.Service
	files *storage.FileStore
}

func newTestRouter(t *testing.T) (http.Handler, *repo.MemoryStore, *jobs.Service) {
	t.Helper()
	h, env := newTestEnv(t)
	return h, env.store, env.svc
}

func newTestEnv(t *testing.T) (http.Handler, testEnv) {
	t.Helper()
	store := repo.NewMemoryStore()
	svc := jobs.NewService(store, nopPublisher{}, zerolog.Nop())
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	app := NewApp(svc, files, zerolog.Nop())

	r := chi.NewRouter()
	r.Use(testIdentity)
	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", app.CreateJob)
		r.Get("/", app.SearchJobs)
		r.Get("/{job_id}", app.GetJob)
		r.Post("/{job_id}/cancel", app.CancelJob)
		r.Post("/{job_id}/retry", app.RetryJob)
		r.Get("/{job_id}/archive", app.ArchiveJob)
	})
	return r, testEnv{store: store, svc: svc, files: files}
}

func doRequest(t *testing.T, h http.Handler, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createJob(t *testing.T, svc *jobs.Service, owner string, items int) *domain.Job {
	t.Helper()
	payloads := make([]json.RawMessage, items)
	for i := range payloads {
		payloads[i] = json.RawMessage(`{"prompt":"goblin"}`)
	}
	job, err := svc.Add(context.Background(), jobs.AddJobInput{
		OwnerID: owner,
		Type:    "asset_generation",
		Items:   payloads,
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return job
}

func TestCreateJobEndpoint(t *testing.T) {
	h, _, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", "owner-1",
		`{"type":"asset_generation","input":{"provider":"openai"},"items":[{"prompt":"a"},{"prompt":"b"}]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}

	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != domain.JobStatusPending || job.TotalItems != 2 {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.OwnerID != "owner-1" {
		t.Fatalf("owner must come from the token, got %q", job.OwnerID)
	}
}

func TestCreateJobValidation(t *testing.T) {
	h, _, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodPost, "/v1/jobs", "owner-1", `{"type":"asset_generation","items":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPost, "/v1/jobs", "owner-1", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestEndpointsRequireIdentity(t *testing.T) {
	h, _, _ := newTestRouter(t)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/jobs"},
		{http.MethodGet, "/v1/jobs"},
		{http.MethodGet, "/v1/jobs/some-id"},
		{http.MethodPost, "/v1/jobs/some-id/cancel"},
	} {
		rec := doRequest(t, h, tc.method, tc.path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: expected 401, got %d", tc.method, tc.path, rec.Code)
		}
	}
}

func TestGetJobScopedToOwner(t *testing.T) {
	h, _, svc := newTestRouter(t)
	job := createJob(t, svc, "owner-1", 1)

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs/"+job.ID, "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("owner read: expected 200, got %d", rec.Code)
	}

	// Foreign jobs read as missing, not forbidden.
	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/"+job.ID, "owner-2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign read: expected 404, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/jobs/unknown", "owner-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing read: expected 404, got %d", rec.Code)
	}
}

func TestAdminSeesForeignJob(t *testing.T) {
	h, _, svc := newTestRouter(t)
	job := createJob(t, svc, "owner-1", 1)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+job.ID, nil)
	req.Header.Set("X-Test-User", "admin-1")
	req.Header.Set("X-Test-Role", middleware.RoleAdmin)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin read: expected 200, got %d", rec.Code)
	}
}

func TestSearchJobsOwnerScoped(t *testing.T) {
	h, _, svc := newTestRouter(t)
	for i := 0; i < 3; i++ {
		createJob(t, svc, "owner-1", 1)
	}
	createJob(t, svc, "owner-2", 1)

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs?take=2", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Items []domain.Job `json:"items"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || len(resp.Items) != 2 {
		t.Fatalf("expected page of 2 out of 3, got %d of %d", len(resp.Items), resp.Total)
	}
	for _, job := range resp.Items {
		if job.OwnerID != "owner-1" {
			t.Fatalf("search leaked a foreign job: %+v", job)
		}
	}
}

func TestSearchJobsEmptyResult(t *testing.T) {
	h, _, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"items":[]`) {
		t.Fatalf("empty search must return an empty array, got %s", rec.Body)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	h, _, svc := newTestRouter(t)
	job := createJob(t, svc, "owner-1", 2)

	rec := doRequest(t, h, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/cancel", job.ID), "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	// The job settled as Cancelled, so a second cancel conflicts.
	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/cancel", job.ID), "owner-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d", rec.Code)
	}
}

func TestRetryJobEndpoint(t *testing.T) {
	h, store, svc := newTestRouter(t)
	job := createJob(t, svc, "owner-1", 2)
	ctx := context.Background()

	// No failed items yet.
	rec := doRequest(t, h, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/retry", job.ID), "owner-1", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 with nothing to retry, got %d", rec.Code)
	}

	for idx := 0; idx < 2; idx++ {
		if _, err := store.TryClaimItem(ctx, job.ID, idx, time.Now().UTC()); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := store.UpdateItem(ctx, job.ID, idx, domain.ItemResult{
			Status:       domain.ItemStatusFailed,
			ErrorMessage: "provider error",
		}, time.Now().UTC()); err != nil {
			t.Fatalf("settle: %v", err)
		}
	}

	rec = doRequest(t, h, http.MethodPost, fmt.Sprintf("/v1/jobs/%s/retry", job.ID), "owner-1", `{"items":[1]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	got, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Items[0].Status != domain.ItemStatusFailed || got.Items[1].Status != domain.ItemStatusPending {
		t.Fatalf("retry subset not honored: %q %q", got.Items[0].Status, got.Items[1].Status)
	}
}
