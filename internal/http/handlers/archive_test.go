package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"jobengine/internal/domain"
)

func settleItemWithAsset(t *testing.T, env testEnv, jobID string, idx int, key, content string) {
	t.Helper()
	ctx := context.Background()
	if _, err := env.files.Write(ctx, key, []byte(content)); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	if _, err := env.store.TryClaimItem(ctx, jobID, idx, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, _ := json.Marshal(map[string]any{"assetKey": key, "mimeType": "image/svg+xml"})
	if err := env.store.UpdateItem(ctx, jobID, idx, domain.ItemResult{
		Status:     domain.ItemStatusSuccess,
		OutputJSON: out,
	}, time.Now().UTC()); err != nil {
		t.Fatalf("settle: %v", err)
	}
}

func TestArchiveJobReturnsZipOfAssets(t *testing.T) {
	h, env := newTestEnv(t)
	job := createJob(t, env.svc, "owner-1", 2)

	settleItemWithAsset(t, env, job.ID, 0, fmt.Sprintf("jobs/%s/0.svg", job.ID), "<svg>zero</svg>")
	settleItemWithAsset(t, env, job.ID, 1, fmt.Sprintf("jobs/%s/1.svg", job.ID), "<svg>one</svg>")

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs/"+job.ID+"/archive", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zip" {
		t.Fatalf("expected application/zip, got %q", ct)
	}

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(zr.File))
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	if !names["0.svg"] || !names["1.svg"] {
		t.Fatalf("unexpected entries: %v", names)
	}
}

func TestArchiveJobSkipsFailedItems(t *testing.T) {
	h, env := newTestEnv(t)
	job := createJob(t, env.svc, "owner-1", 2)
	ctx := context.Background()

	settleItemWithAsset(t, env, job.ID, 0, fmt.Sprintf("jobs/%s/0.svg", job.ID), "<svg>zero</svg>")
	if _, err := env.store.TryClaimItem(ctx, job.ID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.store.UpdateItem(ctx, job.ID, 1, domain.ItemResult{
		Status:       domain.ItemStatusFailed,
		ErrorMessage: "provider error",
	}, time.Now().UTC()); err != nil {
		t.Fatalf("settle: %v", err)
	}

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs/"+job.ID+"/archive", "owner-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	if len(zr.File) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(zr.File))
	}
}

func TestArchiveJobWithoutAssets(t *testing.T) {
	h, env := newTestEnv(t)
	job := createJob(t, env.svc, "owner-1", 1)

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs/"+job.ID+"/archive", "owner-1", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for a job with no stored assets, got %d", rec.Code)
	}
}

func TestArchiveJobScopedToOwner(t *testing.T) {
	h, env := newTestEnv(t)
	job := createJob(t, env.svc, "owner-1", 1)
	settleItemWithAsset(t, env, job.ID, 0, fmt.Sprintf("jobs/%s/0.svg", job.ID), "<svg>zero</svg>")

	rec := doRequest(t, h, http.MethodGet, "/v1/jobs/"+job.ID+"/archive", "owner-2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("foreign archive read: expected 404, got %d", rec.Code)
	}
}
