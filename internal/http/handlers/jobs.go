package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"jobengine/internal/domain"
	"jobengine/internal/jobs"
	"jobengine/internal/middleware"
)

// maxTake caps one search page.
const maxTake = 100

type createJobRequest struct {
	Type                string            `json:"type"`
	Input               json.RawMessage   `json:"input"`
	Items               []json.RawMessage `json:"items"`
	EstimatedDurationMs int64             `json:"estimatedDurationMs"`
}

type retryJobRequest struct {
	Items []int `json:"items"`
}

func (a *App) CreateJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	job, err := a.Jobs.Add(r.Context(), jobs.AddJobInput{
		OwnerID:             userID,
		Type:                req.Type,
		InputJSON:           req.Input,
		Items:               req.Items,
		EstimatedDurationMs: req.EstimatedDurationMs,
	})
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			a.error(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		a.Logger.Error().Err(err).Msg("create job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}
	a.json(w, http.StatusAccepted, job)
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, job)
}

func (a *App) SearchJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))
	if take <= 0 {
		take = 20
	}
	if take > maxTake {
		take = maxTake
	}

	filter := domain.SearchFilter{
		Type: r.URL.Query().Get("type"),
		Skip: skip,
		Take: take,
	}
	// Non-admins only ever see their own jobs.
	if !middleware.IsAdmin(r.Context()) {
		filter.OwnerID = userID
	} else if owner := r.URL.Query().Get("owner"); owner != "" {
		filter.OwnerID = owner
	}

	items, total, err := a.Jobs.Search(r.Context(), filter)
	if err != nil {
		a.Logger.Error().Err(err).Msg("search jobs")
		a.error(w, http.StatusInternalServerError, "internal", "failed to search jobs")
		return
	}
	if items == nil {
		items = []domain.Job{}
	}
	a.json(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

func (a *App) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	accepted, err := a.Jobs.Cancel(r.Context(), job.ID)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("cancel job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		return
	}
	if !accepted {
		a.error(w, http.StatusConflict, "conflict", "job is already finished")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"jobId": job.ID, "canceled": true})
}

func (a *App) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	var req retryJobRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
			return
		}
	}
	accepted, err := a.Jobs.Retry(r.Context(), job.ID, req.Items)
	if err != nil {
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("retry job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to retry job")
		return
	}
	if !accepted {
		a.error(w, http.StatusConflict, "conflict", "no failed items to retry")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"jobId": job.ID, "retried": true})
}

// loadJobForUser resolves {job_id}, scoped to the requesting user. A job
// owned by someone else reads as not found so job ids cannot be probed.
func (a *App) loadJobForUser(w http.ResponseWriter, r *http.Request) (*domain.Job, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return nil, false
	}
	jobID := chi.URLParam(r, "job_id")
	if jobID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id required")
		return nil, false
	}
	job, err := a.Jobs.GetByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "job not found")
			return nil, false
		}
		a.Logger.Error().Err(err).Str("job_id", jobID).Msg("load job")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
		return nil, false
	}
	if job.OwnerID != userID && !middleware.IsAdmin(r.Context()) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return nil, false
	}
	return job, true
}
