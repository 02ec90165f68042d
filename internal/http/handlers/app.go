package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"jobengine/internal/jobs"
	"jobengine/internal/middleware"
	"jobengine/internal/storage"
)

// App bundles the dependencies of the HTTP handlers.
type App struct {
	Jobs   *jobs.Service
	Files  *storage.FileStore
	Logger zerolog.Logger
}

func NewApp(jobService *jobs.Service, files *storage.FileStore, logger zerolog.Logger) *App {
	return &App{Jobs: jobService, Files: files, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
