package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"

	"jobengine/internal/domain"
	"jobengine/pkg/zip"
)

// archivedItemOutput is the slice of an item's output needed to locate its
// stored asset.
type archivedItemOutput struct {
	AssetKey string `json:"assetKey"`
	MIMEType string `json:"mimeType"`
}

// ArchiveJob streams a zip of every successfully generated asset of a job.
func (a *App) ArchiveJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.loadJobForUser(w, r)
	if !ok {
		return
	}
	if a.Files == nil {
		a.error(w, http.StatusNotImplemented, "not_implemented", "asset storage is not configured")
		return
	}

	var assets []zip.Asset
	for _, it := range job.Items {
		if it.Status != domain.ItemStatusSuccess || len(it.OutputJSON) == 0 {
			continue
		}
		var out archivedItemOutput
		if err := json.Unmarshal(it.OutputJSON, &out); err != nil || out.AssetKey == "" {
			continue
		}
		data, err := a.Files.Read(r.Context(), out.AssetKey)
		if err != nil {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Int("item", it.Index).Msg("archive: asset missing")
			continue
		}
		assets = append(assets, zip.Asset{
			Filename: path.Base(out.AssetKey),
			MIME:     out.MIMEType,
			Data:     data,
		})
	}
	if len(assets) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "job has no stored assets")
		return
	}

	archive := zip.ArchiveAssets(assets)
	if len(archive) == 0 {
		a.error(w, http.StatusInternalServerError, "internal", "failed to build archive")
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "job-"+job.ID+".zip"))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}
