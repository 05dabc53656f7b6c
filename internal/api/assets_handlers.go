package api

import (
	"fmt"
	"net/http"
	"time"

	"driftstream/internal/models"
	"driftstream/internal/storage"
)

type assetResponse struct {
	ID        string `json:"id"`
	MimeType  string `json:"mimeType"`
	SizeBytes int64  `json:"sizeBytes"`
	Kind      string `json:"kind"`
	Published bool   `json:"published"`
	JobState  string `json:"jobState,omitempty"`
	WatchURL  string `json:"watchUrl,omitempty"`
	FileURL   string `json:"fileUrl"`
	CreatedAt string `json:"createdAt"`
}

func (h *Handler) newAssetResponse(asset models.Asset) assetResponse {
	resp := assetResponse{
		ID:        asset.ID,
		MimeType:  asset.MimeType,
		SizeBytes: asset.SizeBytes,
		Kind:      string(asset.Kind),
		FileURL:   "/uploads/" + asset.ID,
		CreatedAt: asset.CreatedAt.Format(time.RFC3339),
	}
	if asset.IsMedia() {
		resp.WatchURL = "/watch/" + asset.ID
		resp.Published = !h.TranscodeEnabled || storage.PackagePublished(h.Store.Root(), asset)
		if h.Orchestrator != nil {
			if job, ok := h.Orchestrator.Job(asset.ID); ok {
				resp.JobState = string(job.State)
			}
		}
	}
	return resp
}

// Assets lists every stored asset, newest first.
func (h *Handler) Assets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	assets := h.Store.ListAssets()
	response := make([]assetResponse, 0, len(assets))
	for _, asset := range assets {
		response = append(response, h.newAssetResponse(asset))
	}
	writeJSON(w, http.StatusOK, response)
}
