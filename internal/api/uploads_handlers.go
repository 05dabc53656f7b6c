package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"driftstream/internal/ingest"
	"driftstream/internal/models"
)

type uploadResponse struct {
	Message  string `json:"message"`
	WatchURL string `json:"watchUrl,omitempty"`
	FileURL  string `json:"fileUrl,omitempty"`
}

type uploadURLResponse struct {
	uploadResponse
	DownloadTime  string         `json:"downloadTime"`
	DownloadSpeed string         `json:"downloadSpeed"`
	Metadata      uploadMetadata `json:"metadata"`
}

type uploadMetadata struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	Type       string `json:"type"`
	UploadTime string `json:"uploadTime"`
}

type uploadURLRequest struct {
	FileURL string `json:"fileUrl"`
}

// Upload accepts a multipart form with a single "file" field, streams it
// into the asset store, and kicks off transcoding for media assets. The
// response is written once the asset is playable; a failed transcode
// surfaces as an internal error.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}

	var asset models.Asset
	ingested := false
	for {
		part, partErr := reader.NextPart()
		if errors.Is(partErr, io.EOF) {
			break
		}
		if partErr != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("read multipart data: %w", partErr))
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		asset, err = h.Pipeline.IngestStream(r.Context(), part, part.FileName(), part.Header.Get("Content-Type"))
		_ = part.Close()
		if err != nil {
			writeDomainError(w, err)
			return
		}
		ingested = true
		break
	}
	if !ingested {
		writeError(w, http.StatusBadRequest, errors.New("no file uploaded"))
		return
	}

	resp, err := h.finishIngest(r, asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// UploadURL fetches a remote source given as JSON {"fileUrl": ...} and
// reports transfer observability alongside the stored asset's metadata.
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req uploadURLRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON payload"))
		return
	}
	if req.FileURL == "" {
		writeError(w, http.StatusBadRequest, errors.New("no file URL provided"))
		return
	}

	result, err := h.Pipeline.IngestURL(r.Context(), req.FileURL)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	base, err := h.finishIngest(r, result.Asset)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadURLResponse{
		uploadResponse: base,
		DownloadTime:   result.DownloadTime.Round(time.Millisecond).String(),
		DownloadSpeed:  ingest.HumanSize(int64(result.DownloadSpeed)) + "/s",
		Metadata: uploadMetadata{
			Name:       result.Asset.ID,
			Size:       result.Asset.SizeBytes,
			Type:       result.Asset.MimeType,
			UploadTime: result.Asset.CreatedAt.Format(time.RFC3339),
		},
	})
}

// finishIngest triggers transcoding for media assets when enabled and
// shapes the success payload. Waiting is bounded by the request context;
// the job itself outlives a disconnected client.
func (h *Handler) finishIngest(r *http.Request, asset models.Asset) (uploadResponse, error) {
	if !asset.IsMedia() {
		return uploadResponse{
			Message: "File uploaded successfully",
			FileURL: "/uploads/" + asset.ID,
		}, nil
	}
	if !h.TranscodeEnabled || h.Orchestrator == nil {
		return uploadResponse{
			Message:  "File uploaded successfully",
			WatchURL: "/watch/" + asset.ID,
		}, nil
	}

	if _, err := h.Orchestrator.StartJob(asset.ID); err != nil {
		return uploadResponse{}, err
	}
	job, err := h.Orchestrator.Wait(r.Context(), asset.ID)
	if err != nil {
		return uploadResponse{}, fmt.Errorf("transcode wait: %w", err)
	}
	if job.State == models.JobFailed {
		return uploadResponse{}, fmt.Errorf("transcoding failed: %s", job.Error)
	}
	return uploadResponse{
		Message:  "File uploaded and transcoded successfully",
		WatchURL: "/watch/" + asset.ID,
	}, nil
}
