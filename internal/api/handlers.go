package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"driftstream/internal/ingest"
	"driftstream/internal/observability/metrics"
	"driftstream/internal/storage"
	"driftstream/internal/transcode"
)

// Handler carries the collaborators shared by every endpoint.
type Handler struct {
	Store        storage.Repository
	Pipeline     *ingest.Pipeline
	Orchestrator *transcode.Orchestrator

	// Engine is consulted for health reporting only; job execution goes
	// through the Orchestrator.
	Engine transcode.Engine

	// TranscodeEnabled gates adaptive packaging. When false, media assets
	// are played back in their native container.
	TranscodeEnabled bool

	// WatchTemplate overrides the built-in watch page when non-nil.
	WatchTemplate *template.Template

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// NewHandler wires a Handler with defaulted observability collaborators.
func NewHandler(store storage.Repository, pipeline *ingest.Pipeline, orchestrator *transcode.Orchestrator) *Handler {
	return &Handler{
		Store:        store,
		Pipeline:     pipeline,
		Orchestrator: orchestrator,
		Logger:       slog.Default(),
		Metrics:      metrics.Default(),
	}
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		h.recorder().SetDependencyHealth(component, status)
		return componentStatus{Component: component, Status: status, Error: message}
	}

	components := make([]componentStatus, 0, 2)
	if h.Store != nil {
		components = append(components, recordComponent("storage", h.Store.Ping(ctx)))
	}
	if h.TranscodeEnabled && h.Engine != nil {
		components = append(components, recordComponent("ffmpeg", h.Engine.Available()))
	}
	return components, overallStatus, statusCode
}

// Health reports storage reachability and encoder availability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	components, status, code := h.componentHealth(r.Context())
	writeJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
