package api

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"

	"driftstream/internal/storage"
)

// PlayerData feeds the watch page template.
type PlayerData struct {
	Title string
	// ManifestURL is set when an adaptive package is being played.
	ManifestURL string
	// RawURL is set for native container playback.
	RawURL   string
	MimeType string
}

// PlayerTemplate renders the watch page. The server wires it from the
// embedded web assets.
var defaultPlayerTemplate = template.Must(template.New("player").Parse(
	`<!doctype html><html><head><title>{{.Title}}</title></head><body>` +
		`{{if .ManifestURL}}<video id="player" controls data-manifest="{{.ManifestURL}}"></video>` +
		`{{else}}<video id="player" controls src="{{.RawURL}}" type="{{.MimeType}}"></video>{{end}}` +
		`</body></html>`))

// Watch renders a player page for the asset. Media assets with a published
// package stream adaptively; with transcoding disabled the native file is
// played directly.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	assetID := strings.TrimPrefix(r.URL.Path, "/watch/")
	if assetID == "" || strings.ContainsRune(assetID, '/') {
		writeError(w, http.StatusNotFound, errors.New("asset id missing"))
		return
	}
	asset, ok := h.Store.GetAsset(assetID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("asset %s not found", assetID))
		return
	}
	if !asset.IsMedia() {
		writeError(w, http.StatusBadRequest, fmt.Errorf("asset %s is not a playable media type", assetID))
		return
	}

	data := PlayerData{
		Title:    asset.OriginalName,
		MimeType: asset.MimeType,
	}
	if data.Title == "" {
		data.Title = asset.ID
	}
	if h.TranscodeEnabled {
		if !storage.PackagePublished(h.Store.Root(), asset) {
			writeError(w, http.StatusNotFound, fmt.Errorf("no streaming package for asset %s", assetID))
			return
		}
		data.ManifestURL = "/uploads/" + asset.Stem() + "/" + storage.MasterManifestName
	} else {
		data.RawURL = "/uploads/" + asset.ID
	}

	tmpl := h.playerTemplate()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger().Error("render watch page", "asset_id", assetID, "error", err)
	}
}

// Player overrides the built-in watch page template when non-nil.
func (h *Handler) playerTemplate() *template.Template {
	if h.WatchTemplate != nil {
		return h.WatchTemplate
	}
	return defaultPlayerTemplate
}
