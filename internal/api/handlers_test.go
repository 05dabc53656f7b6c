package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"driftstream/internal/ingest"
	"driftstream/internal/models"
	"driftstream/internal/observability/metrics"
	"driftstream/internal/storage"
	"driftstream/internal/transcode"
)

// stubEngine fabricates a complete HLS package without running ffmpeg.
type stubEngine struct {
	fail        bool
	unavailable bool
}

func (e *stubEngine) Available() error {
	if e.unavailable {
		return errors.New("ffmpeg binary not found")
	}
	return nil
}

func (e *stubEngine) Run(_ context.Context, plan *transcode.Plan) error {
	if e.fail {
		return &transcode.EngineError{Err: errors.New("exit status 1"), Output: "moov atom not found"}
	}
	for _, rendition := range plan.Renditions {
		playlist := filepath.Join(plan.OutputDir, rendition.PlaylistFile)
		if err := os.WriteFile(playlist, []byte("#EXTM3U\n"), 0o644); err != nil {
			return err
		}
		segment := filepath.Join(plan.OutputDir, fmt.Sprintf(rendition.SegmentPattern, 0))
		if err := os.WriteFile(segment, []byte("segment"), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type handlerOptions struct {
	transcodeEnabled bool
	engine           transcode.Engine
	maxSizeBytes     int64
	client           *http.Client
}

func newTestHandler(t *testing.T, opts handlerOptions) (*Handler, *storage.Storage) {
	t.Helper()

	store, err := storage.NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := metrics.New()

	pipeline := ingest.NewPipeline(ingest.Config{
		Store:        store,
		MaxSizeBytes: opts.maxSizeBytes,
		Client:       opts.client,
		Logger:       logger,
		Metrics:      recorder,
	})

	var orchestrator *transcode.Orchestrator
	if opts.engine != nil {
		orchestrator = transcode.NewOrchestrator(transcode.Config{
			Store:   store,
			Engine:  opts.engine,
			Logger:  logger,
			Metrics: recorder,
		})
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = orchestrator.Close(ctx)
		})
	}

	return &Handler{
		Store:            store,
		Pipeline:         pipeline,
		Orchestrator:     orchestrator,
		Engine:           opts.engine,
		TranscodeEnabled: opts.transcodeEnabled,
		Logger:           logger,
		Metrics:          recorder,
	}, store
}

func multipartUpload(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dest); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestUploadStoresRawFile(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{})
	body, contentType := multipartUpload(t, "file", "notes.txt", "plain text payload")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp uploadResponse
	decodeBody(t, rr, &resp)
	if resp.Message != "File uploaded successfully" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
	if resp.FileURL == "" || resp.WatchURL != "" {
		t.Fatalf("raw upload should carry fileUrl only, got %+v", resp)
	}

	assets := store.ListAssets()
	if len(assets) != 1 {
		t.Fatalf("expected one stored asset, got %d", len(assets))
	}
	payload, err := os.ReadFile(assets[0].StoragePath)
	if err != nil {
		t.Fatalf("read stored payload: %v", err)
	}
	if string(payload) != "plain text payload" {
		t.Fatalf("stored payload mismatch: %q", payload)
	}
}

func TestUploadTranscodesMedia(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{transcodeEnabled: true, engine: &stubEngine{}})
	body, contentType := multipartUpload(t, "file", "clip.mp4", "fake video bytes")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp uploadResponse
	decodeBody(t, rr, &resp)
	if resp.Message != "File uploaded and transcoded successfully" {
		t.Fatalf("unexpected message %q", resp.Message)
	}
	if resp.WatchURL == "" {
		t.Fatal("expected watchUrl in response")
	}

	assets := store.ListAssets()
	if len(assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(assets))
	}
	if !storage.PackagePublished(store.Root(), assets[0]) {
		t.Fatal("expected a published package after synchronous upload")
	}

	// The watch page must now reference the adaptive manifest.
	watchReq := httptest.NewRequest(http.MethodGet, resp.WatchURL, nil)
	watchRR := httptest.NewRecorder()
	h.Watch(watchRR, watchReq)
	if watchRR.Code != http.StatusOK {
		t.Fatalf("watch: expected 200, got %d: %s", watchRR.Code, watchRR.Body.String())
	}
	manifestURL := "/uploads/" + assets[0].Stem() + "/" + storage.MasterManifestName
	if !strings.Contains(watchRR.Body.String(), manifestURL) {
		t.Fatalf("watch page should reference %s, got: %s", manifestURL, watchRR.Body.String())
	}

	// And the manifest itself is servable.
	mediaRR := serveMediaRequest(h, manifestURL, "")
	if mediaRR.Code != http.StatusOK {
		t.Fatalf("manifest fetch: expected 200, got %d", mediaRR.Code)
	}
	if !strings.Contains(mediaRR.Body.String(), "#EXT-X-STREAM-INF") {
		t.Fatalf("unexpected manifest body: %s", mediaRR.Body.String())
	}
}

func TestUploadReportsTranscodeFailure(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{transcodeEnabled: true, engine: &stubEngine{fail: true}})
	body, contentType := multipartUpload(t, "file", "broken.mp4", "not really a video")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if !strings.Contains(resp["error"], "transcoding failed") {
		t.Fatalf("unexpected error %q", resp["error"])
	}

	assets := store.ListAssets()
	if len(assets) != 1 {
		t.Fatalf("the uploaded file should remain stored, got %d assets", len(assets))
	}
	if storage.PackagePublished(store.Root(), assets[0]) {
		t.Fatal("failed transcode must not publish a package")
	}
}

func TestUploadRejectsMissingFileField(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{})
	body, contentType := multipartUpload(t, "attachment", "clip.mp4", "bytes")

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if resp["error"] != "no file uploaded" {
		t.Fatalf("unexpected error %q", resp["error"])
	}
}

func TestUploadRejectsNonMultipartBody(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestUploadEnforcesSizeLimit(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{maxSizeBytes: 16})
	body, contentType := multipartUpload(t, "file", "big.bin", strings.Repeat("x", 64))

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if !strings.Contains(resp["error"], "16 B") {
		t.Fatalf("expected human-readable limit in error, got %q", resp["error"])
	}
	if len(store.ListAssets()) != 0 {
		t.Fatal("rejected upload must not persist an asset")
	}
}

func TestUploadMethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/upload", nil)
	rr := httptest.NewRecorder()
	h.Upload(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestUploadURLDownloadsRemoteFile(t *testing.T) {
	payload := strings.Repeat("remote video bytes ", 32)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = io.WriteString(w, payload)
	}))
	defer upstream.Close()

	h, store := newTestHandler(t, handlerOptions{client: upstream.Client()})

	body := fmt.Sprintf(`{"fileUrl":%q}`, upstream.URL+"/source.mp4")
	req := httptest.NewRequest(http.MethodPost, "/upload-url", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.UploadURL(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp uploadURLResponse
	decodeBody(t, rr, &resp)
	if resp.WatchURL == "" {
		t.Fatalf("expected watchUrl for a media download, got %+v", resp)
	}
	if resp.DownloadTime == "" || resp.DownloadSpeed == "" {
		t.Fatalf("expected transfer observability, got %+v", resp)
	}
	if !strings.HasSuffix(resp.DownloadSpeed, "/s") {
		t.Fatalf("download speed should carry a rate unit, got %q", resp.DownloadSpeed)
	}
	if resp.Metadata.Size != int64(len(payload)) {
		t.Fatalf("metadata size %d, want %d", resp.Metadata.Size, len(payload))
	}
	if resp.Metadata.Type != "video/mp4" {
		t.Fatalf("metadata type %q", resp.Metadata.Type)
	}

	assets := store.ListAssets()
	if len(assets) != 1 {
		t.Fatalf("expected one asset, got %d", len(assets))
	}
	if assets[0].SourceURL == "" {
		t.Fatal("expected source URL recorded on the asset")
	}
}

func TestUploadURLUnreachableHost(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{
		client: &http.Client{Transport: failingTransport{}},
	})

	req := httptest.NewRequest(http.MethodPost, "/upload-url",
		strings.NewReader(`{"fileUrl":"http://unreachable.invalid/video.mp4"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.UploadURL(rr, req)

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp map[string]string
	decodeBody(t, rr, &resp)
	if !strings.HasPrefix(resp["error"], "Failed to download file") {
		t.Fatalf("unexpected error %q", resp["error"])
	}
	if len(store.ListAssets()) != 0 {
		t.Fatal("failed fetch must not persist an asset")
	}
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("connection refused")
}

func TestUploadURLValidation(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{})

	cases := []struct {
		name string
		body string
		want string
	}{
		{"empty url", `{"fileUrl":""}`, "no file URL provided"},
		{"missing field", `{}`, "no file URL provided"},
		{"invalid json", `{"fileUrl":`, "invalid JSON payload"},
		{"unknown field", `{"fileUrl":"http://x","extra":true}`, "invalid JSON payload"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/upload-url", strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		h.UploadURL(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tc.name, rr.Code)
			continue
		}
		var resp map[string]string
		decodeBody(t, rr, &resp)
		if resp["error"] != tc.want {
			t.Errorf("%s: error %q, want %q", tc.name, resp["error"], tc.want)
		}
	}
}

func TestWatchMissingAsset(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/watch/nope.mp4", nil)
	rr := httptest.NewRecorder()
	h.Watch(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestWatchRejectsNonMediaAsset(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{})
	asset, err := store.CreateAsset(storage.CreateAssetParams{
		RequestedName: "report.pdf",
		MimeType:      "application/pdf",
		Kind:          models.KindRaw,
	})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/watch/"+asset.ID, nil)
	rr := httptest.NewRecorder()
	h.Watch(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestWatchRequiresPublishedPackage(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{transcodeEnabled: true, engine: &stubEngine{}})
	asset := writeStoredFile(t, store, "pending.mp4", "bytes")

	req := httptest.NewRequest(http.MethodGet, "/watch/"+asset.ID, nil)
	rr := httptest.NewRecorder()
	h.Watch(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unpublished package, got %d", rr.Code)
	}
}

func TestWatchServesNativePlayback(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{})
	asset := writeStoredFile(t, store, "clip.mp4", "bytes")

	req := httptest.NewRequest(http.MethodGet, "/watch/"+asset.ID, nil)
	rr := httptest.NewRecorder()
	h.Watch(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "/uploads/"+asset.ID) {
		t.Fatalf("watch page should reference the raw file, got: %s", rr.Body.String())
	}
}

func TestHealthReportsComponents(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{transcodeEnabled: true, engine: &stubEngine{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Health(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	decodeBody(t, rr, &resp)
	if resp.Status != "ok" {
		t.Fatalf("unexpected status %q", resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Fatalf("expected storage and ffmpeg components, got %+v", resp.Components)
	}
}

func TestHealthDegradedWhenEncoderMissing(t *testing.T) {
	h, _ := newTestHandler(t, handlerOptions{transcodeEnabled: true, engine: &stubEngine{unavailable: true}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.Health(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, rr, &resp)
	if resp.Status != "degraded" {
		t.Fatalf("unexpected status %q", resp.Status)
	}
}

func TestAssetsListsStoredFiles(t *testing.T) {
	h, store := newTestHandler(t, handlerOptions{})
	writeStoredFile(t, store, "first.mp4", "one")
	if _, err := store.CreateAsset(storage.CreateAssetParams{
		RequestedName: "doc.txt",
		MimeType:      "text/plain",
		Kind:          models.KindRaw,
	}); err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/assets", nil)
	rr := httptest.NewRecorder()
	h.Assets(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp []assetResponse
	decodeBody(t, rr, &resp)
	if len(resp) != 2 {
		t.Fatalf("expected two assets, got %d", len(resp))
	}
	for _, entry := range resp {
		if entry.FileURL == "" {
			t.Fatalf("every asset carries a fileUrl: %+v", entry)
		}
		if entry.Kind == string(models.KindMedia) && entry.WatchURL == "" {
			t.Fatalf("media asset missing watchUrl: %+v", entry)
		}
	}
}
