package ingest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"driftstream/internal/models"
	"driftstream/internal/observability/metrics"
	"driftstream/internal/storage"
)

const defaultFetchTimeout = 10 * time.Minute

// DefaultMediaTypes is the MIME set that classifies an asset as media and
// therefore eligible for transcoding.
var DefaultMediaTypes = []string{
	"video/mp4",
	"video/webm",
	"video/quicktime",
	"video/x-matroska",
	"video/mpeg",
	"video/x-msvideo",
}

// Config assembles the ingestion pipeline's collaborators and policy.
type Config struct {
	Store storage.Repository

	// MaxSizeBytes bounds a single ingest. Zero disables the limit.
	MaxSizeBytes int64

	// MediaTypes classifies an asset as media. Defaults to
	// DefaultMediaTypes when empty.
	MediaTypes []string

	// AllowedTypes, when non-empty, is an ingest allow-list; anything else
	// is rejected with UnsupportedTypeError.
	AllowedTypes []string

	// Client performs remote URL fetches. A timeout-bounded default is
	// used when nil.
	Client *http.Client

	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Pipeline persists upload streams and remote URLs into the asset store,
// classifying each result by MIME type. It never buffers a payload in
// memory and never leaves a partial asset visible in the index.
type Pipeline struct {
	store      storage.Repository
	maxSize    int64
	mediaTypes map[string]struct{}
	allowed    map[string]struct{}
	client     *http.Client
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// URLResult carries the persisted asset plus advisory transfer
// observability for a remote ingest. Throughput never affects control flow.
type URLResult struct {
	Asset models.Asset

	DownloadTime time.Duration
	// DownloadSpeed is bytes per second over the whole transfer.
	DownloadSpeed float64
}

// NewPipeline wires an ingestion pipeline. The store is required.
func NewPipeline(cfg Config) *Pipeline {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	mediaTypes := cfg.MediaTypes
	if len(mediaTypes) == 0 {
		mediaTypes = DefaultMediaTypes
	}
	return &Pipeline{
		store:      cfg.Store,
		maxSize:    cfg.MaxSizeBytes,
		mediaTypes: typeSet(mediaTypes),
		allowed:    typeSet(cfg.AllowedTypes),
		client:     client,
		logger:     logger,
		metrics:    recorder,
	}
}

func typeSet(types []string) map[string]struct{} {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		if normalized := normalizeType(t); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func normalizeType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}

// IngestStream persists a single upload stream. The declared content type
// wins; when absent the filename extension decides; failing both, the
// asset is stored as a generic binary. A failure at any point removes the
// temp file and the index reservation as a unit.
func (p *Pipeline) IngestStream(ctx context.Context, r io.Reader, filename, declaredType string) (models.Asset, error) {
	p.metrics.ObserveIngestAttempt("stream")
	return p.ingest(ctx, r, filename, declaredType, "", "stream")
}

func (p *Pipeline) ingest(ctx context.Context, r io.Reader, filename, declaredType, sourceURL, source string) (models.Asset, error) {
	if r == nil {
		return models.Asset{}, ErrSourceRequired
	}

	mimeType := p.classifyType(declaredType, filename)
	if err := p.checkAllowed(mimeType); err != nil {
		p.metrics.ObserveIngestFailure(source)
		return models.Asset{}, err
	}

	tmpPath, size, checksum, err := p.spool(ctx, r)
	if err != nil {
		p.metrics.ObserveIngestFailure(source)
		return models.Asset{}, err
	}

	asset, err := p.commit(tmpPath, storage.CreateAssetParams{
		RequestedName: filename,
		MimeType:      mimeType,
		SizeBytes:     size,
		Kind:          p.kindFor(mimeType),
		Checksum:      checksum,
		SourceURL:     sourceURL,
	})
	if err != nil {
		p.metrics.ObserveIngestFailure(source)
		return models.Asset{}, err
	}
	p.metrics.ObserveIngestBytes(size)
	p.logger.Info("asset ingested",
		"asset_id", asset.ID,
		"mime_type", asset.MimeType,
		"size_bytes", asset.SizeBytes,
		"kind", string(asset.Kind))
	return asset, nil
}

// IngestURL fetches a remote source and persists it through the same
// commit path as direct uploads. Wall-clock duration and throughput are
// recorded for observability only.
func (p *Pipeline) IngestURL(ctx context.Context, rawURL string) (URLResult, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return URLResult{}, ErrSourceRequired
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return URLResult{}, fmt.Errorf("invalid source URL %q", rawURL)
	}
	p.metrics.ObserveIngestAttempt("url")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		p.metrics.ObserveIngestFailure("url")
		return URLResult{}, &FetchError{URL: trimmed, Err: err}
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.metrics.ObserveIngestFailure("url")
		return URLResult{}, &FetchError{URL: trimmed, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.metrics.ObserveIngestFailure("url")
		return URLResult{}, &FetchError{URL: trimmed, Status: resp.StatusCode}
	}

	filename := path.Base(parsed.Path)
	if filename == "/" || filename == "." {
		filename = ""
	}
	asset, err := p.ingest(ctx, resp.Body, filename, resp.Header.Get("Content-Type"), trimmed, "url")
	if err != nil {
		var tooLarge *PayloadTooLargeError
		var unsupported *UnsupportedTypeError
		if errors.As(err, &tooLarge) || errors.As(err, &unsupported) {
			return URLResult{}, err
		}
		// Anything else mid-stream is a transfer failure.
		return URLResult{}, &FetchError{URL: trimmed, Err: err}
	}

	elapsed := time.Since(start)
	result := URLResult{Asset: asset, DownloadTime: elapsed}
	if seconds := elapsed.Seconds(); seconds > 0 {
		result.DownloadSpeed = float64(asset.SizeBytes) / seconds
	}
	p.logger.Info("remote source ingested",
		"asset_id", asset.ID,
		"source_url", trimmed,
		"download_ms", elapsed.Milliseconds(),
		"bytes_per_sec", int64(result.DownloadSpeed))
	return result, nil
}

// spool streams the payload to a temp file under the asset root, hashing
// as it writes and aborting as soon as the size limit is crossed.
func (p *Pipeline) spool(ctx context.Context, r io.Reader) (string, int64, string, error) {
	tmp, err := os.CreateTemp(p.store.Root(), "ingest-*")
	if err != nil {
		return "", 0, "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		cleanup()
		return "", 0, "", fmt.Errorf("init digest: %w", err)
	}

	src := io.Reader(r)
	if p.maxSize > 0 {
		src = io.LimitReader(r, p.maxSize+1)
	}
	written, err := io.Copy(io.MultiWriter(tmp, hasher), readerWithContext{ctx: ctx, r: src})
	if err != nil {
		cleanup()
		return "", 0, "", fmt.Errorf("write payload: %w", err)
	}
	if p.maxSize > 0 && written > p.maxSize {
		cleanup()
		return "", 0, "", &PayloadTooLargeError{LimitBytes: p.maxSize}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, "", fmt.Errorf("flush payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, "", fmt.Errorf("close payload: %w", err)
	}
	return tmpPath, written, hex.EncodeToString(hasher.Sum(nil)), nil
}

// commit reserves the index entry and renames the spooled bytes into
// place. A rename failure rolls the reservation back; the stray temp file
// is removed and never referenced by any success response.
func (p *Pipeline) commit(tmpPath string, params storage.CreateAssetParams) (models.Asset, error) {
	asset, err := p.store.CreateAsset(params)
	if err != nil {
		_ = os.Remove(tmpPath)
		return models.Asset{}, fmt.Errorf("index asset: %w", err)
	}
	if err := os.Rename(tmpPath, asset.StoragePath); err != nil {
		_ = os.Remove(tmpPath)
		if deleteErr := p.store.DeleteAsset(asset.ID); deleteErr != nil {
			p.logger.Error("rollback asset reservation failed", "asset_id", asset.ID, "error", deleteErr)
		}
		return models.Asset{}, fmt.Errorf("store asset bytes: %w", err)
	}
	return asset, nil
}

func (p *Pipeline) classifyType(declaredType, filename string) string {
	if normalized := normalizeType(declaredType); normalized != "" && normalized != "application/octet-stream" {
		return normalized
	}
	if ext := filepath.Ext(filename); ext != "" {
		if byExt := normalizeType(mime.TypeByExtension(ext)); byExt != "" {
			return byExt
		}
	}
	return "application/octet-stream"
}

func (p *Pipeline) kindFor(mimeType string) models.AssetKind {
	if _, ok := p.mediaTypes[normalizeType(mimeType)]; ok {
		return models.KindMedia
	}
	return models.KindRaw
}

func (p *Pipeline) checkAllowed(mimeType string) error {
	if p.allowed == nil {
		return nil
	}
	if _, ok := p.allowed[normalizeType(mimeType)]; !ok {
		return &UnsupportedTypeError{MimeType: mimeType}
	}
	return nil
}

// readerWithContext aborts a long copy once the request context is done,
// so an abandoned ingest releases its temp file promptly.
type readerWithContext struct {
	ctx context.Context
	r   io.Reader
}

func (r readerWithContext) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
