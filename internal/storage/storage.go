package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"driftstream/internal/models"
)

type dataset struct {
	Assets map[string]models.Asset `json:"assets"`
}

func newDataset() dataset {
	return dataset{Assets: make(map[string]models.Asset)}
}

// Storage is the JSON-file backed asset index. All asset bytes live under
// the asset root; Storage persists only the metadata map, rewriting the
// index atomically (temp file + rename) on every mutation.
type Storage struct {
	mu        sync.RWMutex
	root      string
	indexPath string
	data      dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// Option mutates storage configuration.
type Option func(*Storage)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStorage opens (or creates) the asset index stored at
// {root}/.index.json and ensures the asset root directory exists.
func NewStorage(root string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("asset root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve asset root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create asset root: %w", err)
	}
	storage := &Storage{
		root:      absRoot,
		indexPath: filepath.Join(absRoot, ".index.json"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(storage)
	}
	if err := storage.load(); err != nil {
		return nil, err
	}
	return storage, nil
}

func (s *Storage) Root() string {
	return s.root
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(s.root)
	return err
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}

func (s *Storage) CreateAsset(params CreateAssetParams) (models.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.reserveIDLocked(params.RequestedName, params.MimeType)
	if err != nil {
		return models.Asset{}, err
	}
	kind := params.Kind
	if kind == "" {
		kind = models.KindRaw
	}
	asset := models.Asset{
		ID:           id,
		StoragePath:  filepath.Join(s.root, id),
		MimeType:     params.MimeType,
		SizeBytes:    params.SizeBytes,
		Kind:         kind,
		Checksum:     params.Checksum,
		OriginalName: strings.TrimSpace(params.RequestedName),
		SourceURL:    strings.TrimSpace(params.SourceURL),
		CreatedAt:    s.now(),
	}
	s.data.Assets[id] = asset
	if err := s.persist(); err != nil {
		delete(s.data.Assets, id)
		return models.Asset{}, err
	}
	return asset, nil
}

// reserveIDLocked picks a filesystem-safe id for the asset. The sanitized
// requested name is used as-is when free; on collision (or when no usable
// name was supplied) a unique token disambiguates.
func (s *Storage) reserveIDLocked(requestedName, mimeType string) (string, error) {
	sanitized := SanitizeFilename(requestedName)
	if sanitized == "" {
		sanitized = uniqueToken() + extensionForType(mimeType)
	}
	if !s.idTakenLocked(sanitized) {
		return sanitized, nil
	}
	for attempts := 0; attempts < 5; attempts++ {
		candidate := withToken(sanitized, uniqueToken())
		if !s.idTakenLocked(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("reserve asset id for %q: exhausted attempts", requestedName)
}

// idTakenLocked also treats an existing file as a conflict so the index
// never claims bytes it does not own, and rejects ids whose stem matches an
// existing asset because package directories are keyed by stem.
func (s *Storage) idTakenLocked(id string) bool {
	if _, exists := s.data.Assets[id]; exists {
		return true
	}
	if _, err := os.Stat(filepath.Join(s.root, id)); err == nil {
		return true
	}
	stem := strings.TrimSuffix(id, filepath.Ext(id))
	for existing := range s.data.Assets {
		if strings.TrimSuffix(existing, filepath.Ext(existing)) == stem {
			return true
		}
	}
	return false
}

func (s *Storage) GetAsset(id string) (models.Asset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	return asset, ok
}

func (s *Storage) ListAssets() []models.Asset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	assets := make([]models.Asset, 0, len(s.data.Assets))
	for _, asset := range s.data.Assets {
		assets = append(assets, asset)
	}
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.After(assets[j].CreatedAt)
	})
	return assets
}

func (s *Storage) DeleteAsset(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return ErrAssetNotFound
	}
	delete(s.data.Assets, id)
	if err := s.persist(); err != nil {
		s.data.Assets[id] = asset
		return err
	}
	return nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := os.Open(s.indexPath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open asset index: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode asset index: %w", err)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.Asset)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		return s.persistOverride(s.data)
	}

	tmpFile, err := os.CreateTemp(s.root, "index-*.json")
	if err != nil {
		return fmt.Errorf("create temp index file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode asset index: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush asset index: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp index file: %w", err)
	}
	if err := os.Rename(tmpPath, s.indexPath); err != nil {
		return fmt.Errorf("replace asset index: %w", err)
	}
	success = true
	return nil
}

// extensionForType supplies a fallback extension for ingests that arrive
// without a filename, keyed off the declared content type.
func extensionForType(mimeType string) string {
	switch normalizeMimeType(mimeType) {
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	case "video/x-matroska":
		return ".mkv"
	case "video/mpeg":
		return ".mpg"
	case "audio/mpeg":
		return ".mp3"
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ".bin"
	}
}

func normalizeMimeType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.IndexByte(mimeType, ';'); idx >= 0 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}
