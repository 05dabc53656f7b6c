package storage

import (
	"context"
	"errors"

	"driftstream/internal/models"
)

// ErrAssetNotFound is returned when an asset id has no record in the index.
var ErrAssetNotFound = errors.New("asset not found")

// CreateAssetParams captures everything the index needs to reserve a new
// asset. RequestedName is the caller-supplied filename before sanitization;
// it may be empty for URL ingests without a usable path component.
type CreateAssetParams struct {
	RequestedName string
	MimeType      string
	SizeBytes     int64
	Kind          models.AssetKind
	Checksum      string
	SourceURL     string
}

// Repository exposes the asset metadata operations required by the
// ingestion pipeline, the transcode orchestrator, and the media server.
// File bytes always live on the local filesystem under Root(); the
// repository only indexes them.
type Repository interface {
	Ping(ctx context.Context) error

	// CreateAsset reserves a unique, filesystem-safe id for the asset and
	// records its metadata. Colliding sanitized names receive a fresh
	// token rather than overwriting the existing asset.
	CreateAsset(params CreateAssetParams) (models.Asset, error)
	GetAsset(id string) (models.Asset, bool)
	ListAssets() []models.Asset
	// DeleteAsset removes the index entry only. It exists so ingestion can
	// roll back a reservation whose file commit failed; completed assets
	// are never deleted by this service.
	DeleteAsset(id string) error

	// Root is the absolute directory holding asset files and transcode
	// package directories.
	Root() string

	Close(ctx context.Context) error
}

var _ Repository = (*Storage)(nil)
var _ Repository = (*postgresRepository)(nil)
