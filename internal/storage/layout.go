package storage

import (
	"os"
	"path/filepath"

	"driftstream/internal/models"
)

// MasterManifestName is written by the transcode orchestrator as the final,
// atomic step of publishing a package. Its presence is the single source of
// truth for "streamable".
const MasterManifestName = "master.m3u8"

// PackageDir is the transcode output directory for an asset: the asset root
// joined with the asset id minus its extension.
func PackageDir(root string, asset models.Asset) string {
	return filepath.Join(root, asset.Stem())
}

// MasterManifestPath locates the package's master manifest.
func MasterManifestPath(root string, asset models.Asset) string {
	return filepath.Join(PackageDir(root, asset), MasterManifestName)
}

// PackagePublished reports whether a complete streaming package exists for
// the asset.
func PackagePublished(root string, asset models.Asset) bool {
	info, err := os.Stat(MasterManifestPath(root, asset))
	return err == nil && !info.IsDir()
}
