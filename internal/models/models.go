package models

import (
	"fmt"
	"strings"
	"time"
)

// AssetKind distinguishes media files that can be packaged for adaptive
// streaming from generic binary uploads.
type AssetKind string

const (
	KindRaw   AssetKind = "raw"
	KindMedia AssetKind = "media"
)

// Asset is an ingested file persisted under the asset root. Assets are
// immutable once created; transcoding only adds a sibling package directory
// next to the stored file.
type Asset struct {
	ID           string    `json:"id"`
	StoragePath  string    `json:"storagePath"`
	MimeType     string    `json:"mimeType"`
	SizeBytes    int64     `json:"sizeBytes"`
	Kind         AssetKind `json:"kind"`
	Checksum     string    `json:"checksum,omitempty"`
	OriginalName string    `json:"originalName,omitempty"`
	SourceURL    string    `json:"sourceUrl,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Stem returns the asset id without its extension. The transcode package
// directory for an asset lives at {assetRoot}/{stem}/.
func (a Asset) Stem() string {
	if idx := strings.LastIndexByte(a.ID, '.'); idx > 0 {
		return a.ID[:idx]
	}
	return a.ID
}

// IsMedia reports whether the asset is eligible for transcoding.
func (a Asset) IsMedia() bool {
	return a.Kind == KindMedia
}

// JobState tracks a transcode job through its lifecycle. Published and
// Failed are terminal.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobPublished JobState = "published"
	JobFailed    JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobPublished || s == JobFailed
}

// Rendition describes one quality variant in the encoding ladder.
type Rendition struct {
	Name           string `json:"name"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	BitrateBps     int    `json:"bitrateBps"`
	PlaylistFile   string `json:"playlistFile"`
	SegmentPattern string `json:"segmentPattern"`
}

// Resolution renders the WxH form used in manifests.
func (r Rendition) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// TranscodeJob records the packaging work for one media asset. The master
// manifest exists on disk if and only if State is JobPublished.
type TranscodeJob struct {
	AssetID            string      `json:"assetId"`
	OutputDir          string      `json:"outputDir"`
	Renditions         []Rendition `json:"renditions"`
	State              JobState    `json:"state"`
	MasterManifestPath string      `json:"masterManifestPath,omitempty"`
	Error              string      `json:"error,omitempty"`
	StartedAt          *time.Time  `json:"startedAt,omitempty"`
	CompletedAt        *time.Time  `json:"completedAt,omitempty"`
}
