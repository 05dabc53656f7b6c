package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"driftstream/internal/models"
)

// DefaultLadder is the three-rung rendition ladder applied to every media
// asset. All rungs use the H.264 baseline profile and drop audio.
func DefaultLadder() []models.Rendition {
	return []models.Rendition{
		{Name: "720p", Width: 1280, Height: 720, BitrateBps: 2_800_000},
		{Name: "480p", Width: 854, Height: 480, BitrateBps: 1_400_000},
		{Name: "360p", Width: 640, Height: 360, BitrateBps: 800_000},
	}
}

// Plan captures a fully resolved single-invocation ffmpeg run: one input
// decode fanned out to every rung of the ladder, segmented as 10 second
// VOD HLS.
type Plan struct {
	Args       []string
	Renditions []models.Rendition
	OutputDir  string
	MasterPath string
}

// BuildPlan resolves the output directory and assembles the ffmpeg
// argument list for the given ladder. The variant playlists and segments
// are written by ffmpeg; the master playlist is published separately once
// every rendition has been verified.
func BuildPlan(input, outputDir string, ladder []models.Rendition) (*Plan, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(outputDir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(ladder) == 0 {
		ladder = DefaultLadder()
	}
	absDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return nil, err
	}

	renditions := make([]models.Rendition, len(ladder))
	copy(renditions, ladder)

	filters := make([]string, 0, len(renditions)+1)
	split := make([]string, 0, len(renditions))
	for idx := range renditions {
		split = append(split, fmt.Sprintf("[v%d]", idx))
	}
	filters = append(filters, fmt.Sprintf("[0:v]split=%d%s", len(renditions), strings.Join(split, "")))
	for idx, r := range renditions {
		filters = append(filters, fmt.Sprintf("[v%d]scale=w=%d:h=%d[v%dout]", idx, r.Width, r.Height, idx))
	}

	args := []string{
		"-y",
		"-i", input,
		"-filter_complex", strings.Join(filters, ";"),
	}

	varStreamMap := make([]string, 0, len(renditions))
	for idx := range renditions {
		r := &renditions[idx]
		args = append(args,
			"-map", fmt.Sprintf("[v%dout]", idx),
			fmt.Sprintf("-c:v:%d", idx), "libx264",
			fmt.Sprintf("-profile:v:%d", idx), "baseline",
			fmt.Sprintf("-b:v:%d", idx), fmt.Sprintf("%d", r.BitrateBps),
			fmt.Sprintf("-maxrate:v:%d", idx), fmt.Sprintf("%d", r.BitrateBps),
			fmt.Sprintf("-bufsize:v:%d", idx), fmt.Sprintf("%d", 2*r.BitrateBps),
		)
		varStreamMap = append(varStreamMap, fmt.Sprintf("v:%d,name:%s", idx, r.Name))
		r.PlaylistFile = r.Name + ".m3u8"
		r.SegmentPattern = r.Name + "_%03d.ts"
	}

	args = append(args,
		"-an",
		"-f", "hls",
		"-hls_time", "10",
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(absDir, "%v_%03d.ts")),
		"-var_stream_map", strings.Join(varStreamMap, " "),
		filepath.ToSlash(filepath.Join(absDir, "%v.m3u8")),
	)

	return &Plan{
		Args:       args,
		Renditions: renditions,
		OutputDir:  absDir,
		MasterPath: filepath.Join(absDir, "master.m3u8"),
	}, nil
}

// RenderMasterManifest produces the adaptive master playlist referencing
// every rendition's variant playlist by relative name.
func RenderMasterManifest(renditions []models.Rendition) []byte {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	for _, r := range renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n", r.BitrateBps, r.Resolution())
		b.WriteString(r.PlaylistFile)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
