package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"driftstream/internal/models"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	store, err := NewStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"movie.mp4":             "movie.mp4",
		"my movie (1).mp4":      "my_movie__1_.mp4",
		"../../etc/passwd":      "passwd",
		"Révérence.mp4":         "Reverence.mp4",
		"видео.webm":            "_____.webm",
		"  spaced.mov  ":        "spaced.mov",
		"..":                    "",
		"":                      "",
		"weird$chars%here!.bin": "weird_chars_here_.bin",
	}
	for input, want := range cases {
		if got := SanitizeFilename(input); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestSanitizedNamesStaySafe(t *testing.T) {
	inputs := []string{"a/b\\c.mp4", "née.mkv", "🎬movie.mp4", "CON.aux.mp4"}
	for _, input := range inputs {
		got := SanitizeFilename(input)
		for _, r := range got {
			safe := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' ||
				r == '.' || r == '_' || r == '-'
			if !safe {
				t.Errorf("SanitizeFilename(%q) produced unsafe rune %q in %q", input, r, got)
			}
		}
	}
}

func TestCreateAssetAssignsUniqueIDsOnCollision(t *testing.T) {
	store := newTestStore(t)

	first, err := store.CreateAsset(CreateAssetParams{RequestedName: "clip.mp4", MimeType: "video/mp4", Kind: models.KindMedia})
	if err != nil {
		t.Fatalf("CreateAsset first: %v", err)
	}
	if first.ID != "clip.mp4" {
		t.Fatalf("first asset id = %q, want clip.mp4", first.ID)
	}

	second, err := store.CreateAsset(CreateAssetParams{RequestedName: "clip.mp4", MimeType: "video/mp4", Kind: models.KindMedia})
	if err != nil {
		t.Fatalf("CreateAsset second: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("colliding uploads share id %q", second.ID)
	}
	if filepath.Ext(second.ID) != ".mp4" {
		t.Errorf("collision token dropped extension: %q", second.ID)
	}
	if _, ok := store.GetAsset(first.ID); !ok {
		t.Errorf("original asset lost after collision")
	}
}

func TestCreateAssetWithoutNameUsesToken(t *testing.T) {
	store := newTestStore(t)

	asset, err := store.CreateAsset(CreateAssetParams{MimeType: "video/webm", Kind: models.KindMedia})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if asset.ID == "" || filepath.Ext(asset.ID) != ".webm" {
		t.Fatalf("token id = %q, want non-empty with .webm extension", asset.ID)
	}
}

func TestCreateAssetAvoidsStemCollision(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateAsset(CreateAssetParams{RequestedName: "talk.mp4"}); err != nil {
		t.Fatalf("CreateAsset talk.mp4: %v", err)
	}
	// Same stem, different container: the package directory would collide.
	second, err := store.CreateAsset(CreateAssetParams{RequestedName: "talk.webm"})
	if err != nil {
		t.Fatalf("CreateAsset talk.webm: %v", err)
	}
	if second.Stem() == "talk" {
		t.Fatalf("stem collision not resolved: %q", second.ID)
	}
}

func TestAssetsSurviveReload(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStorage(dir)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	created, err := store.CreateAsset(CreateAssetParams{RequestedName: "persisted.mp4", MimeType: "video/mp4", SizeBytes: 42, Kind: models.KindMedia})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}

	reloaded, err := NewStorage(dir)
	if err != nil {
		t.Fatalf("NewStorage reload: %v", err)
	}
	got, ok := reloaded.GetAsset(created.ID)
	if !ok {
		t.Fatalf("asset %q missing after reload", created.ID)
	}
	if got.SizeBytes != 42 || got.Kind != models.KindMedia {
		t.Errorf("reloaded asset = %+v", got)
	}
}

func TestPersistFailureRollsBackCreate(t *testing.T) {
	store := newTestStore(t)
	store.persistOverride = func(dataset) error { return errors.New("disk full") }

	if _, err := store.CreateAsset(CreateAssetParams{RequestedName: "doomed.mp4"}); err == nil {
		t.Fatalf("CreateAsset succeeded despite persist failure")
	}
	store.persistOverride = nil
	if _, ok := store.GetAsset("doomed.mp4"); ok {
		t.Errorf("failed create left index entry behind")
	}
}

func TestDeleteAssetRemovesIndexEntryOnly(t *testing.T) {
	store := newTestStore(t)
	asset, err := store.CreateAsset(CreateAssetParams{RequestedName: "gone.mp4"})
	if err != nil {
		t.Fatalf("CreateAsset: %v", err)
	}
	if err := os.WriteFile(asset.StoragePath, []byte("bytes"), 0o644); err != nil {
		t.Fatalf("write asset file: %v", err)
	}

	if err := store.DeleteAsset(asset.ID); err != nil {
		t.Fatalf("DeleteAsset: %v", err)
	}
	if _, ok := store.GetAsset(asset.ID); ok {
		t.Errorf("asset still indexed after delete")
	}
	if _, err := os.Stat(asset.StoragePath); err != nil {
		t.Errorf("DeleteAsset must not remove file bytes: %v", err)
	}
	if err := store.DeleteAsset(asset.ID); !errors.Is(err, ErrAssetNotFound) {
		t.Errorf("second delete error = %v, want ErrAssetNotFound", err)
	}
}

func TestListAssetsOrdersNewestFirst(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"a.mp4", "b.mp4", "c.mp4"} {
		if _, err := store.CreateAsset(CreateAssetParams{RequestedName: name}); err != nil {
			t.Fatalf("CreateAsset %s: %v", name, err)
		}
	}
	assets := store.ListAssets()
	if len(assets) != 3 {
		t.Fatalf("ListAssets returned %d assets, want 3", len(assets))
	}
}
