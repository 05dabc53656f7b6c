package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "driftstream.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if exists {
		t.Fatal("missing file should not report exists")
	}
	if cfg.Server.Addr != defaultAddr {
		t.Fatalf("unexpected addr %q", cfg.Server.Addr)
	}
	if !cfg.Transcode.Enabled {
		t.Fatal("transcoding should default to enabled")
	}
	if cfg.MaxSizeBytes() != int64(defaultMaxSizeMiB)*1024*1024 {
		t.Fatalf("unexpected size cap %d", cfg.MaxSizeBytes())
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
addr = ":9090"

[storage]
driver = "json"
asset_root = "/srv/driftstream"

[ingest]
max_size_mib = 64
fetch_timeout_seconds = 30

[transcode]
enabled = false

[rate_limit]
upload_limit = 10
upload_window_seconds = 120
`)

	cfg, resolved, exists, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected file read from %s, got %s exists=%v", path, resolved, exists)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr override lost: %q", cfg.Server.Addr)
	}
	if cfg.Transcode.Enabled {
		t.Fatal("transcode.enabled override lost")
	}
	if cfg.MaxSizeBytes() != 64*1024*1024 {
		t.Fatalf("unexpected size cap %d", cfg.MaxSizeBytes())
	}
	if cfg.FetchTimeout() != 30*time.Second {
		t.Fatalf("unexpected fetch timeout %s", cfg.FetchTimeout())
	}
	if cfg.UploadWindow() != 2*time.Minute {
		t.Fatalf("unexpected upload window %s", cfg.UploadWindow())
	}
	// Sections absent from the file keep their defaults.
	if cfg.Transcode.FFmpegPath != defaultFFmpegPath {
		t.Fatalf("unexpected ffmpeg path %q", cfg.Transcode.FFmpegPath)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{
			"bad driver",
			"[storage]\ndriver = \"sqlite\"\nasset_root = \"data\"\n",
			"storage.driver",
		},
		{
			"postgres without dsn",
			"[storage]\ndriver = \"postgres\"\nasset_root = \"data\"\n",
			"postgres_dsn",
		},
		{
			"tls cert without key",
			"[server]\ntls_cert_file = \"cert.pem\"\n",
			"tls_cert_file",
		},
		{
			"negative size cap",
			"[ingest]\nmax_size_mib = -1\n",
			"max_size_mib",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		_, _, _, err := Load(path)
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadRejectsMalformedTOML(t *testing.T) {
	path := writeConfig(t, "[server\naddr = ")
	if _, _, _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
