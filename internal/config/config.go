package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Server contains listener configuration.
type Server struct {
	Addr        string `toml:"addr"`
	TLSCertFile string `toml:"tls_cert_file"`
	TLSKeyFile  string `toml:"tls_key_file"`
}

// Storage selects the asset metadata backend. The json driver keeps the
// index next to the asset files; postgres shares it across replicas.
type Storage struct {
	Driver          string `toml:"driver"`
	AssetRoot       string `toml:"asset_root"`
	PostgresDSN     string `toml:"postgres_dsn"`
	PostgresMaxConn int    `toml:"postgres_max_conns"`
	PostgresMinConn int    `toml:"postgres_min_conns"`
}

// Ingest bounds upload behaviour.
type Ingest struct {
	MaxSizeMiB          int      `toml:"max_size_mib"`
	AllowedTypes        []string `toml:"allowed_types"`
	FetchTimeoutSeconds int      `toml:"fetch_timeout_seconds"`
}

// Transcode controls adaptive packaging. With Enabled false, media assets
// are served in their native container and never encoded.
type Transcode struct {
	Enabled           bool   `toml:"enabled"`
	FFmpegPath        string `toml:"ffmpeg_path"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	JobTimeoutMinutes int    `toml:"job_timeout_minutes"`
}

// RateLimit bounds request volume, optionally against a shared Redis.
type RateLimit struct {
	GlobalRPS           float64 `toml:"global_rps"`
	GlobalBurst         int     `toml:"global_burst"`
	UploadLimit         int     `toml:"upload_limit"`
	UploadWindowSeconds int     `toml:"upload_window_seconds"`
	RedisAddr           string  `toml:"redis_addr"`
	RedisUsername       string  `toml:"redis_username"`
	RedisPassword       string  `toml:"redis_password"`
	RedisDB             int     `toml:"redis_db"`
}

// Log controls structured logging output.
type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the root of the TOML file.
type Config struct {
	Server    Server    `toml:"server"`
	Storage   Storage   `toml:"storage"`
	Ingest    Ingest    `toml:"ingest"`
	Transcode Transcode `toml:"transcode"`
	RateLimit RateLimit `toml:"rate_limit"`
	Log       Log       `toml:"log"`
}

// MaxSizeBytes converts the configured upload cap to bytes; zero means
// unlimited.
func (c *Config) MaxSizeBytes() int64 {
	return int64(c.Ingest.MaxSizeMiB) * 1024 * 1024
}

// FetchTimeout is the remote download budget.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Ingest.FetchTimeoutSeconds) * time.Second
}

// JobTimeout is the per-asset transcode budget.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Transcode.JobTimeoutMinutes) * time.Minute
}

// UploadWindow is the per-client ingest throttle window.
func (c *Config) UploadWindow() time.Duration {
	return time.Duration(c.RateLimit.UploadWindowSeconds) * time.Second
}

// Load reads the config at path on top of the defaults. An empty path
// falls back to driftstream.toml in the working directory; a missing file
// is not an error, the defaults simply apply. It returns the parsed
// config, the resolved path, and whether a file was read.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return abs, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return abs, true, nil
	}

	projectPath, err := filepath.Abs("driftstream.toml")
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return projectPath, false, nil
}

func (c *Config) normalize() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	c.Storage.AssetRoot = strings.TrimSpace(c.Storage.AssetRoot)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "json", "postgres":
	default:
		return fmt.Errorf("storage.driver must be json or postgres, got %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && strings.TrimSpace(c.Storage.PostgresDSN) == "" {
		return errors.New("storage.postgres_dsn is required for the postgres driver")
	}
	if c.Storage.AssetRoot == "" {
		return errors.New("storage.asset_root is required")
	}
	if c.Ingest.MaxSizeMiB < 0 {
		return fmt.Errorf("ingest.max_size_mib must not be negative, got %d", c.Ingest.MaxSizeMiB)
	}
	if c.Transcode.MaxConcurrent < 0 {
		return fmt.Errorf("transcode.max_concurrent must not be negative, got %d", c.Transcode.MaxConcurrent)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return errors.New("server.tls_cert_file and server.tls_key_file must be set together")
	}
	return nil
}
