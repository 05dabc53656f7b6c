package config

const (
	defaultAddr                = ":8080"
	defaultAssetRoot           = "data/uploads"
	defaultStorageDriver       = "json"
	defaultMaxSizeMiB          = 2048
	defaultFetchTimeoutSeconds = 600
	defaultFFmpegPath          = "ffmpeg"
	defaultMaxConcurrent       = 2
	defaultJobTimeoutMinutes   = 120
	defaultUploadWindowSecs    = 60
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
)

// Default returns a Config populated with repository defaults. Transcoding
// starts enabled; deployments without ffmpeg turn it off and serve media
// in its native container.
func Default() Config {
	return Config{
		Server: Server{
			Addr: defaultAddr,
		},
		Storage: Storage{
			Driver:    defaultStorageDriver,
			AssetRoot: defaultAssetRoot,
		},
		Ingest: Ingest{
			MaxSizeMiB:          defaultMaxSizeMiB,
			FetchTimeoutSeconds: defaultFetchTimeoutSeconds,
		},
		Transcode: Transcode{
			Enabled:           true,
			FFmpegPath:        defaultFFmpegPath,
			MaxConcurrent:     defaultMaxConcurrent,
			JobTimeoutMinutes: defaultJobTimeoutMinutes,
		},
		RateLimit: RateLimit{
			UploadWindowSeconds: defaultUploadWindowSecs,
		},
		Log: Log{
			Level:  defaultLogLevel,
			Format: defaultLogFormat,
		},
	}
}
