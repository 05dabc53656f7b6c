// Command server starts the driftstream upload and streaming service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"driftstream/internal/api"
	"driftstream/internal/config"
	"driftstream/internal/ingest"
	"driftstream/internal/observability/logging"
	"driftstream/internal/observability/metrics"
	"driftstream/internal/server"
	"driftstream/internal/serverutil"
	"driftstream/internal/storage"
	"driftstream/internal/transcode"
	"driftstream/web"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	addr := flag.String("addr", "", "HTTP listen address")
	assetRoot := flag.String("asset-root", "", "directory holding uploaded files and packages")
	storageDriver := flag.String("storage-driver", "", "asset index driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	maxSizeMiB := flag.Int("max-upload-mib", 0, "maximum upload size in MiB (0 uses the config value)")
	transcodeEnabled := flag.String("transcode", "", "enable adaptive packaging (true or false)")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	maxConcurrent := flag.Int("transcode-max-concurrent", 0, "maximum simultaneous transcode jobs")
	jobTimeout := flag.Duration("transcode-job-timeout", 0, "per-asset transcode timeout")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum uploads per window for a single client")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting uploads")
	redisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed upload throttling")
	redisUsername := flag.String("rate-redis-username", "", "Redis username for upload throttling")
	redisPassword := flag.String("rate-redis-password", "", "Redis password for upload throttling")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis operations")
	flag.Parse()

	cfg, cfgPath, cfgLoaded, err := config.Load(firstNonEmpty(*configPath, os.Getenv("DRIFTSTREAM_CONFIG")))
	if err != nil {
		// The logger is not configured yet; fall back to stderr.
		logging.Init(logging.Config{}).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTSTREAM_LOG_LEVEL"), cfg.Log.Level),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTSTREAM_LOG_FORMAT"), cfg.Log.Format),
	})
	if cfgLoaded {
		logger.Info("configuration loaded", "path", cfgPath)
	}
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("DRIFTSTREAM_ADDR"), cfg.Server.Addr)
	root := firstNonEmpty(*assetRoot, os.Getenv("DRIFTSTREAM_ASSET_ROOT"), cfg.Storage.AssetRoot)

	store, err := openStore(cfg, root, *storageDriver, *postgresDSN)
	if err != nil {
		logger.Error("failed to open asset store", "error", err)
		os.Exit(1)
	}

	maxBytes := cfg.MaxSizeBytes()
	if mib := resolveInt(*maxSizeMiB, "DRIFTSTREAM_MAX_UPLOAD_MIB"); mib > 0 {
		maxBytes = int64(mib) * 1024 * 1024
	}
	pipeline := ingest.NewPipeline(ingest.Config{
		Store:        store,
		MaxSizeBytes: maxBytes,
		AllowedTypes: cfg.Ingest.AllowedTypes,
		Client:       &http.Client{Timeout: cfg.FetchTimeout()},
		Logger:       logging.WithComponent(logger, "ingest"),
		Metrics:      recorder,
	})

	transcodeOn := resolveToggle(*transcodeEnabled, "DRIFTSTREAM_TRANSCODE", cfg.Transcode.Enabled)
	engine := transcode.NewFFmpegEngine(
		firstNonEmpty(*ffmpegPath, os.Getenv("DRIFTSTREAM_FFMPEG"), cfg.Transcode.FFmpegPath),
		logging.WithComponent(logger, "ffmpeg"),
	)

	var orchestrator *transcode.Orchestrator
	if transcodeOn {
		if err := engine.Available(); err != nil {
			logger.Error("ffmpeg unavailable with transcoding enabled", "error", err)
			os.Exit(1)
		}
		orchestrator = transcode.NewOrchestrator(transcode.Config{
			Store:         store,
			Engine:        engine,
			MaxConcurrent: int64(resolveInt(*maxConcurrent, "DRIFTSTREAM_TRANSCODE_MAX_CONCURRENT", cfg.Transcode.MaxConcurrent)),
			JobTimeout:    resolveDuration(*jobTimeout, "DRIFTSTREAM_TRANSCODE_JOB_TIMEOUT", cfg.JobTimeout()),
			Logger:        logging.WithComponent(logger, "transcode"),
			Metrics:       recorder,
		})
		orchestrator.Recover()
	}

	playerTemplate, err := web.PlayerTemplate()
	if err != nil {
		logger.Error("failed to parse watch template", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, pipeline, orchestrator)
	handler.Engine = engine
	handler.TranscodeEnabled = transcodeOn
	handler.WatchTemplate = playerTemplate
	handler.Logger = logger
	handler.Metrics = recorder

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("DRIFTSTREAM_TLS_CERT"), cfg.Server.TLSCertFile),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("DRIFTSTREAM_TLS_KEY"), cfg.Server.TLSKeyFile),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:    resolveFloat(*globalRPS, "DRIFTSTREAM_RATE_GLOBAL_RPS", cfg.RateLimit.GlobalRPS),
			GlobalBurst:  resolveInt(*globalBurst, "DRIFTSTREAM_RATE_GLOBAL_BURST", cfg.RateLimit.GlobalBurst),
			UploadLimit:  resolveInt(*uploadLimit, "DRIFTSTREAM_RATE_UPLOAD_LIMIT", cfg.RateLimit.UploadLimit),
			UploadWindow: resolveDuration(*uploadWindow, "DRIFTSTREAM_RATE_UPLOAD_WINDOW", cfg.UploadWindow()),
			Redis: server.RedisConfig{
				Addr:     firstNonEmpty(*redisAddr, os.Getenv("DRIFTSTREAM_RATE_REDIS_ADDR"), cfg.RateLimit.RedisAddr),
				Username: firstNonEmpty(*redisUsername, os.Getenv("DRIFTSTREAM_RATE_REDIS_USERNAME"), cfg.RateLimit.RedisUsername),
				Password: firstNonEmpty(*redisPassword, os.Getenv("DRIFTSTREAM_RATE_REDIS_PASSWORD"), cfg.RateLimit.RedisPassword),
				DB:       cfg.RateLimit.RedisDB,
				Timeout:  resolveDuration(*redisTimeout, "DRIFTSTREAM_RATE_REDIS_TIMEOUT", 2*time.Second),
			},
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("driftstream listening",
		"addr", listenAddr,
		"asset_root", store.Root(),
		"transcode_enabled", transcodeOn)

	certFile, keyFile := srv.TLSFiles()
	if err := serverutil.Run(runCtx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: certFile, KeyFile: keyFile},
		ShutdownTimeout: 10 * time.Second,
		Shutdown:        srv.Shutdown,
	}); err != nil {
		logger.Error("server error", "error", err)
	}
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if orchestrator != nil {
		if err := orchestrator.Close(ctx); err != nil {
			logger.Warn("failed to stop transcode jobs", "error", err)
		}
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close asset store", "error", err)
	}
}

func openStore(cfg *config.Config, root, driverFlag, dsnFlag string) (storage.Repository, error) {
	driver := strings.ToLower(firstNonEmpty(driverFlag, os.Getenv("DRIFTSTREAM_STORAGE_DRIVER"), cfg.Storage.Driver))
	switch driver {
	case "", "json":
		return storage.NewStorage(root)
	case "postgres":
		dsn := firstNonEmpty(dsnFlag, os.Getenv("DRIFTSTREAM_POSTGRES_DSN"), os.Getenv("DATABASE_URL"), cfg.Storage.PostgresDSN)
		return storage.NewPostgresRepository(root, storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(cfg.Storage.PostgresMaxConn),
			MinConnections:  int32(cfg.Storage.PostgresMinConn),
			ApplicationName: "driftstream",
		})
	default:
		return nil, errors.New("unsupported storage driver " + driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string, fallbacks ...int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	for _, fallback := range fallbacks {
		if fallback > 0 {
			return fallback
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string, fallback float64) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil && value > 0 {
			return value
		}
	}
	return fallback
}

// resolveToggle layers flag and env on the config file value: the flag
// wins when set, then the env var, then the file.
func resolveToggle(flagValue, envKey string, fallback bool) bool {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		if value, err := strconv.ParseBool(trimmed); err == nil {
			return value
		}
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}
