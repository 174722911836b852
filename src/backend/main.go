package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hannes/piibridge/src/backend/config"
	"github.com/hannes/piibridge/src/backend/metrics"
	"github.com/hannes/piibridge/src/backend/server"
)

const TRUE = "true"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env file not found or could not be loaded", "error", err)
	}

	cfg := config.DefaultConfig()

	configPath := flag.String("config", "", "Path to JSON config file")
	interactive := flag.Bool("interactive", false, "Run the interactive console instead of the HTTP server")
	flag.Parse()

	if *configPath != "" {
		loadConfigFromFile(*configPath, cfg)
	}

	// Override configuration with environment variables
	loadConfigFromEnv(cfg)

	setupLogging(cfg.Logging)

	if err := cfg.ValidateConfig(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			slog.Warn("failed to initialise sentry", "error", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if cfg.Model.Enabled && *configPath == "" {
		// Production builds carry the model; ONNX runtime needs it on disk.
		if err := extractEmbeddedModelFiles(modelFiles, cfg.Model.Directory); err != nil {
			slog.Warn("failed to extract embedded model files, falling back to file system", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a, err := newApp(ctx, cfg, metrics.New(reg))
	if err != nil {
		slog.Error("failed to build redaction pipeline", "error", err)
		os.Exit(1)
	}
	defer a.close()

	if *interactive {
		c := newConsole(a.pipeline, os.Stdin, os.Stdout, rand.New(rand.NewSource(time.Now().UnixNano()))) // #nosec G404 - prompt selection only
		if err := c.run(ctx); err != nil {
			slog.Error("console stopped", "error", err)
		}
		return
	}

	srv := server.NewServer(cfg, a.pipeline, reg, a.models...)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server stopped", "error", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
		}
	}
}

// setupLogging installs the default slog logger
func setupLogging(lc config.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if lc.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfigFromFile loads configuration from a JSON file
func loadConfigFromFile(path string, cfg *config.Config) {
	// #nosec G304 - Config file path is controlled by application, not user input
	file, err := os.Open(path)
	if err != nil {
		slog.Warn("failed to open config file", "path", path, "error", err)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("failed to close config file", "error", err)
		}
	}()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		slog.Warn("failed to decode config file", "path", path, "error", err)
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(cfg *config.Config) {
	loadApplicationConfig(cfg)
	loadModelConfig(cfg)
	loadTranslationConfig(cfg)
	loadDatabaseConfig(cfg)
	loadLoggingConfig(cfg)
}

// splitList parses a comma separated environment value
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadApplicationConfig loads server and language settings from environment variables
func loadApplicationConfig(cfg *config.Config) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.ServerPort = port
	}

	if languages := os.Getenv("LANGUAGES"); languages != "" {
		cfg.Languages.Supported = splitList(languages)
	}

	if pivot := os.Getenv("PIVOT_LANGUAGE"); pivot != "" {
		cfg.Languages.Pivot = pivot
	}

	if force := os.Getenv("FORCE_BRIDGE"); force != "" {
		cfg.Languages.ForceBridge = splitList(force)
	}

	if timeout := os.Getenv("RECOGNIZER_TIMEOUT_MS"); timeout != "" {
		if ms, err := strconv.Atoi(timeout); err == nil {
			cfg.Analysis.RecognizerTimeoutMS = ms
		}
	}

	if reject := os.Getenv("REJECT_DUPLICATE_RECOGNIZERS"); reject != "" {
		cfg.Analysis.RejectDuplicates = reject == TRUE
	}

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}

	if env := os.Getenv("SENTRY_ENVIRONMENT"); env != "" {
		cfg.Sentry.Environment = env
	}
}

// loadModelConfig loads recognizer model settings from environment variables
func loadModelConfig(cfg *config.Config) {
	if enabled := os.Getenv("MODEL_ENABLED"); enabled != "" {
		cfg.Model.Enabled = enabled == TRUE
	}

	if dir := os.Getenv("MODEL_DIRECTORY"); dir != "" {
		cfg.Model.Directory = dir
	}

	if languages := os.Getenv("MODEL_LANGUAGES"); languages != "" {
		cfg.Model.Languages = splitList(languages)
	}

	if remote := os.Getenv("REMOTE_NER_URL"); remote != "" {
		cfg.Model.RemoteNERURL = remote
	}

	if languages := os.Getenv("REMOTE_NER_LANGUAGES"); languages != "" {
		cfg.Model.RemoteNERLanguages = splitList(languages)
	}
}

// loadTranslationConfig loads translation and cache settings from environment variables
func loadTranslationConfig(cfg *config.Config) {
	if baseURL := os.Getenv("TRANSLATION_URL"); baseURL != "" {
		cfg.Translation.BaseURL = baseURL
	}

	if apiKey := os.Getenv("TRANSLATION_API_KEY"); apiKey != "" {
		cfg.Translation.APIKey = apiKey
		slog.Info("loaded TRANSLATION_API_KEY from environment", "length", len(apiKey))
	}

	if timeout := os.Getenv("TRANSLATION_TIMEOUT"); timeout != "" {
		if secs, err := strconv.Atoi(timeout); err == nil {
			cfg.Translation.TimeoutSeconds = secs
		}
	}

	if rps := os.Getenv("TRANSLATION_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.Translation.RequestsPerSecond = v
		}
	}

	if backend := os.Getenv("CACHE_BACKEND"); backend != "" {
		cfg.Cache.Backend = backend
	}

	if path := os.Getenv("CACHE_PATH"); path != "" {
		cfg.Cache.Path = path
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Cache.RedisURL = redisURL
	}

	if ttl := os.Getenv("CACHE_TTL_MINUTES"); ttl != "" {
		if mins, err := strconv.Atoi(ttl); err == nil {
			cfg.Cache.TTLMinutes = mins
		}
	}

	if maxEntries := os.Getenv("CACHE_MAX_ENTRIES"); maxEntries != "" {
		if n, err := strconv.Atoi(maxEntries); err == nil {
			cfg.Cache.MaxEntries = n
		}
	}
}

// loadDatabaseConfig loads database configuration from environment variables
func loadDatabaseConfig(cfg *config.Config) {
	if dbEnabled := os.Getenv("DB_ENABLED"); dbEnabled != "" {
		cfg.Database.Enabled = dbEnabled == TRUE
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}

	if cleanupHours := os.Getenv("DB_CLEANUP_HOURS"); cleanupHours != "" {
		if hours, err := strconv.Atoi(cleanupHours); err == nil {
			cfg.Database.CleanupHours = hours
		}
	}
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(cfg *config.Config) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}

	if logJSON := os.Getenv("LOG_JSON"); logJSON != "" {
		cfg.Logging.JSON = logJSON == TRUE
	}

	if logVerbose := os.Getenv("LOG_VERBOSE"); logVerbose != "" {
		cfg.Logging.LogVerbose = logVerbose == TRUE
	}
}

// extractEmbeddedModelFiles writes the embedded model files into dir
func extractEmbeddedModelFiles(modelFS embed.FS, dir string) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	return fs.WalkDir(modelFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, err := modelFS.ReadFile(path)
		if err != nil {
			return err
		}

		targetPath := filepath.Join(dir, filepath.Base(path))
		if err := os.WriteFile(targetPath, content, 0600); err != nil {
			return err
		}
		slog.Info("extracted model file", "path", targetPath, "bytes", len(content))
		return nil
	})
}
