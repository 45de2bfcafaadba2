// Command sessiond serves the session API: scoped session materialization
// over the warehouse, session lifecycle, service discovery, and semantic
// search over enriched spans.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/traceplane/traceplane/engine/objstore"
	"github.com/traceplane/traceplane/engine/session"
	"github.com/traceplane/traceplane/engine/warehouse"
	"github.com/traceplane/traceplane/pkg/embed"
	"github.com/traceplane/traceplane/pkg/fn"
	"github.com/traceplane/traceplane/pkg/metrics"
	"github.com/traceplane/traceplane/pkg/mid"
)

// connectRetry backs off over roughly half a minute before giving up on the
// warehouse at startup.
var connectRetry = fn.RetryOpts{
	MaxAttempts: 5,
	InitialWait: 2 * time.Second,
	MaxWait:     15 * time.Second,
	Jitter:      true,
}

// Config holds all environment-based configuration.
type Config struct {
	HTTPAddr   string
	CORSOrigin string

	CHHost     string
	CHPort     int
	CHUser     string
	CHPassword string
	CHDatabase string

	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string

	SessionDir string
	MaxRows    int

	EmbedURL  string
	ModelName string
	EmbedDim  int

	LogLevel  string
	LogFormat string
}

func loadConfig() Config {
	return Config{
		HTTPAddr:   envOr("HTTP_ADDR", ":8080"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),

		CHHost:     envOr("CH_HOST", "clickhouse"),
		CHPort:     envInt("CH_PORT", 9000),
		CHUser:     envOr("CH_USER", "admin"),
		CHPassword: envOr("CH_PASSWORD", "clickhouse123"),
		CHDatabase: envOr("CH_DATABASE", "otel"),

		S3Endpoint:  envOr("S3_ENDPOINT", "http://minio:9000"),
		S3AccessKey: envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey: envOr("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:    envOr("S3_BUCKET", "traces"),

		SessionDir: envOr("SESSION_DIR", "./data/sessions"),
		MaxRows:    envInt("MAX_ROWS_PER_TABLE", session.DefaultMaxRows),

		EmbedURL:  envOr("EMBED_URL", "http://ollama:11434"),
		ModelName: envOr("MODEL_NAME", "all-MiniLM-L6-v2"),
		EmbedDim:  envInt("EMBED_DIM", 384),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func newLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	if format == "console" {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: lvl}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func main() {
	_ = godotenv.Load()
	cfg := loadConfig()
	logger := newLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("sessiond exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *warehouse.Store
	err := fn.RetryErr(ctx, connectRetry, func(ctx context.Context) error {
		var err error
		store, err = warehouse.Open(ctx, warehouse.Options{
			Host:     cfg.CHHost,
			Port:     cfg.CHPort,
			User:     cfg.CHUser,
			Password: cfg.CHPassword,
			Database: cfg.CHDatabase,
		})
		return err
	})
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	objects, err := objstore.New(ctx, objstore.Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		PathStyle: true,
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	builder := session.NewBuilder(store, session.BuilderConfig{
		Dir:       cfg.SessionDir,
		MaxRows:   cfg.MaxRows,
		Inventory: objects,
		Logger:    logger,
	})

	reg := metrics.NewRegistry()
	registry := session.NewRegistry(builder, session.Options{
		Logger:  logger,
		Metrics: reg,
	})

	encoder := embed.NewOllama(cfg.EmbedURL, cfg.ModelName, cfg.EmbedDim)

	srv := newServer(registry, builder, store, encoder, HeaderAuth{}, logger)
	mux := srv.routes()
	mux.Handle("GET /metrics", metrics.Handler(reg))

	handler := mid.Chain(mux,
		mid.RequestID(),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.Metrics(reg),
		mid.OTel("sessiond"),
	)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sessiond starting",
			"addr", cfg.HTTPAddr,
			"session_dir", cfg.SessionDir,
			"max_rows", cfg.MaxRows,
		)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}
