// Command enricher tails the trace table past a watermark, embeds each span's
// summary text, and writes the enriched mirror used by semantic search.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/traceplane/traceplane/engine/enrich"
	"github.com/traceplane/traceplane/engine/warehouse"
	"github.com/traceplane/traceplane/pkg/embed"
	"github.com/traceplane/traceplane/pkg/fn"
	"github.com/traceplane/traceplane/pkg/metrics"
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
	CHHost     string
	CHPort     int
	CHUser     string
	CHPassword string
	CHDatabase string

	EmbedURL  string
	ModelName string
	EmbedDim  int

	BatchSize    int
	PollInterval time.Duration

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func loadConfig() Config {
	return Config{
		CHHost:     envOr("CH_HOST", "clickhouse"),
		CHPort:     envInt("CH_PORT", 9000),
		CHUser:     envOr("CH_USER", "admin"),
		CHPassword: envOr("CH_PASSWORD", "clickhouse123"),
		CHDatabase: envOr("CH_DATABASE", "otel"),

		EmbedURL:  envOr("EMBED_URL", "http://ollama:11434"),
		ModelName: envOr("MODEL_NAME", "all-MiniLM-L6-v2"),
		EmbedDim:  envInt("EMBED_DIM", 384),

		BatchSize:    envInt("BATCH_SIZE", 4096),
		PollInterval: envDuration("POLL_INTERVAL", time.Second),

		MetricsAddr: envOr("METRICS_ADDR", ":9091"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
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

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
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
		logger.Error("enricher exited with error", "err", err)
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

	encoder := embed.NewOllama(cfg.EmbedURL, cfg.ModelName, cfg.EmbedDim)
	logger.Info("using ollama embeddings", "url", cfg.EmbedURL, "model", cfg.ModelName, "dim", cfg.EmbedDim)

	reg := metrics.NewRegistry()
	enricher := enrich.New(enrich.Deps{
		Source:  store,
		Sink:    store,
		Encoder: encoder,
		Logger:  logger,
		Metrics: reg,
	}, enrich.Options{
		BatchSize:    cfg.BatchSize,
		PollInterval: cfg.PollInterval,
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, reg, logger) })
	g.Go(func() error { return enricher.Run(ctx) })
	return g.Wait()
}
