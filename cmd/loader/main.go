// Command loader drains OTLP JSON exports from the object store into the
// ClickHouse warehouse, one pipeline per signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/engine/loader"
	"github.com/traceplane/traceplane/engine/objstore"
	"github.com/traceplane/traceplane/engine/otlp"
	"github.com/traceplane/traceplane/engine/warehouse"
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
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	TracesPrefix  string
	LogsPrefix    string
	MetricsPrefix string
	S3MaxRPS      float64

	CHHost     string
	CHPort     int
	CHUser     string
	CHPassword string
	CHDatabase string

	BatchSize   int
	FileWorkers int
	PollBusy    time.Duration
	PollIdle    time.Duration

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

func loadConfig() Config {
	return Config{
		S3Endpoint:    envOr("S3_ENDPOINT", "http://minio:9000"),
		S3AccessKey:   envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:   envOr("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:      envOr("S3_BUCKET", "traces"),
		TracesPrefix:  envOr("S3_TRACES_PREFIX", "incoming/"),
		LogsPrefix:    envOr("S3_LOGS_PREFIX", "logs/"),
		MetricsPrefix: envOr("S3_METRICS_PREFIX", "metrics/"),
		S3MaxRPS:      envFloat("S3_MAX_RPS", 0),

		CHHost:     envOr("CH_HOST", "clickhouse"),
		CHPort:     envInt("CH_PORT", 9000),
		CHUser:     envOr("CH_USER", "admin"),
		CHPassword: envOr("CH_PASSWORD", "clickhouse123"),
		CHDatabase: envOr("CH_DATABASE", "otel"),

		BatchSize:   envInt("BATCH_SIZE", loader.DefaultBatchSize),
		FileWorkers: envInt("MAX_FILE_WORKERS", loader.DefaultWorkers),
		PollBusy:    envDuration("POLL_INTERVAL_BUSY", loader.DefaultPollBusy),
		PollIdle:    envDuration("POLL_INTERVAL_IDLE", loader.DefaultPollIdle),

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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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
		logger.Error("loader exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	objects, err := objstore.New(ctx, objstore.Options{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		PathStyle: true,
		MaxRPS:    cfg.S3MaxRPS,
	})
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}

	// Each pipeline owns its warehouse connections; the pools are not shared.
	// Connects are retried so the loader survives starting before ClickHouse.
	open := func() (*warehouse.Store, error) {
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
		return store, err
	}
	traceStore, err := open()
	if err != nil {
		return err
	}
	defer traceStore.Close()
	logStore, err := open()
	if err != nil {
		return err
	}
	defer logStore.Close()
	metricStore, err := open()
	if err != nil {
		return err
	}
	defer metricStore.Close()

	if err := traceStore.EnsureSchema(ctx); err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	shared := loader.NewMetrics(reg)

	traces := loader.New(loader.Deps[domain.SpanRow]{
		Objects: objects,
		Marks:   loader.SignalMarks(traceStore, domain.SignalTraces),
		Decode:  otlp.DecodeTraces,
		Insert:  traceStore.InsertSpans,
		Logger:  logger,
		Metrics: shared,
	}, loader.Options{
		Signal:    domain.SignalTraces,
		Prefix:    cfg.TracesPrefix,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.FileWorkers,
		PollBusy:  cfg.PollBusy,
		PollIdle:  cfg.PollIdle,
	})
	logs := loader.New(loader.Deps[domain.LogRow]{
		Objects: objects,
		Marks:   loader.SignalMarks(logStore, domain.SignalLogs),
		Decode:  otlp.DecodeLogs,
		Insert:  logStore.InsertLogs,
		Logger:  logger,
		Metrics: shared,
	}, loader.Options{
		Signal:    domain.SignalLogs,
		Prefix:    cfg.LogsPrefix,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.FileWorkers,
		PollBusy:  cfg.PollBusy,
		PollIdle:  cfg.PollIdle,
	})
	mets := loader.New(loader.Deps[domain.MetricRow]{
		Objects: objects,
		Marks:   loader.SignalMarks(metricStore, domain.SignalMetrics),
		Decode:  otlp.DecodeMetrics,
		Insert:  metricStore.InsertMetrics,
		Logger:  logger,
		Metrics: shared,
	}, loader.Options{
		Signal:    domain.SignalMetrics,
		Prefix:    cfg.MetricsPrefix,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.FileWorkers,
		PollBusy:  cfg.PollBusy,
		PollIdle:  cfg.PollIdle,
	})

	logger.Info("loader starting",
		"bucket", cfg.S3Bucket,
		"batch_size", cfg.BatchSize,
		"workers", cfg.FileWorkers,
		"metrics_addr", cfg.MetricsAddr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsAddr, reg, logger) })
	g.Go(func() error { return traces.Run(ctx) })
	g.Go(func() error { return logs.Run(ctx) })
	g.Go(func() error { return mets.Run(ctx) })
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("loader stopped")
	return nil
}
