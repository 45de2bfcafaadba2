// Command reenrich resets the enricher watermark to epoch so the enricher
// re-embeds every span on its next pass. Run it after an embedding model
// change; replayed rows supersede the old ones in the enriched mirror.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/traceplane/traceplane/engine/warehouse"
)

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

func main() {
	yes := flag.Bool("yes", false, "confirm the reset; every span will be re-embedded")
	flag.Parse()
	_ = godotenv.Load()

	logger := slog.New(tint.NewHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	store, err := warehouse.Open(ctx, warehouse.Options{
		Host:     envOr("CH_HOST", "clickhouse"),
		Port:     envInt("CH_PORT", 9000),
		User:     envOr("CH_USER", "admin"),
		Password: envOr("CH_PASSWORD", "clickhouse123"),
		Database: envOr("CH_DATABASE", "otel"),
	})
	if err != nil {
		logger.Error("warehouse connect failed", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	wm, err := store.EnricherWatermark(ctx)
	if err != nil {
		logger.Error("read watermark failed", "err", err)
		os.Exit(1)
	}
	logger.Info("current enricher watermark",
		"last_timestamp", wm.LastTimestamp,
		"last_span_id", wm.LastSpanID)

	if !*yes {
		logger.Error("refusing without --yes; the reset replays the full trace table")
		os.Exit(2)
	}

	// The watermark table keeps the newest write by UpdatedAt, so an epoch
	// row supersedes the previous position.
	if err := store.AdvanceEnricherWatermark(ctx, time.Unix(0, 0).UTC(), ""); err != nil {
		logger.Error("reset watermark failed", "err", err)
		os.Exit(1)
	}
	logger.Info("enricher watermark reset to epoch")
}
