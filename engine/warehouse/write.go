package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/traceplane/traceplane/engine/domain"
)

func sendBatch[T any](ctx context.Context, s *Store, table string, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table)
	if err != nil {
		return fmt.Errorf("warehouse: prepare %s batch: %w", table, err)
	}
	for i := range rows {
		if err := batch.AppendStruct(&rows[i]); err != nil {
			return fmt.Errorf("warehouse: append to %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("warehouse: insert %d rows into %s: %w", len(rows), table, err)
	}
	return nil
}

// InsertSpans bulk-inserts span rows in source order.
func (s *Store) InsertSpans(ctx context.Context, rows []domain.SpanRow) error {
	return sendBatch(ctx, s, TableTraces, rows)
}

// InsertLogs bulk-inserts log rows in source order.
func (s *Store) InsertLogs(ctx context.Context, rows []domain.LogRow) error {
	return sendBatch(ctx, s, TableLogs, rows)
}

// InsertMetrics bulk-inserts metric rows in source order.
func (s *Store) InsertMetrics(ctx context.Context, rows []domain.MetricRow) error {
	return sendBatch(ctx, s, TableMetrics, rows)
}

// InsertEnriched bulk-inserts enriched span rows.
func (s *Store) InsertEnriched(ctx context.Context, rows []domain.EnrichedSpanRow) error {
	return sendBatch(ctx, s, TableEnriched, rows)
}

// RecordFile writes the outcome of one file into a signal's watermark table.
// The newest entry per filename supersedes older ones.
func (s *Store) RecordFile(ctx context.Context, table string, wm domain.FileWatermark) error {
	if wm.ProcessedAt.IsZero() {
		wm.ProcessedAt = time.Now().UTC()
	}
	return sendBatch(ctx, s, table, []domain.FileWatermark{wm})
}

// AdvanceEnricherWatermark moves the global enricher watermark to (ts, spanID).
// Callers only advance after the corresponding enriched rows are durable.
func (s *Store) AdvanceEnricherWatermark(ctx context.Context, ts time.Time, spanID string) error {
	wm := domain.EnricherWatermark{
		WatermarkKey:  domain.EnricherWatermarkKey,
		LastTimestamp: ts,
		LastSpanID:    spanID,
		UpdatedAt:     time.Now().UTC(),
	}
	return sendBatch(ctx, s, TableEnricherWatermark, []domain.EnricherWatermark{wm})
}
