package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/traceplane/traceplane/engine/domain"
)

// ProcessedFiles returns every filename with a watermark entry, whatever its
// status. Failed files are attempted once and skipped on later cycles.
func (s *Store) ProcessedFiles(ctx context.Context, table string) (map[string]struct{}, error) {
	rows, err := s.conn.Query(ctx, "SELECT Filename FROM "+table+" FINAL")
	if err != nil {
		return nil, fmt.Errorf("warehouse: read %s: %w", table, err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("warehouse: scan %s: %w", table, err)
		}
		seen[name] = struct{}{}
	}
	return seen, rows.Err()
}

// EnricherWatermark reads the global watermark. When none has been written
// yet it returns the epoch with an empty span id, the bottom of the key order.
func (s *Store) EnricherWatermark(ctx context.Context) (domain.EnricherWatermark, error) {
	wm := domain.EnricherWatermark{
		WatermarkKey:  domain.EnricherWatermarkKey,
		LastTimestamp: time.Unix(0, 0).UTC(),
	}
	rows, err := s.conn.Query(ctx,
		"SELECT LastTimestamp, LastSpanId FROM "+TableEnricherWatermark+" FINAL WHERE WatermarkKey = ? LIMIT 1",
		domain.EnricherWatermarkKey)
	if err != nil {
		return wm, fmt.Errorf("warehouse: read enricher watermark: %w", err)
	}
	defer rows.Close()

	if rows.Next() {
		if err := rows.Scan(&wm.LastTimestamp, &wm.LastSpanID); err != nil {
			return wm, fmt.Errorf("warehouse: scan enricher watermark: %w", err)
		}
	}
	return wm, rows.Err()
}

const spansAfterQuery = `
SELECT
	Timestamp, TraceId, SpanId, ParentSpanId,
	SpanName, SpanKind, ServiceName,
	Duration, StatusCode, StatusMessage,
	ResourceAttributes, SpanAttributes
FROM ` + TableTraces + `
WHERE (Timestamp, SpanId) > (?, ?)
ORDER BY Timestamp, SpanId
LIMIT ?`

// SpansAfter returns up to limit spans strictly past the watermark in
// (Timestamp, SpanId) order. Event and link columns are not read here; the
// enriched mirror does not carry them.
func (s *Store) SpansAfter(ctx context.Context, wm domain.EnricherWatermark, limit int) ([]domain.SpanRow, error) {
	rows, err := s.conn.Query(ctx, spansAfterQuery, wm.LastTimestamp, wm.LastSpanID, uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("warehouse: fetch spans after watermark: %w", err)
	}
	defer rows.Close()

	var out []domain.SpanRow
	for rows.Next() {
		var r domain.SpanRow
		if err := rows.Scan(
			&r.Timestamp, &r.TraceID, &r.SpanID, &r.ParentSpanID,
			&r.SpanName, &r.SpanKind, &r.ServiceName,
			&r.Duration, &r.StatusCode, &r.StatusMessage,
			&r.ResourceAttributes, &r.SpanAttributes,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan span: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SourceFilter scopes session reads to a time window, an optional service
// set, and a per-table row cap. An empty service list matches all services.
type SourceFilter struct {
	Services []string
	Start    time.Time
	End      time.Time
	Limit    int
}

func (f SourceFilter) where() (string, []any) {
	clause := "WHERE Timestamp >= ? AND Timestamp <= ?"
	args := []any{f.Start, f.End}
	if len(f.Services) > 0 {
		clause += " AND ServiceName IN ?"
		args = append(args, f.Services)
	}
	return clause, args
}

// SessionSpans reads the filtered span slice in timestamp order.
func (s *Store) SessionSpans(ctx context.Context, f SourceFilter) ([]domain.SpanRow, error) {
	where, args := f.where()
	qry := `
SELECT
	Timestamp, TraceId, SpanId, ParentSpanId,
	SpanName, SpanKind, ServiceName, Duration,
	StatusCode, StatusMessage,
	SpanAttributes, ResourceAttributes
FROM ` + TableTraces + `
` + where + `
ORDER BY Timestamp
LIMIT ?`
	rows, err := s.conn.Query(ctx, qry, append(args, uint64(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: session spans: %w", err)
	}
	defer rows.Close()

	var out []domain.SpanRow
	for rows.Next() {
		var r domain.SpanRow
		if err := rows.Scan(
			&r.Timestamp, &r.TraceID, &r.SpanID, &r.ParentSpanID,
			&r.SpanName, &r.SpanKind, &r.ServiceName, &r.Duration,
			&r.StatusCode, &r.StatusMessage,
			&r.SpanAttributes, &r.ResourceAttributes,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan session span: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionLogs reads the filtered log slice in timestamp order.
func (s *Store) SessionLogs(ctx context.Context, f SourceFilter) ([]domain.LogRow, error) {
	where, args := f.where()
	qry := `
SELECT
	Timestamp, TraceId, SpanId,
	SeverityNumber, SeverityText, Body, ServiceName,
	LogAttributes, ResourceAttributes
FROM ` + TableLogs + `
` + where + `
ORDER BY Timestamp
LIMIT ?`
	rows, err := s.conn.Query(ctx, qry, append(args, uint64(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: session logs: %w", err)
	}
	defer rows.Close()

	var out []domain.LogRow
	for rows.Next() {
		var r domain.LogRow
		if err := rows.Scan(
			&r.Timestamp, &r.TraceID, &r.SpanID,
			&r.SeverityNumber, &r.SeverityText, &r.Body, &r.ServiceName,
			&r.LogAttributes, &r.ResourceAttributes,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan session log: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionMetrics reads the filtered metric slice in timestamp order.
func (s *Store) SessionMetrics(ctx context.Context, f SourceFilter) ([]domain.MetricRow, error) {
	where, args := f.where()
	qry := `
SELECT
	Timestamp, MetricName, MetricDescription,
	MetricUnit, MetricType, Value, ServiceName,
	MetricAttributes, ResourceAttributes
FROM ` + TableMetrics + `
` + where + `
ORDER BY Timestamp
LIMIT ?`
	rows, err := s.conn.Query(ctx, qry, append(args, uint64(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: session metrics: %w", err)
	}
	defer rows.Close()

	var out []domain.MetricRow
	for rows.Next() {
		var r domain.MetricRow
		if err := rows.Scan(
			&r.Timestamp, &r.MetricName, &r.MetricDescription,
			&r.MetricUnit, &r.MetricType, &r.Value, &r.ServiceName,
			&r.MetricAttributes, &r.ResourceAttributes,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan session metric: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SessionEnriched reads the filtered enriched slice in timestamp order. Only
// the columns the session schema carries are selected; the flat attribute
// maps stay behind.
func (s *Store) SessionEnriched(ctx context.Context, f SourceFilter) ([]domain.EnrichedSpanRow, error) {
	where, args := f.where()
	qry := `
SELECT
	Timestamp, TraceId, SpanId, ParentSpanId,
	SpanName, SpanKind, ServiceName, Duration,
	StatusCode, StatusMessage,
	EmbeddingText, Embedding
FROM ` + TableEnriched + `
` + where + `
ORDER BY Timestamp
LIMIT ?`
	rows, err := s.conn.Query(ctx, qry, append(args, uint64(f.Limit))...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: session enriched: %w", err)
	}
	defer rows.Close()

	var out []domain.EnrichedSpanRow
	for rows.Next() {
		var r domain.EnrichedSpanRow
		if err := rows.Scan(
			&r.Timestamp, &r.TraceID, &r.SpanID, &r.ParentSpanID,
			&r.SpanName, &r.SpanKind, &r.ServiceName, &r.Duration,
			&r.StatusCode, &r.StatusMessage,
			&r.EmbeddingText, &r.Embedding,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan session enriched: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DistinctServices lists every service seen in the span table.
func (s *Store) DistinctServices(ctx context.Context) ([]string, error) {
	rows, err := s.conn.Query(ctx,
		"SELECT DISTINCT ServiceName FROM "+TableTraces+" ORDER BY ServiceName")
	if err != nil {
		return nil, fmt.Errorf("warehouse: distinct services: %w", err)
	}
	defer rows.Close()

	var services []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("warehouse: scan service name: %w", err)
		}
		services = append(services, name)
	}
	return services, rows.Err()
}

// SearchEnriched ranks enriched spans by cosine similarity to the query
// vector, optionally restricted to a service set.
func (s *Store) SearchEnriched(ctx context.Context, vec []float32, services []string, limit int) ([]domain.EnrichedHit, error) {
	qry := `
SELECT
	TraceId, SpanId, ServiceName, SpanName, EmbeddingText,
	1 - cosineDistance(Embedding, ?) AS Score
FROM ` + TableEnriched + ` FINAL
WHERE notEmpty(Embedding)`
	args := []any{vec}
	if len(services) > 0 {
		qry += " AND ServiceName IN ?"
		args = append(args, services)
	}
	qry += `
ORDER BY Score DESC
LIMIT ?`
	args = append(args, uint64(limit))

	rows, err := s.conn.Query(ctx, qry, args...)
	if err != nil {
		return nil, fmt.Errorf("warehouse: search enriched: %w", err)
	}
	defer rows.Close()

	var hits []domain.EnrichedHit
	for rows.Next() {
		var h domain.EnrichedHit
		if err := rows.Scan(
			&h.TraceID, &h.SpanID, &h.ServiceName, &h.SpanName,
			&h.EmbeddingText, &h.Score,
		); err != nil {
			return nil, fmt.Errorf("warehouse: scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
