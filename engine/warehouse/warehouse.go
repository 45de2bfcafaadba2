// Package warehouse is the sole owner of all ClickHouse operations: the
// telemetry tables, the enriched mirror, and the loader and enricher
// watermarks. Connections are pooled per Store; pipelines that must not share
// connections open their own Store.
package warehouse

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/traceplane/traceplane/engine/domain"
)

// Table names. The three file-watermark tables share one shape and differ
// only by owning pipeline.
const (
	TableTraces   = "otel_traces"
	TableLogs     = "otel_logs"
	TableMetrics  = "otel_metrics"
	TableEnriched = "otel_traces_enriched"

	TableTraceFileWatermark  = "loader_file_watermark"
	TableLogFileWatermark    = "log_loader_file_watermark"
	TableMetricFileWatermark = "metric_loader_file_watermark"
	TableEnricherWatermark   = "enricher_watermark"
)

// FileWatermarkTable returns the watermark table owned by a signal pipeline.
func FileWatermarkTable(sig domain.Signal) string {
	switch sig {
	case domain.SignalLogs:
		return TableLogFileWatermark
	case domain.SignalMetrics:
		return TableMetricFileWatermark
	default:
		return TableTraceFileWatermark
	}
}

// Options configures a Store connection.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// MaxConns bounds the connection pool. Zero means 4.
	MaxConns int
}

// Store wraps one native-protocol connection pool.
type Store struct {
	conn driver.Conn
}

// Open connects to ClickHouse and verifies the connection with a ping.
// The configured database must already exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.User,
			Password: opts.Password,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    maxConns,
		MaxIdleConns:    maxConns,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("warehouse: open %s:%d: %w", opts.Host, opts.Port, err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("warehouse: ping %s:%d: %w", opts.Host, opts.Port, err)
	}
	return &Store{conn: conn}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

const ddlTraces = `
CREATE TABLE IF NOT EXISTS ` + TableTraces + ` (
	Timestamp          DateTime64(9),
	TraceId            String,
	SpanId             String,
	ParentSpanId       String,
	TraceState         String,
	SpanName           LowCardinality(String),
	SpanKind           LowCardinality(String),
	ServiceName        LowCardinality(String),
	ResourceAttributes Map(LowCardinality(String), String),
	ScopeName          String,
	ScopeVersion       String,
	SpanAttributes     Map(LowCardinality(String), String),
	Duration           UInt64,
	StatusCode         LowCardinality(String),
	StatusMessage      String,
	Events Nested (
		Timestamp  DateTime64(9),
		Name       LowCardinality(String),
		Attributes Map(LowCardinality(String), String)
	),
	Links Nested (
		TraceId    String,
		SpanId     String,
		TraceState String,
		Attributes Map(LowCardinality(String), String)
	)
) ENGINE = MergeTree
PARTITION BY toDate(Timestamp)
ORDER BY (Timestamp, SpanId)`

const ddlLogs = `
CREATE TABLE IF NOT EXISTS ` + TableLogs + ` (
	Timestamp          DateTime64(9),
	TraceId            String,
	SpanId             String,
	SeverityNumber     UInt8,
	SeverityText       LowCardinality(String),
	Body               String,
	ServiceName        LowCardinality(String),
	ResourceAttributes Map(LowCardinality(String), String),
	LogAttributes      Map(LowCardinality(String), String)
) ENGINE = MergeTree
PARTITION BY toDate(Timestamp)
ORDER BY (Timestamp)`

const ddlMetrics = `
CREATE TABLE IF NOT EXISTS ` + TableMetrics + ` (
	Timestamp          DateTime64(9),
	MetricName         LowCardinality(String),
	MetricDescription  String,
	MetricUnit         LowCardinality(String),
	MetricType         LowCardinality(String),
	Value              Float64,
	ServiceName        LowCardinality(String),
	ResourceAttributes Map(LowCardinality(String), String),
	MetricAttributes   Map(LowCardinality(String), String)
) ENGINE = MergeTree
PARTITION BY toDate(Timestamp)
ORDER BY (Timestamp)`

// The enriched mirror uses ReplacingMergeTree keyed on (Timestamp, SpanId) so
// at-least-once replays collapse to one row per span after merges.
const ddlEnriched = `
CREATE TABLE IF NOT EXISTS ` + TableEnriched + ` (
	Timestamp              DateTime64(9),
	TraceId                String,
	SpanId                 String,
	ParentSpanId           String,
	SpanName               LowCardinality(String),
	SpanKind               LowCardinality(String),
	ServiceName            LowCardinality(String),
	Duration               UInt64,
	StatusCode             LowCardinality(String),
	StatusMessage          String,
	ResourceAttributesFlat Map(LowCardinality(String), String),
	SpanAttributesFlat     Map(LowCardinality(String), String),
	EmbeddingText          String,
	Embedding              Array(Float32)
) ENGINE = ReplacingMergeTree
PARTITION BY toDate(Timestamp)
ORDER BY (Timestamp, SpanId)`

// Latest entry per filename wins; reads go through FINAL.
const ddlFileWatermark = `
CREATE TABLE IF NOT EXISTS %s (
	Filename     String,
	Status       LowCardinality(String),
	ProcessedAt  DateTime64(9),
	RowCount     UInt64,
	ErrorMessage String
) ENGINE = ReplacingMergeTree(ProcessedAt)
ORDER BY Filename`

const ddlEnricherWatermark = `
CREATE TABLE IF NOT EXISTS ` + TableEnricherWatermark + ` (
	WatermarkKey  String,
	LastTimestamp DateTime64(9),
	LastSpanId    String,
	UpdatedAt     DateTime64(9)
) ENGINE = ReplacingMergeTree(UpdatedAt)
ORDER BY WatermarkKey`

func schemaStatements() []string {
	return []string{
		ddlTraces,
		ddlLogs,
		ddlMetrics,
		ddlEnriched,
		fmt.Sprintf(ddlFileWatermark, TableTraceFileWatermark),
		fmt.Sprintf(ddlFileWatermark, TableLogFileWatermark),
		fmt.Sprintf(ddlFileWatermark, TableMetricFileWatermark),
		ddlEnricherWatermark,
	}
}

// EnsureSchema creates every table this module owns. Safe to call from each
// component at startup; all statements are IF NOT EXISTS.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaStatements() {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("warehouse: ensure schema: %w", err)
		}
	}
	return nil
}
