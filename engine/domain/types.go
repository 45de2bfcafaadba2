// Package domain defines the core telemetry records, watermarks, and session
// types shared by the loader, enricher, and session engine. Records are closed
// structs: decoding normalizes the wire formats into these shapes at pipeline
// entry and everything downstream is typed.
package domain

import "time"

// Signal identifies one of the three telemetry pipelines.
type Signal string

const (
	SignalTraces  Signal = "traces"
	SignalLogs    Signal = "logs"
	SignalMetrics Signal = "metrics"
)

// Signals lists all signals in canonical order.
var Signals = []Signal{SignalTraces, SignalLogs, SignalMetrics}

// ParseSignal validates a signal name.
func ParseSignal(s string) (Signal, error) {
	switch Signal(s) {
	case SignalTraces, SignalLogs, SignalMetrics:
		return Signal(s), nil
	}
	return "", ErrUnknownSignal
}

func (s Signal) String() string { return string(s) }

// Span kind values as stored. Unknown protocol values map to UNSPECIFIED.
const (
	SpanKindUnspecified = "UNSPECIFIED"
	SpanKindInternal    = "INTERNAL"
	SpanKindServer      = "SERVER"
	SpanKindClient      = "CLIENT"
	SpanKindProducer    = "PRODUCER"
	SpanKindConsumer    = "CONSUMER"
)

// Status code values as stored. Unknown protocol values map to UNSET.
const (
	StatusUnset = "UNSET"
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// SpanRow is one span flattened for the otel_traces table. Nested event and
// link collections are carried as parallel arrays matching the flattened
// Nested columns. Identity is (Timestamp, SpanID); rows are immutable once
// written.
type SpanRow struct {
	Timestamp          time.Time           `ch:"Timestamp"`
	TraceID            string              `ch:"TraceId"`
	SpanID             string              `ch:"SpanId"`
	ParentSpanID       string              `ch:"ParentSpanId"`
	TraceState         string              `ch:"TraceState"`
	SpanName           string              `ch:"SpanName"`
	SpanKind           string              `ch:"SpanKind"`
	ServiceName        string              `ch:"ServiceName"`
	ResourceAttributes AttrMap             `ch:"ResourceAttributes"`
	ScopeName          string              `ch:"ScopeName"`
	ScopeVersion       string              `ch:"ScopeVersion"`
	SpanAttributes     AttrMap             `ch:"SpanAttributes"`
	Duration           uint64              `ch:"Duration"`
	StatusCode         string              `ch:"StatusCode"`
	StatusMessage      string              `ch:"StatusMessage"`
	EventTimestamps    []time.Time         `ch:"Events.Timestamp"`
	EventNames         []string            `ch:"Events.Name"`
	EventAttributes    []map[string]string `ch:"Events.Attributes"`
	LinkTraceIDs       []string            `ch:"Links.TraceId"`
	LinkSpanIDs        []string            `ch:"Links.SpanId"`
	LinkTraceStates    []string            `ch:"Links.TraceState"`
	LinkAttributes     []map[string]string `ch:"Links.Attributes"`
}

// LogRow is one log record flattened for the otel_logs table.
type LogRow struct {
	Timestamp          time.Time `ch:"Timestamp"`
	TraceID            string    `ch:"TraceId"`
	SpanID             string    `ch:"SpanId"`
	SeverityNumber     uint8     `ch:"SeverityNumber"`
	SeverityText       string    `ch:"SeverityText"`
	Body               string    `ch:"Body"`
	ServiceName        string    `ch:"ServiceName"`
	ResourceAttributes AttrMap   `ch:"ResourceAttributes"`
	LogAttributes      AttrMap   `ch:"LogAttributes"`
}

// Metric type values as stored.
const (
	MetricTypeGauge     = "Gauge"
	MetricTypeSum       = "Sum"
	MetricTypeHistogram = "Histogram"
	MetricTypeSummary   = "Summary"
)

// MetricRow is one metric data point flattened for the otel_metrics table.
// Histogram and summary points carry their sum as the scalar value.
type MetricRow struct {
	Timestamp          time.Time `ch:"Timestamp"`
	MetricName         string    `ch:"MetricName"`
	MetricDescription  string    `ch:"MetricDescription"`
	MetricUnit         string    `ch:"MetricUnit"`
	MetricType         string    `ch:"MetricType"`
	Value              float64   `ch:"Value"`
	ServiceName        string    `ch:"ServiceName"`
	ResourceAttributes AttrMap   `ch:"ResourceAttributes"`
	MetricAttributes   AttrMap   `ch:"MetricAttributes"`
}

// EnrichedSpanRow mirrors a span in otel_traces_enriched with its derived
// embedding text and vector. The key columns match the base span.
type EnrichedSpanRow struct {
	Timestamp              time.Time `ch:"Timestamp"`
	TraceID                string    `ch:"TraceId"`
	SpanID                 string    `ch:"SpanId"`
	ParentSpanID           string    `ch:"ParentSpanId"`
	SpanName               string    `ch:"SpanName"`
	SpanKind               string    `ch:"SpanKind"`
	ServiceName            string    `ch:"ServiceName"`
	Duration               uint64    `ch:"Duration"`
	StatusCode             string    `ch:"StatusCode"`
	StatusMessage          string    `ch:"StatusMessage"`
	ResourceAttributesFlat AttrMap   `ch:"ResourceAttributesFlat"`
	SpanAttributesFlat     AttrMap   `ch:"SpanAttributesFlat"`
	EmbeddingText          string    `ch:"EmbeddingText"`
	Embedding              []float32 `ch:"Embedding"`
}

// EnrichedHit is one result from a vector search over the enriched table.
type EnrichedHit struct {
	TraceID       string  `json:"trace_id"`
	SpanID        string  `json:"span_id"`
	ServiceName   string  `json:"service_name"`
	SpanName      string  `json:"span_name"`
	EmbeddingText string  `json:"embedding_text"`
	Score         float64 `json:"score"`
}

// File watermark statuses. A failed file counts as processed: it is attempted
// once and skipped on later cycles.
const (
	FileDone   = "done"
	FileFailed = "failed"
)

// FileWatermark records the outcome of loading one object-store file.
// Identity is Filename; the latest entry by ProcessedAt wins.
type FileWatermark struct {
	Filename     string    `ch:"Filename"`
	Status       string    `ch:"Status"`
	ProcessedAt  time.Time `ch:"ProcessedAt"`
	RowCount     uint64    `ch:"RowCount"`
	ErrorMessage string    `ch:"ErrorMessage"`
}

// EnricherWatermarkKey is the fixed key of the single global enricher watermark.
const EnricherWatermarkKey = "global"

// EnricherWatermark is the lexicographic upper bound of enriched spans.
// It only moves forward under the (LastTimestamp, LastSpanID) order.
type EnricherWatermark struct {
	WatermarkKey  string    `ch:"WatermarkKey"`
	LastTimestamp time.Time `ch:"LastTimestamp"`
	LastSpanID    string    `ch:"LastSpanId"`
	UpdatedAt     time.Time `ch:"UpdatedAt"`
}

// Less reports whether the watermark is strictly below (ts, spanID) under the
// lexicographic (timestamp, span id) order.
func (w EnricherWatermark) Less(ts time.Time, spanID string) bool {
	if w.LastTimestamp.Before(ts) {
		return true
	}
	if w.LastTimestamp.Equal(ts) {
		return w.LastSpanID < spanID
	}
	return false
}
