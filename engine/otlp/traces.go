package otlp

import (
	"encoding/hex"
	"fmt"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/traceplane/traceplane/engine/domain"
)

var spanKindNames = map[tracepb.Span_SpanKind]string{
	tracepb.Span_SPAN_KIND_UNSPECIFIED: domain.SpanKindUnspecified,
	tracepb.Span_SPAN_KIND_INTERNAL:    domain.SpanKindInternal,
	tracepb.Span_SPAN_KIND_SERVER:      domain.SpanKindServer,
	tracepb.Span_SPAN_KIND_CLIENT:      domain.SpanKindClient,
	tracepb.Span_SPAN_KIND_PRODUCER:    domain.SpanKindProducer,
	tracepb.Span_SPAN_KIND_CONSUMER:    domain.SpanKindConsumer,
}

var statusCodeNames = map[tracepb.Status_StatusCode]string{
	tracepb.Status_STATUS_CODE_UNSET: domain.StatusUnset,
	tracepb.Status_STATUS_CODE_OK:    domain.StatusOK,
	tracepb.Status_STATUS_CODE_ERROR: domain.StatusError,
}

func spanKindName(k tracepb.Span_SpanKind) string {
	if name, ok := spanKindNames[k]; ok {
		return name
	}
	return domain.SpanKindUnspecified
}

func statusCodeName(c tracepb.Status_StatusCode) string {
	if name, ok := statusCodeNames[c]; ok {
		return name
	}
	return domain.StatusUnset
}

// DecodeTraces parses one ExportTraceServiceRequest envelope into span rows.
// Rows keep the envelope's span order.
func DecodeTraces(data []byte) ([]domain.SpanRow, error) {
	var req coltracepb.ExportTraceServiceRequest
	if err := unmarshalEnvelope(data, &req); err != nil {
		return nil, fmt.Errorf("otlp: parse trace envelope: %w", err)
	}

	var rows []domain.SpanRow
	for _, rs := range req.GetResourceSpans() {
		resourceAttrs := FlattenAttributes(rs.GetResource().GetAttributes())
		serviceName := resourceAttrs.GetOr("service.name", "unknown")

		for _, ss := range rs.GetScopeSpans() {
			scopeName := ss.GetScope().GetName()
			scopeVersion := ss.GetScope().GetVersion()

			for _, span := range ss.GetSpans() {
				rows = append(rows, decodeSpan(span, serviceName, scopeName, scopeVersion, resourceAttrs))
			}
		}
	}
	return rows, nil
}

func decodeSpan(span *tracepb.Span, serviceName, scopeName, scopeVersion string, resourceAttrs domain.AttrMap) domain.SpanRow {
	row := domain.SpanRow{
		Timestamp:          tsFromNanos(span.GetStartTimeUnixNano()),
		TraceID:            hex.EncodeToString(span.GetTraceId()),
		SpanID:             hex.EncodeToString(span.GetSpanId()),
		ParentSpanID:       hex.EncodeToString(span.GetParentSpanId()),
		TraceState:         span.GetTraceState(),
		SpanName:           span.GetName(),
		SpanKind:           spanKindName(span.GetKind()),
		ServiceName:        serviceName,
		ResourceAttributes: resourceAttrs,
		ScopeName:          scopeName,
		ScopeVersion:       scopeVersion,
		SpanAttributes:     FlattenAttributes(span.GetAttributes()),
		StatusCode:         statusCodeName(span.GetStatus().GetCode()),
		StatusMessage:      span.GetStatus().GetMessage(),
	}

	// Negative durations are a producer bug; clamp rather than wrap the uint.
	if end, start := span.GetEndTimeUnixNano(), span.GetStartTimeUnixNano(); end > start {
		row.Duration = end - start
	}

	for _, ev := range span.GetEvents() {
		row.EventTimestamps = append(row.EventTimestamps, tsFromNanos(ev.GetTimeUnixNano()))
		row.EventNames = append(row.EventNames, ev.GetName())
		row.EventAttributes = append(row.EventAttributes, flattenPlain(ev.GetAttributes()))
	}
	for _, link := range span.GetLinks() {
		row.LinkTraceIDs = append(row.LinkTraceIDs, hex.EncodeToString(link.GetTraceId()))
		row.LinkSpanIDs = append(row.LinkSpanIDs, hex.EncodeToString(link.GetSpanId()))
		row.LinkTraceStates = append(row.LinkTraceStates, link.GetTraceState())
		row.LinkAttributes = append(row.LinkAttributes, flattenPlain(link.GetAttributes()))
	}
	return row
}
