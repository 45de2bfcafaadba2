package otlp

import (
	"encoding/hex"
	"fmt"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/traceplane/traceplane/engine/domain"
)

// severityTexts maps OTLP severity numbers 0..24 to their canonical names.
var severityTexts = [25]string{
	"UNSPECIFIED",
	"TRACE", "TRACE2", "TRACE3", "TRACE4",
	"DEBUG", "DEBUG2", "DEBUG3", "DEBUG4",
	"INFO", "INFO2", "INFO3", "INFO4",
	"WARN", "WARN2", "WARN3", "WARN4",
	"ERROR", "ERROR2", "ERROR3", "ERROR4",
	"FATAL", "FATAL2", "FATAL3", "FATAL4",
}

func severityText(n int32) string {
	if n < 0 || int(n) >= len(severityTexts) {
		return "UNSPECIFIED"
	}
	return severityTexts[n]
}

// DecodeLogs parses one ExportLogsServiceRequest envelope into log rows.
// Empty severity text is derived from the severity number; an unset
// timestamp maps to the epoch.
func DecodeLogs(data []byte) ([]domain.LogRow, error) {
	var req collogspb.ExportLogsServiceRequest
	if err := unmarshalEnvelope(data, &req); err != nil {
		return nil, fmt.Errorf("otlp: parse log envelope: %w", err)
	}

	var rows []domain.LogRow
	for _, rl := range req.GetResourceLogs() {
		resourceAttrs := FlattenAttributes(rl.GetResource().GetAttributes())
		serviceName := resourceAttrs.GetOr("service.name", "unknown")

		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				sevNum := int32(rec.GetSeverityNumber())
				sevText := rec.GetSeverityText()
				if sevText == "" {
					sevText = severityText(sevNum)
				}

				rows = append(rows, domain.LogRow{
					Timestamp:          tsFromNanos(rec.GetTimeUnixNano()),
					TraceID:            hex.EncodeToString(rec.GetTraceId()),
					SpanID:             hex.EncodeToString(rec.GetSpanId()),
					SeverityNumber:     uint8(sevNum),
					SeverityText:       sevText,
					Body:               bodyText(rec.GetBody()),
					ServiceName:        serviceName,
					ResourceAttributes: resourceAttrs,
					LogAttributes:      FlattenAttributes(rec.GetAttributes()),
				})
			}
		}
	}
	return rows, nil
}

func bodyText(body *commonpb.AnyValue) string {
	if body == nil {
		return ""
	}
	if s, ok := body.GetValue().(*commonpb.AnyValue_StringValue); ok {
		return s.StringValue
	}
	return body.String()
}
