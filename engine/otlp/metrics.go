package otlp

import (
	"fmt"
	"time"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"github.com/traceplane/traceplane/engine/domain"
)

// DecodeMetrics parses one ExportMetricsServiceRequest envelope into one row
// per data point. Gauges and sums carry their scalar value; histograms and
// summaries are flattened to their sum. Exponential histograms have no scalar
// projection and contribute no rows.
func DecodeMetrics(data []byte) ([]domain.MetricRow, error) {
	var req colmetricspb.ExportMetricsServiceRequest
	if err := unmarshalEnvelope(data, &req); err != nil {
		return nil, fmt.Errorf("otlp: parse metric envelope: %w", err)
	}

	var rows []domain.MetricRow
	for _, rm := range req.GetResourceMetrics() {
		resourceAttrs := FlattenAttributes(rm.GetResource().GetAttributes())
		serviceName := resourceAttrs.GetOr("service.name", "unknown")

		for _, sm := range rm.GetScopeMetrics() {
			for _, metric := range sm.GetMetrics() {
				metricType, points := dataPoints(metric)
				for _, p := range points {
					rows = append(rows, domain.MetricRow{
						Timestamp:          p.ts,
						MetricName:         metric.GetName(),
						MetricDescription:  metric.GetDescription(),
						MetricUnit:         metric.GetUnit(),
						MetricType:         metricType,
						Value:              p.value,
						ServiceName:        serviceName,
						ResourceAttributes: resourceAttrs,
						MetricAttributes:   p.attrs,
					})
				}
			}
		}
	}
	return rows, nil
}

type scalarPoint struct {
	ts    time.Time
	value float64
	attrs domain.AttrMap
}

func dataPoints(metric *metricspb.Metric) (string, []scalarPoint) {
	switch data := metric.GetData().(type) {
	case *metricspb.Metric_Gauge:
		return domain.MetricTypeGauge, numberPoints(data.Gauge.GetDataPoints())
	case *metricspb.Metric_Sum:
		return domain.MetricTypeSum, numberPoints(data.Sum.GetDataPoints())
	case *metricspb.Metric_Histogram:
		points := make([]scalarPoint, 0, len(data.Histogram.GetDataPoints()))
		for _, dp := range data.Histogram.GetDataPoints() {
			points = append(points, scalarPoint{
				ts:    tsFromNanos(dp.GetTimeUnixNano()),
				value: dp.GetSum(),
				attrs: FlattenAttributes(dp.GetAttributes()),
			})
		}
		return domain.MetricTypeHistogram, points
	case *metricspb.Metric_Summary:
		points := make([]scalarPoint, 0, len(data.Summary.GetDataPoints()))
		for _, dp := range data.Summary.GetDataPoints() {
			points = append(points, scalarPoint{
				ts:    tsFromNanos(dp.GetTimeUnixNano()),
				value: dp.GetSum(),
				attrs: FlattenAttributes(dp.GetAttributes()),
			})
		}
		return domain.MetricTypeSummary, points
	default:
		// Exponential histograms and future types: no scalar projection.
		return "", nil
	}
}

func numberPoints(dps []*metricspb.NumberDataPoint) []scalarPoint {
	points := make([]scalarPoint, 0, len(dps))
	for _, dp := range dps {
		var value float64
		switch v := dp.GetValue().(type) {
		case *metricspb.NumberDataPoint_AsDouble:
			value = v.AsDouble
		case *metricspb.NumberDataPoint_AsInt:
			value = float64(v.AsInt)
		}
		points = append(points, scalarPoint{
			ts:    tsFromNanos(dp.GetTimeUnixNano()),
			value: value,
			attrs: FlattenAttributes(dp.GetAttributes()),
		})
	}
	return points
}
