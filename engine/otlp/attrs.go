package otlp

import (
	"strconv"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"

	"github.com/traceplane/traceplane/engine/domain"
)

// FlattenAttributes converts a protobuf attribute list into an ordered
// string map. The first present scalar variant wins: string as-is, int and
// double stringified, bool lowercase. Composite variants (arrays, kv-lists,
// bytes) fall back to the value's text rendering rather than failing.
func FlattenAttributes(attrs []*commonpb.KeyValue) domain.AttrMap {
	out := domain.NewAttrMap(len(attrs))
	for _, kv := range attrs {
		out.Set(kv.GetKey(), stringifyValue(kv.GetValue()))
	}
	return out
}

func stringifyValue(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch t := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return t.StringValue
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(t.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(t.DoubleValue, 'g', -1, 64)
	case *commonpb.AnyValue_BoolValue:
		if t.BoolValue {
			return "true"
		}
		return "false"
	default:
		return v.String()
	}
}

// flattenPlain is FlattenAttributes for collections where order never leaves
// the row (event and link attributes).
func flattenPlain(attrs []*commonpb.KeyValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for _, kv := range attrs {
		out[kv.GetKey()] = stringifyValue(kv.GetValue())
	}
	return out
}
