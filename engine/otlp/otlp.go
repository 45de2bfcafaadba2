// Package otlp decodes OTLP protobuf-in-JSON envelopes into domain rows.
// Each object-store file holds exactly one Export*Request message; decoding
// flattens the resource/scope/record hierarchy into one row per span, log
// record, or metric data point. Decoders are pure: no I/O, no shared state.
package otlp

import (
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

func unmarshalEnvelope(data []byte, msg proto.Message) error {
	return protojson.Unmarshal(data, msg)
}

// tsFromNanos converts nanoseconds since epoch to UTC time. Zero maps to the
// epoch, which keeps unset protocol timestamps representable in the warehouse.
func tsFromNanos(ns uint64) time.Time {
	return time.Unix(0, int64(ns)).UTC()
}
