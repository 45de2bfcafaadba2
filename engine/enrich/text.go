package enrich

import (
	"fmt"
	"strings"

	"github.com/traceplane/traceplane/engine/domain"
)

// BuildEmbeddingText renders a span into the text that gets embedded. The
// rendering is a pure function of the span's core fields and must stay stable
// across releases: stored vectors are only comparable to freshly encoded
// queries while the text shape is identical.
func BuildEmbeddingText(row domain.SpanRow) string {
	var b strings.Builder
	b.WriteString("service=")
	b.WriteString(row.ServiceName)
	b.WriteString(" span=")
	b.WriteString(row.SpanName)
	b.WriteString(" kind=")
	b.WriteString(row.SpanKind)
	b.WriteString(" status=")
	b.WriteString(row.StatusCode)
	fmt.Fprintf(&b, " duration=%.1fms", float64(row.Duration)/1e6)
	if row.StatusMessage != "" {
		b.WriteString(" message=")
		b.WriteString(row.StatusMessage)
	}
	for _, p := range row.SpanAttributes.Pairs() {
		b.WriteByte(' ')
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}
