//go:build integration

package warehouse

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/traceplane/traceplane/engine/domain"
)

// Requires a reachable ClickHouse; set CH_HOST (and optionally CH_PORT,
// CH_USER, CH_PASSWORD, CH_DATABASE) to run.
func testStore(t *testing.T) *Store {
	t.Helper()
	host := os.Getenv("CH_HOST")
	if host == "" {
		t.Skip("CH_HOST not set")
	}
	port := 9000
	if p := os.Getenv("CH_PORT"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			t.Fatalf("bad CH_PORT: %v", err)
		}
		port = n
	}
	user := os.Getenv("CH_USER")
	if user == "" {
		user = "default"
	}
	db := os.Getenv("CH_DATABASE")
	if db == "" {
		db = "default"
	}

	st, err := Open(context.Background(), Options{
		Host:     host,
		Port:     port,
		User:     user,
		Password: os.Getenv("CH_PASSWORD"),
		Database: db,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestWarehouseRoundtrip(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema second run: %v", err)
	}

	// Unique markers so reruns against a shared instance stay independent.
	run := time.Now().UnixNano()
	svc := fmt.Sprintf("it-svc-%d", run)
	base := time.Now().UTC().Truncate(time.Second)

	spans := make([]domain.SpanRow, 3)
	for i := range spans {
		spans[i] = domain.SpanRow{
			Timestamp:          base.Add(time.Duration(i) * time.Millisecond),
			TraceID:            fmt.Sprintf("%032x", run),
			SpanID:             fmt.Sprintf("%016x", run+int64(i)),
			SpanName:           "GET /checkout",
			SpanKind:           domain.SpanKindServer,
			ServiceName:        svc,
			ResourceAttributes: domain.AttrsFrom("service.name", svc),
			SpanAttributes:     domain.AttrsFrom("http.method", "GET"),
			Duration:           1_500_000,
			StatusCode:         domain.StatusOK,
		}
	}
	if err := st.InsertSpans(ctx, spans); err != nil {
		t.Fatalf("InsertSpans: %v", err)
	}

	t.Run("session spans honor the service filter", func(t *testing.T) {
		got, err := st.SessionSpans(ctx, SourceFilter{
			Services: []string{svc},
			Start:    base.Add(-time.Minute),
			End:      base.Add(time.Minute),
			Limit:    100,
		})
		if err != nil {
			t.Fatalf("SessionSpans: %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 spans, got %d", len(got))
		}
		if got[0].SpanAttributes.GetOr("http.method", "") != "GET" {
			t.Errorf("span attributes did not roundtrip: %v", got[0].SpanAttributes)
		}
	})

	t.Run("file watermark latest wins", func(t *testing.T) {
		name := fmt.Sprintf("incoming/it-%d.json", run)
		err := st.RecordFile(ctx, TableTraceFileWatermark, domain.FileWatermark{
			Filename: name, Status: domain.FileFailed, ErrorMessage: "parse error",
		})
		if err != nil {
			t.Fatalf("RecordFile failed entry: %v", err)
		}
		err = st.RecordFile(ctx, TableTraceFileWatermark, domain.FileWatermark{
			Filename: name, Status: domain.FileDone, RowCount: 3,
		})
		if err != nil {
			t.Fatalf("RecordFile done entry: %v", err)
		}
		seen, err := st.ProcessedFiles(ctx, TableTraceFileWatermark)
		if err != nil {
			t.Fatalf("ProcessedFiles: %v", err)
		}
		if _, ok := seen[name]; !ok {
			t.Fatalf("%s missing from processed set", name)
		}
	})

	t.Run("enricher watermark advances", func(t *testing.T) {
		if err := st.AdvanceEnricherWatermark(ctx, spans[2].Timestamp, spans[2].SpanID); err != nil {
			t.Fatalf("AdvanceEnricherWatermark: %v", err)
		}
		wm, err := st.EnricherWatermark(ctx)
		if err != nil {
			t.Fatalf("EnricherWatermark: %v", err)
		}
		if wm.Less(spans[2].Timestamp, spans[2].SpanID) {
			t.Fatalf("watermark %v/%s below advanced key", wm.LastTimestamp, wm.LastSpanID)
		}
	})

	t.Run("distinct services include ours", func(t *testing.T) {
		services, err := st.DistinctServices(ctx)
		if err != nil {
			t.Fatalf("DistinctServices: %v", err)
		}
		found := false
		for _, s := range services {
			if s == svc {
				found = true
			}
		}
		if !found {
			t.Fatalf("%s not in %v", svc, services)
		}
	})
}
