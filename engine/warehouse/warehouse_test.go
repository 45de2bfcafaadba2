package warehouse

import (
	"strings"
	"testing"
	"time"

	"github.com/traceplane/traceplane/engine/domain"
)

func TestFileWatermarkTable(t *testing.T) {
	cases := map[domain.Signal]string{
		domain.SignalTraces:  TableTraceFileWatermark,
		domain.SignalLogs:    TableLogFileWatermark,
		domain.SignalMetrics: TableMetricFileWatermark,
	}
	for sig, want := range cases {
		if got := FileWatermarkTable(sig); got != want {
			t.Errorf("FileWatermarkTable(%s) = %q, want %q", sig, got, want)
		}
	}
}

func TestSourceFilterWhere(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	f := SourceFilter{Start: start, End: end, Limit: 100}
	where, args := f.where()
	if strings.Contains(where, "IN") {
		t.Errorf("no services should mean no IN clause, got %q", where)
	}
	if len(args) != 2 {
		t.Fatalf("expected 2 args, got %d", len(args))
	}

	f.Services = []string{"auth-service", "payments"}
	where, args = f.where()
	if !strings.Contains(where, "ServiceName IN ?") {
		t.Errorf("expected service clause, got %q", where)
	}
	if len(args) != 3 {
		t.Fatalf("expected 3 args, got %d", len(args))
	}
	if !strings.HasPrefix(where, "WHERE Timestamp >= ? AND Timestamp <= ?") {
		t.Errorf("window clause must come first, got %q", where)
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements()
	if len(stmts) != 8 {
		t.Fatalf("expected 8 tables, got %d", len(stmts))
	}

	all := strings.Join(stmts, "\n")
	tables := []string{
		TableTraces, TableLogs, TableMetrics, TableEnriched,
		TableTraceFileWatermark, TableLogFileWatermark,
		TableMetricFileWatermark, TableEnricherWatermark,
	}
	for _, table := range tables {
		if !strings.Contains(all, table) {
			t.Errorf("no DDL for %s", table)
		}
	}
	for _, ddl := range stmts {
		if !strings.Contains(ddl, "IF NOT EXISTS") {
			t.Errorf("DDL is not idempotent: %s", firstLine(ddl))
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
