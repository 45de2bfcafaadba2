// Package session materializes scoped warehouse slices into per-session
// SQLite files and owns the lifecycle of the sessions built from them.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/engine/warehouse"
)

const (
	// DBFile is the SQLite file inside each session directory.
	DBFile = "session.db"
	// DefaultMaxRows caps rows copied per session table.
	DefaultMaxRows = 500_000

	// timeLayout renders timestamps the way ClickHouse prints DateTime64(9),
	// fixed width with all nine fractional digits.
	timeLayout = "2006-01-02 15:04:05.000000000"
)

// Source is the warehouse query surface the builder copies from.
type Source interface {
	SessionSpans(ctx context.Context, f warehouse.SourceFilter) ([]domain.SpanRow, error)
	SessionLogs(ctx context.Context, f warehouse.SourceFilter) ([]domain.LogRow, error)
	SessionMetrics(ctx context.Context, f warehouse.SourceFilter) ([]domain.MetricRow, error)
	SessionEnriched(ctx context.Context, f warehouse.SourceFilter) ([]domain.EnrichedSpanRow, error)
	DistinctServices(ctx context.Context) ([]string, error)
}

// Inventory is the side-channel service list consulted when the warehouse is
// unreachable.
type Inventory interface {
	ServiceInventory(ctx context.Context) ([]string, error)
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	Dir       string
	MaxRows   int
	Inventory Inventory
	Logger    *slog.Logger
}

// Builder copies filtered warehouse rows into per-session SQLite databases.
// Each session owns the directory <Dir>/<id>/ exclusively.
type Builder struct {
	source    Source
	dir       string
	maxRows   int
	inventory Inventory
	log       *slog.Logger
}

// NewBuilder wires a Builder with defaults filled in.
func NewBuilder(src Source, cfg BuilderConfig) *Builder {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Builder{
		source:    src,
		dir:       cfg.Dir,
		maxRows:   maxRows,
		inventory: cfg.Inventory,
		log:       log,
	}
}

// BuildResult is what a finished materialization reports.
type BuildResult struct {
	Counts   map[string]int64
	Manifest domain.Manifest
}

// Path returns the directory owned by a session.
func (b *Builder) Path(id string) string {
	return filepath.Join(b.dir, id)
}

const sessionDDL = `
CREATE TABLE IF NOT EXISTS traces (
	Timestamp TEXT,
	TraceId TEXT,
	SpanId TEXT,
	ParentSpanId TEXT,
	SpanName TEXT,
	SpanKind TEXT,
	ServiceName TEXT,
	Duration INTEGER,
	StatusCode TEXT,
	StatusMessage TEXT,
	SpanAttributes TEXT,
	ResourceAttributes TEXT
);
CREATE TABLE IF NOT EXISTS logs (
	Timestamp TEXT,
	TraceId TEXT,
	SpanId TEXT,
	SeverityNumber INTEGER,
	SeverityText TEXT,
	Body TEXT,
	ServiceName TEXT,
	LogAttributes TEXT,
	ResourceAttributes TEXT
);
CREATE TABLE IF NOT EXISTS metrics (
	Timestamp TEXT,
	MetricName TEXT,
	MetricDescription TEXT,
	MetricUnit TEXT,
	MetricType TEXT,
	Value REAL,
	ServiceName TEXT,
	MetricAttributes TEXT,
	ResourceAttributes TEXT
);
CREATE TABLE IF NOT EXISTS traces_enriched (
	Timestamp TEXT,
	TraceId TEXT,
	SpanId TEXT,
	ParentSpanId TEXT,
	SpanName TEXT,
	SpanKind TEXT,
	ServiceName TEXT,
	Duration INTEGER,
	StatusCode TEXT,
	StatusMessage TEXT,
	EmbeddingText TEXT,
	Embedding TEXT
);`

const (
	insertTraces   = "INSERT INTO traces VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	insertLogs     = "INSERT INTO logs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	insertMetrics  = "INSERT INTO metrics VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	insertEnriched = "INSERT INTO traces_enriched VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
)

// Build materializes one session. The result contains every warehouse row
// matching the request up to MaxRows per table, and nothing else; enriched
// spans ride along whenever traces are requested.
func (b *Builder) Build(ctx context.Context, id string, req domain.SessionRequest) (*BuildResult, error) {
	dir := b.Path(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", dir, err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dir, DBFile))
	if err != nil {
		return nil, fmt.Errorf("session: open db: %w", err)
	}
	defer db.Close()
	if _, err := db.ExecContext(ctx, sessionDDL); err != nil {
		return nil, fmt.Errorf("session: create tables: %w", err)
	}

	filter := warehouse.SourceFilter{
		Services: req.Services,
		Start:    req.Start,
		End:      req.End,
		Limit:    b.maxRows,
	}
	counts := map[string]int64{}
	for _, sig := range req.SignalTypes {
		switch sig {
		case domain.SignalTraces:
			n, err := b.copyTraces(ctx, db, filter)
			if err != nil {
				return nil, err
			}
			counts["traces"] = n
			n, err = b.copyEnriched(ctx, db, filter)
			if err != nil {
				return nil, err
			}
			counts["traces_enriched"] = n
		case domain.SignalLogs:
			n, err := b.copyLogs(ctx, db, filter)
			if err != nil {
				return nil, err
			}
			counts["logs"] = n
		case domain.SignalMetrics:
			n, err := b.copyMetrics(ctx, db, filter)
			if err != nil {
				return nil, err
			}
			counts["metrics"] = n
		}
	}

	manifest, err := b.manifest(ctx, db)
	if err != nil {
		return nil, err
	}
	b.log.Info("session: materialized", "session", id, "counts", counts)
	return &BuildResult{Counts: counts, Manifest: manifest}, nil
}

// Drop removes the session directory and everything in it. Dropping a session
// that was never built is not an error.
func (b *Builder) Drop(_ context.Context, id string) error {
	if err := os.RemoveAll(b.Path(id)); err != nil {
		return fmt.Errorf("session: drop %s: %w", id, err)
	}
	return nil
}

// ListServices returns distinct service names from the warehouse, falling
// back to the object-store inventory when the warehouse is unreachable.
func (b *Builder) ListServices(ctx context.Context) ([]string, error) {
	services, err := b.source.DistinctServices(ctx)
	if err == nil {
		return services, nil
	}
	if b.inventory == nil {
		return nil, err
	}
	b.log.Warn("session: warehouse unreachable, using inventory", "error", err)
	services, invErr := b.inventory.ServiceInventory(ctx)
	if invErr != nil {
		return nil, errors.Join(err, invErr)
	}
	return services, nil
}

func bulkInsert(ctx context.Context, db *sql.DB, stmt string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	ins, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		tx.Rollback()
		return err
	}
	for i := 0; i < n; i++ {
		if _, err := ins.ExecContext(ctx, args(i)...); err != nil {
			ins.Close()
			tx.Rollback()
			return err
		}
	}
	ins.Close()
	return tx.Commit()
}

func (b *Builder) copyTraces(ctx context.Context, db *sql.DB, f warehouse.SourceFilter) (int64, error) {
	rows, err := b.source.SessionSpans(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("session: pull traces: %w", err)
	}
	err = bulkInsert(ctx, db, insertTraces, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.Timestamp.UTC().Format(timeLayout), r.TraceID, r.SpanID, r.ParentSpanID,
			r.SpanName, r.SpanKind, r.ServiceName, int64(r.Duration),
			r.StatusCode, r.StatusMessage,
			r.SpanAttributes.String(), r.ResourceAttributes.String(),
		}
	})
	if err != nil {
		return 0, fmt.Errorf("session: copy traces: %w", err)
	}
	return int64(len(rows)), nil
}

func (b *Builder) copyLogs(ctx context.Context, db *sql.DB, f warehouse.SourceFilter) (int64, error) {
	rows, err := b.source.SessionLogs(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("session: pull logs: %w", err)
	}
	err = bulkInsert(ctx, db, insertLogs, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.Timestamp.UTC().Format(timeLayout), r.TraceID, r.SpanID,
			r.SeverityNumber, r.SeverityText, r.Body, r.ServiceName,
			r.LogAttributes.String(), r.ResourceAttributes.String(),
		}
	})
	if err != nil {
		return 0, fmt.Errorf("session: copy logs: %w", err)
	}
	return int64(len(rows)), nil
}

func (b *Builder) copyMetrics(ctx context.Context, db *sql.DB, f warehouse.SourceFilter) (int64, error) {
	rows, err := b.source.SessionMetrics(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("session: pull metrics: %w", err)
	}
	err = bulkInsert(ctx, db, insertMetrics, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.Timestamp.UTC().Format(timeLayout), r.MetricName, r.MetricDescription,
			r.MetricUnit, r.MetricType, r.Value, r.ServiceName,
			r.MetricAttributes.String(), r.ResourceAttributes.String(),
		}
	})
	if err != nil {
		return 0, fmt.Errorf("session: copy metrics: %w", err)
	}
	return int64(len(rows)), nil
}

func (b *Builder) copyEnriched(ctx context.Context, db *sql.DB, f warehouse.SourceFilter) (int64, error) {
	rows, err := b.source.SessionEnriched(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("session: pull enriched: %w", err)
	}
	vectors := make([]string, len(rows))
	for i, r := range rows {
		v, err := json.Marshal(r.Embedding)
		if err != nil {
			return 0, fmt.Errorf("session: encode embedding: %w", err)
		}
		vectors[i] = string(v)
	}
	err = bulkInsert(ctx, db, insertEnriched, len(rows), func(i int) []any {
		r := rows[i]
		return []any{
			r.Timestamp.UTC().Format(timeLayout), r.TraceID, r.SpanID, r.ParentSpanID,
			r.SpanName, r.SpanKind, r.ServiceName, int64(r.Duration),
			r.StatusCode, r.StatusMessage,
			r.EmbeddingText, vectors[i],
		}
	})
	if err != nil {
		return 0, fmt.Errorf("session: copy enriched: %w", err)
	}
	return int64(len(rows)), nil
}

// manifestTables is the fixed order tables appear in a manifest build.
var manifestTables = []string{"traces", "logs", "metrics", "traces_enriched"}

// manifest describes the session database by querying it directly, so the
// manifest always reflects what was actually materialized. Empty tables are
// omitted.
func (b *Builder) manifest(ctx context.Context, db *sql.DB) (domain.Manifest, error) {
	m := domain.Manifest{}
	for _, table := range manifestTables {
		var count int64
		if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&count); err != nil {
			return nil, fmt.Errorf("session: count %s: %w", table, err)
		}
		if count == 0 {
			continue
		}
		cols, err := tableColumns(ctx, db, table)
		if err != nil {
			return nil, err
		}
		samples, err := sampleRows(ctx, db, table)
		if err != nil {
			return nil, err
		}
		m[table] = domain.TableManifest{RowCount: count, Columns: cols, SampleRows: samples}
	}
	return m, nil
}

func tableColumns(ctx context.Context, db *sql.DB, table string) ([]domain.ColumnInfo, error) {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return nil, fmt.Errorf("session: describe %s: %w", table, err)
	}
	defer rows.Close()
	var cols []domain.ColumnInfo
	for rows.Next() {
		var (
			cid, notnull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, domain.ColumnInfo{Name: name, Type: ctype})
	}
	return cols, rows.Err()
}

func sampleRows(ctx context.Context, db *sql.DB, table string) ([]map[string]any, error) {
	rows, err := db.QueryContext(ctx, "SELECT * FROM "+table+" LIMIT 3")
	if err != nil {
		return nil, fmt.Errorf("session: sample %s: %w", table, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(map[string]any, len(cols))
		for i, c := range cols {
			v := vals[i]
			if raw, ok := v.([]byte); ok {
				v = string(raw)
			}
			rec[c] = v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
