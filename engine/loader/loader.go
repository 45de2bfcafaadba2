// Package loader drains OTLP JSON exports from object storage into ClickHouse.
// One Pipeline runs per signal. Each cycle lists the signal's prefix, diffs it
// against the watermark table, and loads new files with bounded concurrency.
// A file is marked done or failed exactly once; failed files are not retried.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/engine/warehouse"
	"github.com/traceplane/traceplane/pkg/fn"
	"github.com/traceplane/traceplane/pkg/metrics"
)

const (
	// DefaultBatchSize is the max rows per INSERT.
	DefaultBatchSize = 5000
	// DefaultWorkers is the number of files loaded concurrently.
	DefaultWorkers = 4
	// DefaultPollBusy is the delay after a cycle that found new files.
	DefaultPollBusy = time.Second
	// DefaultPollIdle is the delay after an empty or failed cycle.
	DefaultPollIdle = 10 * time.Second

	// markTimeout bounds watermark writes that outlive a cancelled cycle.
	markTimeout = 10 * time.Second
)

// ObjectStore lists and fetches export files.
type ObjectStore interface {
	ListJSON(ctx context.Context, prefix string) ([]string, error)
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// Marks reads and writes one signal's file watermark table. A filename present
// in ProcessedFiles is never loaded again, whatever its status.
type Marks interface {
	ProcessedFiles(ctx context.Context) (map[string]struct{}, error)
	RecordFile(ctx context.Context, wm domain.FileWatermark) error
}

// SignalMarks binds a warehouse store to one signal's file watermark table.
func SignalMarks(s *warehouse.Store, sig domain.Signal) Marks {
	return signalMarks{s: s, table: warehouse.FileWatermarkTable(sig)}
}

type signalMarks struct {
	s     *warehouse.Store
	table string
}

func (m signalMarks) ProcessedFiles(ctx context.Context) (map[string]struct{}, error) {
	return m.s.ProcessedFiles(ctx, m.table)
}

func (m signalMarks) RecordFile(ctx context.Context, wm domain.FileWatermark) error {
	return m.s.RecordFile(ctx, m.table, wm)
}

// Metrics are shared by all signal pipelines; each labels with its signal.
type Metrics struct {
	files    *prometheus.CounterVec
	rows     *prometheus.CounterVec
	cycles   *prometheus.CounterVec
	fileTime *prometheus.HistogramVec
}

// NewMetrics registers the loader metric family once per registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		files: metrics.CounterVec(reg, "loader_files_processed_total",
			"Files marked done or failed.", "signal", "status"),
		rows: metrics.CounterVec(reg, "loader_rows_inserted_total",
			"Rows inserted into the warehouse.", "signal"),
		cycles: metrics.CounterVec(reg, "loader_cycle_errors_total",
			"Poll cycles that failed before reaching any file.", "signal"),
		fileTime: metrics.HistogramVec(reg, "loader_file_seconds",
			"Per-file fetch, decode, and insert time.", nil, "signal"),
	}
}

// Deps are one pipeline's external dependencies. Decode and Insert carry the
// signal-specific row type.
type Deps[T any] struct {
	Objects ObjectStore
	Marks   Marks
	Decode  func(data []byte) ([]T, error)
	Insert  func(ctx context.Context, rows []T) error
	Logger  *slog.Logger
	Metrics *Metrics
}

// Options tune one pipeline.
type Options struct {
	Signal    domain.Signal
	Prefix    string
	BatchSize int
	Workers   int
	PollBusy  time.Duration
	PollIdle  time.Duration
}

// Pipeline loads one signal's files.
type Pipeline[T any] struct {
	deps Deps[T]
	opts Options
	log  *slog.Logger
	m    *Metrics
}

// New wires a Pipeline with defaults filled in.
func New[T any](deps Deps[T], opts Options) *Pipeline[T] {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.PollBusy <= 0 {
		opts.PollBusy = DefaultPollBusy
	}
	if opts.PollIdle <= 0 {
		opts.PollIdle = DefaultPollIdle
	}
	m := deps.Metrics
	if m == nil {
		m = NewMetrics(prometheus.NewRegistry())
	}
	return &Pipeline[T]{deps: deps, opts: opts, log: log, m: m}
}

// Run polls until ctx is cancelled. Cycle failures are logged and retried
// after the idle interval.
func (p *Pipeline[T]) Run(ctx context.Context) error {
	p.log.Info("loader: pipeline started",
		"signal", p.opts.Signal,
		"prefix", p.opts.Prefix,
		"workers", p.opts.Workers,
	)
	for {
		found, err := p.cycle(ctx)
		wait := p.opts.PollIdle
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			p.m.cycles.WithLabelValues(string(p.opts.Signal)).Inc()
			p.log.Warn("loader: cycle failed", "signal", p.opts.Signal, "error", err)
		case found > 0:
			wait = p.opts.PollBusy
		}
		if err := fn.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// cycle returns how many new files it found. Per-file failures are absorbed
// into failed watermarks and do not fail the cycle.
func (p *Pipeline[T]) cycle(ctx context.Context) (int, error) {
	seen, err := p.deps.Marks.ProcessedFiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("loader: processed files: %w", err)
	}
	keys, err := p.deps.Objects.ListJSON(ctx, p.opts.Prefix)
	if err != nil {
		return 0, fmt.Errorf("loader: list %q: %w", p.opts.Prefix, err)
	}
	fresh := fn.Filter(keys, func(k string) bool {
		_, ok := seen[k]
		return !ok
	})
	if len(fresh) == 0 {
		return 0, nil
	}
	p.log.Info("loader: new files", "signal", p.opts.Signal, "count", len(fresh))
	fn.ParMap(ctx, fresh, p.opts.Workers, p.processFile)
	return len(fresh), nil
}

// processFile loads one file and records its watermark. On shutdown mid-file
// nothing is recorded, so the next run picks the file up again.
func (p *Pipeline[T]) processFile(ctx context.Context, key string) error {
	start := time.Now()
	rows, err := p.loadFile(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Error("loader: file failed", "signal", p.opts.Signal, "file", key, "error", err)
		p.mark(ctx, domain.FileWatermark{
			Filename:     key,
			Status:       domain.FileFailed,
			ErrorMessage: err.Error(),
		})
		p.m.files.WithLabelValues(string(p.opts.Signal), domain.FileFailed).Inc()
		return nil
	}
	p.mark(ctx, domain.FileWatermark{
		Filename: key,
		Status:   domain.FileDone,
		RowCount: uint64(rows),
	})
	p.m.files.WithLabelValues(string(p.opts.Signal), domain.FileDone).Inc()
	p.m.rows.WithLabelValues(string(p.opts.Signal)).Add(float64(rows))
	p.m.fileTime.WithLabelValues(string(p.opts.Signal)).Observe(time.Since(start).Seconds())
	p.log.Info("loader: file loaded",
		"signal", p.opts.Signal,
		"file", key,
		"rows", rows,
		"duration", time.Since(start),
	)
	return nil
}

func (p *Pipeline[T]) loadFile(ctx context.Context, key string) (int, error) {
	data, err := p.deps.Objects.Fetch(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("fetch: %w", err)
	}
	rows, err := p.deps.Decode(data)
	if err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	inserted := 0
	for _, batch := range fn.Chunk(rows, p.opts.BatchSize) {
		if err := p.deps.Insert(ctx, batch); err != nil {
			return inserted, fmt.Errorf("insert after %d rows: %w", inserted, err)
		}
		inserted += len(batch)
	}
	return inserted, nil
}

// mark writes a watermark on a detached context so a shutdown that lands
// between insert and record does not strand already-durable rows.
func (p *Pipeline[T]) mark(ctx context.Context, wm domain.FileWatermark) {
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	if err := p.deps.Marks.RecordFile(mctx, wm); err != nil {
		p.log.Error("loader: watermark write failed",
			"signal", p.opts.Signal,
			"file", wm.Filename,
			"error", err,
		)
	}
}
