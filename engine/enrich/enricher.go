// Package enrich keeps the enriched span mirror in step with the base span
// table. A prefetch stage pulls contiguous slices past the global watermark
// and a compute stage encodes them, writes the mirrored rows, and advances
// the watermark. The two stages run concurrently over a bounded queue so
// fetching hides behind encoding.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/pkg/embed"
	"github.com/traceplane/traceplane/pkg/fn"
	"github.com/traceplane/traceplane/pkg/metrics"
	"github.com/traceplane/traceplane/pkg/resilience"
)

const (
	// maxEncodeBatch caps texts per encoder call for memory pacing, whatever
	// the encoder's own hint says.
	maxEncodeBatch = 512
	// queueDepth bounds how far prefetch runs ahead of compute.
	queueDepth = 2
	// commitTimeout bounds the detached insert+advance at shutdown.
	commitTimeout = 30 * time.Second
)

// SpanSource supplies the stored watermark and contiguous span slices past a
// key, in (Timestamp, SpanId) order.
type SpanSource interface {
	EnricherWatermark(ctx context.Context) (domain.EnricherWatermark, error)
	SpansAfter(ctx context.Context, wm domain.EnricherWatermark, limit int) ([]domain.SpanRow, error)
}

// EnrichedSink persists enriched rows and watermark advances. Advances must
// only happen after the rows they cover are durable.
type EnrichedSink interface {
	InsertEnriched(ctx context.Context, rows []domain.EnrichedSpanRow) error
	AdvanceEnricherWatermark(ctx context.Context, ts time.Time, spanID string) error
}

// Deps are the enricher's external dependencies.
type Deps struct {
	Source  SpanSource
	Sink    EnrichedSink
	Encoder embed.Encoder
	Logger  *slog.Logger
	Metrics prometheus.Registerer
}

// Options tune one enricher run.
type Options struct {
	// BatchSize is the slice size fetched past the watermark.
	BatchSize int
	// PollInterval is the idle wait when the base table is drained, and the
	// backoff between retries of a failed slice.
	PollInterval time.Duration
}

// Enricher drives the two-stage loop. One instance per process; it owns the
// watermark and must be the only writer of the enriched table.
type Enricher struct {
	deps   Deps
	opts   Options
	log    *slog.Logger
	encode fn.Stage[[]string, [][]float32]

	enriched    prometheus.Counter
	cycleErrors prometheus.Counter
	batchTime   prometheus.Histogram
}

// New wires an Enricher. Encoder calls go through a circuit breaker so a
// down model server degrades to cheap failures instead of piling up timeouts.
func New(deps Deps, opts Options) *Enricher {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 4096
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	reg := deps.Metrics
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	breaker := resilience.NewBreaker(resilience.DefaultBreakerOpts)
	encode := fn.TracedStage("enrich.encode",
		resilience.BreakerStage(breaker, func(ctx context.Context, texts []string) fn.Result[[][]float32] {
			return fn.FromPair(deps.Encoder.Encode(ctx, texts))
		}))

	return &Enricher{
		deps:   deps,
		opts:   opts,
		log:    log,
		encode: encode,
		enriched: metrics.Counter(reg, "enricher_spans_enriched_total",
			"Spans written to the enriched table."),
		cycleErrors: metrics.Counter(reg, "enricher_cycle_errors_total",
			"Failed enrichment cycles, retried without advancing the watermark."),
		batchTime: metrics.Histogram(reg, "enricher_batch_seconds",
			"Wall time to enrich one fetched slice.", nil),
	}
}

// Run executes the prefetch and compute stages until ctx is cancelled.
// Transient errors are retried in place; only shutdown ends the loop.
func (e *Enricher) Run(ctx context.Context) error {
	e.log.Info("enricher starting",
		"batch_size", e.opts.BatchSize,
		"poll_interval", e.opts.PollInterval,
		"embedding_dim", e.deps.Encoder.Dim())

	slices := make(chan []domain.SpanRow, queueDepth)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(slices)
		return e.prefetch(ctx, slices)
	})
	g.Go(func() error {
		return e.compute(ctx, slices)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	e.log.Info("enricher stopped")
	return nil
}

// prefetch keeps a local cursor so queued slices never overlap: the stored
// watermark trails compute, and refetching from it would duplicate whatever
// is still in flight. The cursor resyncs from storage when the table is
// drained, which is also how external watermark resets take effect.
func (e *Enricher) prefetch(ctx context.Context, out chan<- []domain.SpanRow) error {
	cursor, err := e.awaitWatermark(ctx)
	if err != nil {
		return err
	}
	e.log.Info("watermark loaded", "last_timestamp", cursor.LastTimestamp, "last_span_id", cursor.LastSpanID)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rows, err := e.deps.Source.SpansAfter(ctx, cursor, e.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.cycleErrors.Inc()
			e.log.Warn("fetch slice failed", "error", err)
			if err := fn.Sleep(ctx, e.opts.PollInterval); err != nil {
				return err
			}
			continue
		}

		if len(rows) == 0 {
			if err := fn.Sleep(ctx, e.opts.PollInterval); err != nil {
				return err
			}
			if wm, err := e.deps.Source.EnricherWatermark(ctx); err == nil {
				cursor = wm
			}
			continue
		}

		select {
		case out <- rows:
		case <-ctx.Done():
			return ctx.Err()
		}

		last := rows[len(rows)-1]
		cursor = domain.EnricherWatermark{
			WatermarkKey:  domain.EnricherWatermarkKey,
			LastTimestamp: last.Timestamp,
			LastSpanID:    last.SpanID,
		}
	}
}

// awaitWatermark reads the stored watermark, retrying until it succeeds or
// the context ends.
func (e *Enricher) awaitWatermark(ctx context.Context) (domain.EnricherWatermark, error) {
	for {
		wm, err := e.deps.Source.EnricherWatermark(ctx)
		if err == nil {
			return wm, nil
		}
		if ctx.Err() != nil {
			return domain.EnricherWatermark{}, ctx.Err()
		}
		e.log.Warn("read watermark failed", "error", err)
		if serr := fn.Sleep(ctx, e.opts.PollInterval); serr != nil {
			return domain.EnricherWatermark{}, serr
		}
	}
}

// compute enriches each queued slice, retrying the same slice until it lands.
// Advancing past a failed slice would break the contract that every key below
// the watermark exists in the enriched table.
func (e *Enricher) compute(ctx context.Context, in <-chan []domain.SpanRow) error {
	for rows := range in {
		for {
			start := time.Now()
			err := e.enrichSlice(ctx, rows)
			if err == nil {
				e.batchTime.Observe(time.Since(start).Seconds())
				e.enriched.Add(float64(len(rows)))
				last := rows[len(rows)-1]
				e.log.Info("slice enriched",
					"rows", len(rows),
					"last_timestamp", last.Timestamp,
					"last_span_id", last.SpanID)
				break
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.cycleErrors.Inc()
			e.log.Warn("enrich slice failed, retrying", "rows", len(rows), "error", err)
			if serr := fn.Sleep(ctx, e.opts.PollInterval); serr != nil {
				return serr
			}
		}
	}
	return ctx.Err()
}

func (e *Enricher) enrichSlice(ctx context.Context, rows []domain.SpanRow) error {
	texts := fn.Map(rows, BuildEmbeddingText)
	vecs, err := e.encodeAll(ctx, texts)
	if err != nil {
		return fmt.Errorf("encode %d texts: %w", len(texts), err)
	}

	out := make([]domain.EnrichedSpanRow, len(rows))
	for i, row := range rows {
		out[i] = domain.EnrichedSpanRow{
			Timestamp:              row.Timestamp,
			TraceID:                row.TraceID,
			SpanID:                 row.SpanID,
			ParentSpanID:           row.ParentSpanID,
			SpanName:               row.SpanName,
			SpanKind:               row.SpanKind,
			ServiceName:            row.ServiceName,
			Duration:               row.Duration,
			StatusCode:             row.StatusCode,
			StatusMessage:          row.StatusMessage,
			ResourceAttributesFlat: row.ResourceAttributes,
			SpanAttributesFlat:     row.SpanAttributes,
			EmbeddingText:          texts[i],
			Embedding:              vecs[i],
		}
	}

	// Once encoding succeeded the batch commits even if shutdown starts:
	// insert and advance run detached from the run context, time-bounded.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if err := e.deps.Sink.InsertEnriched(commitCtx, out); err != nil {
		return fmt.Errorf("insert %d enriched rows: %w", len(out), err)
	}
	last := rows[len(rows)-1]
	if err := e.deps.Sink.AdvanceEnricherWatermark(commitCtx, last.Timestamp, last.SpanID); err != nil {
		return fmt.Errorf("advance watermark: %w", err)
	}
	return nil
}

// encodeAll chunks texts to the encoder's comfortable batch size. Each chunk
// passes through the circuit breaker separately so half-open probes stay
// small.
func (e *Enricher) encodeAll(ctx context.Context, texts []string) ([][]float32, error) {
	size := e.deps.Encoder.BatchSizeHint()
	if size <= 0 || size > maxEncodeBatch {
		size = maxEncodeBatch
	}
	out := make([][]float32, 0, len(texts))
	for _, part := range fn.Chunk(texts, size) {
		vecs, err := e.encode(ctx, part).Unwrap()
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}
