package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/traceplane/traceplane/engine/domain"
	"github.com/traceplane/traceplane/engine/otlp"
)

type fakeObjects struct {
	mu    sync.Mutex
	files map[string][]byte
}

func (f *fakeObjects) ListJSON(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.files {
		if strings.HasPrefix(k, prefix) && strings.HasSuffix(k, ".json") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeObjects) Fetch(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return data, nil
}

type fakeMarks struct {
	mu   sync.Mutex
	rows []domain.FileWatermark
}

func (f *fakeMarks) ProcessedFiles(context.Context) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]struct{}, len(f.rows))
	for _, wm := range f.rows {
		seen[wm.Filename] = struct{}{}
	}
	return seen, nil
}

func (f *fakeMarks) RecordFile(_ context.Context, wm domain.FileWatermark) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, wm)
	return nil
}

func (f *fakeMarks) latest(name string) (domain.FileWatermark, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.rows) - 1; i >= 0; i-- {
		if f.rows[i].Filename == name {
			return f.rows[i], true
		}
	}
	return domain.FileWatermark{}, false
}

type collector[T any] struct {
	mu       sync.Mutex
	batches  [][]T
	failNext int
}

func (c *collector[T]) insert(_ context.Context, rows []T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext > 0 {
		c.failNext--
		return errors.New("warehouse unavailable")
	}
	c.batches = append(c.batches, append([]T(nil), rows...))
	return nil
}

func (c *collector[T]) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func traceFile(t *testing.T, traceID byte, n int) []byte {
	t.Helper()
	start := uint64(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	spans := make([]*tracepb.Span, n)
	for i := range spans {
		spans[i] = &tracepb.Span{
			TraceId:           bytes.Repeat([]byte{traceID}, 16),
			SpanId:            bytes.Repeat([]byte{byte(i + 1)}, 8),
			Name:              "GET /checkout",
			Kind:              tracepb.Span_SPAN_KIND_SERVER,
			StartTimeUnixNano: start,
			EndTimeUnixNano:   start + 2_000_000,
			Status:            &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
		}
	}
	data, err := protojson.Marshal(&coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{{
				Key:   "service.name",
				Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "checkout-service"}},
			}}},
			ScopeSpans: []*tracepb.ScopeSpans{{Spans: spans}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func newTracePipeline(obj *fakeObjects, marks *fakeMarks, sink *collector[domain.SpanRow], opts Options) *Pipeline[domain.SpanRow] {
	if opts.Signal == "" {
		opts.Signal = domain.SignalTraces
	}
	if opts.Prefix == "" {
		opts.Prefix = "incoming/"
	}
	return New(Deps[domain.SpanRow]{
		Objects: obj,
		Marks:   marks,
		Decode:  otlp.DecodeTraces,
		Insert:  sink.insert,
		Logger:  quietLogger(),
	}, opts)
}

func TestCycleLoadsTraceFile(t *testing.T) {
	obj := &fakeObjects{files: map[string][]byte{
		"incoming/t1.json":  traceFile(t, 0xaa, 3),
		"incoming/skip.txt": []byte("not an export"),
	}}
	marks := &fakeMarks{}
	sink := &collector[domain.SpanRow]{}
	p := newTracePipeline(obj, marks, sink, Options{})

	found, err := p.cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if found != 1 {
		t.Fatalf("found %d files, want 1", found)
	}
	if sink.total() != 3 {
		t.Fatalf("inserted %d rows, want 3", sink.total())
	}
	for _, row := range sink.batches[0] {
		if row.TraceID != strings.Repeat("aa", 16) {
			t.Fatalf("trace id = %q", row.TraceID)
		}
	}
	wm, ok := marks.latest("incoming/t1.json")
	if !ok {
		t.Fatal("no watermark recorded")
	}
	if wm.Status != domain.FileDone || wm.RowCount != 3 {
		t.Fatalf("watermark = %+v", wm)
	}
}

func TestCycleSkipsProcessedFiles(t *testing.T) {
	obj := &fakeObjects{files: map[string][]byte{
		"incoming/t1.json": traceFile(t, 0xaa, 3),
	}}
	marks := &fakeMarks{}
	sink := &collector[domain.SpanRow]{}
	p := newTracePipeline(obj, marks, sink, Options{})

	if _, err := p.cycle(context.Background()); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	after1 := sink.total()

	found, err := p.cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if found != 0 {
		t.Fatalf("second cycle found %d files, want 0", found)
	}
	if sink.total() != after1 {
		t.Fatalf("second cycle inserted rows: %d -> %d", after1, sink.total())
	}
}

func TestCycleRecordsFailedFile(t *testing.T) {
	obj := &fakeObjects{files: map[string][]byte{
		"incoming/t1.json": []byte("{broken"),
		"incoming/t2.json": traceFile(t, 0xbb, 2),
	}}
	marks := &fakeMarks{}
	sink := &collector[domain.SpanRow]{}
	p := newTracePipeline(obj, marks, sink, Options{Workers: 1})

	if _, err := p.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	bad, ok := marks.latest("incoming/t1.json")
	if !ok || bad.Status != domain.FileFailed {
		t.Fatalf("broken file watermark = %+v", bad)
	}
	if bad.RowCount != 0 || !strings.Contains(bad.ErrorMessage, "decode") {
		t.Fatalf("failed watermark should carry the decode error, got %+v", bad)
	}
	good, _ := marks.latest("incoming/t2.json")
	if good.Status != domain.FileDone || good.RowCount != 2 {
		t.Fatalf("good file watermark = %+v", good)
	}
	if sink.total() != 2 {
		t.Fatalf("inserted %d rows, want 2", sink.total())
	}

	// The failed file counts as processed and is never retried.
	found, err := p.cycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if found != 0 {
		t.Fatalf("failed file was retried, found=%d", found)
	}
}

func TestCycleEmptyEnvelopeDone(t *testing.T) {
	obj := &fakeObjects{files: map[string][]byte{
		"incoming/empty.json": []byte(`{}`),
	}}
	marks := &fakeMarks{}
	sink := &collector[domain.SpanRow]{}
	p := newTracePipeline(obj, marks, sink, Options{})

	if _, err := p.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	wm, ok := marks.latest("incoming/empty.json")
	if !ok || wm.Status != domain.FileDone || wm.RowCount != 0 {
		t.Fatalf("empty file watermark = %+v", wm)
	}
	if sink.total() != 0 {
		t.Fatalf("empty file inserted %d rows", sink.total())
	}
}

func TestChunkedInsertsPartialTail(t *testing.T) {
	payload, _ := json.Marshal([]int{1, 2, 3, 4, 5, 6, 7})
	obj := &fakeObjects{files: map[string][]byte{"nums/a.json": payload}}
	marks := &fakeMarks{}
	sink := &collector[int]{}
	p := New(Deps[int]{
		Objects: obj,
		Marks:   marks,
		Decode: func(data []byte) ([]int, error) {
			var v []int
			err := json.Unmarshal(data, &v)
			return v, err
		},
		Insert: sink.insert,
		Logger: quietLogger(),
	}, Options{Signal: domain.SignalTraces, Prefix: "nums/", BatchSize: 3})

	if _, err := p.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	want := []int{3, 3, 1}
	if len(sink.batches) != len(want) {
		t.Fatalf("got %d batches, want %d", len(sink.batches), len(want))
	}
	for i, n := range want {
		if len(sink.batches[i]) != n {
			t.Fatalf("batch %d has %d rows, want %d", i, len(sink.batches[i]), n)
		}
	}
	wm, _ := marks.latest("nums/a.json")
	if wm.RowCount != 7 {
		t.Fatalf("row count = %d, want 7", wm.RowCount)
	}
}

func TestInsertFailureMarksFailed(t *testing.T) {
	payload, _ := json.Marshal([]int{1, 2, 3})
	obj := &fakeObjects{files: map[string][]byte{"nums/a.json": payload}}
	marks := &fakeMarks{}
	sink := &collector[int]{failNext: 1}
	p := New(Deps[int]{
		Objects: obj,
		Marks:   marks,
		Decode: func(data []byte) ([]int, error) {
			var v []int
			err := json.Unmarshal(data, &v)
			return v, err
		},
		Insert: sink.insert,
		Logger: quietLogger(),
	}, Options{Signal: domain.SignalTraces, Prefix: "nums/"})

	if _, err := p.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	wm, ok := marks.latest("nums/a.json")
	if !ok || wm.Status != domain.FileFailed {
		t.Fatalf("watermark = %+v", wm)
	}
	if !strings.Contains(wm.ErrorMessage, "insert") {
		t.Fatalf("error message = %q", wm.ErrorMessage)
	}
	if sink.total() != 0 {
		t.Fatalf("failed file left %d rows", sink.total())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	obj := &fakeObjects{files: map[string][]byte{}}
	marks := &fakeMarks{}
	sink := &collector[domain.SpanRow]{}
	p := newTracePipeline(obj, marks, sink, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
