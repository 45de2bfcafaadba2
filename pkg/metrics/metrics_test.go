package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounter(t *testing.T) {
	reg := NewRegistry()
	c := Counter(reg, "test_total", "A test counter")
	c.Inc()
	c.Inc()
	c.Add(5)
	if got := testutil.ToFloat64(c); got != 7 {
		t.Fatalf("expected 7, got %f", got)
	}
}

func TestCounterVec(t *testing.T) {
	reg := NewRegistry()
	cv := CounterVec(reg, "files_total", "Processed files", "signal", "status")
	cv.WithLabelValues("traces", "done").Inc()
	cv.WithLabelValues("traces", "done").Inc()
	cv.WithLabelValues("logs", "failed").Inc()

	if got := testutil.ToFloat64(cv.WithLabelValues("traces", "done")); got != 2 {
		t.Fatalf("traces/done = %f, want 2", got)
	}
	if got := testutil.ToFloat64(cv.WithLabelValues("logs", "failed")); got != 1 {
		t.Fatalf("logs/failed = %f, want 1", got)
	}
}

func TestGauge(t *testing.T) {
	reg := NewRegistry()
	g := Gauge(reg, "test_gauge", "A test gauge")
	g.Set(42)
	g.Inc()
	g.Inc()
	g.Dec()
	if got := testutil.ToFloat64(g); got != 43 {
		t.Fatalf("expected 43, got %f", got)
	}
}

func TestHistogramDefaultBuckets(t *testing.T) {
	reg := NewRegistry()
	h := Histogram(reg, "test_duration_seconds", "A test histogram", nil)
	h.Observe(0.05)
	h.Observe(0.3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "test_duration_seconds" {
			continue
		}
		hist := mf.GetMetric()[0].GetHistogram()
		if hist.GetSampleCount() != 2 {
			t.Fatalf("sample count = %d, want 2", hist.GetSampleCount())
		}
		if len(hist.GetBucket()) != len(DefaultBuckets) {
			t.Fatalf("bucket count = %d, want %d", len(hist.GetBucket()), len(DefaultBuckets))
		}
		return
	}
	t.Fatal("test_duration_seconds not gathered")
}

func TestHandlerExposition(t *testing.T) {
	reg := NewRegistry()
	Counter(reg, "requests_total", "Total requests").Inc()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	text := string(body)
	if !strings.Contains(text, "requests_total 1") {
		t.Errorf("missing counter line in:\n%s", text)
	}
	if !strings.Contains(text, "go_goroutines") {
		t.Error("runtime collector not registered")
	}
}
