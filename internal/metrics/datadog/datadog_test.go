package datadog

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"batchload/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func quietOptions(fs *fakeSubmitter, unix int64) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(unix, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("ENV", tc.env)
			t.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapInitErr(t *testing.T) {
	if got := wrapInitErr(nil); got != nil {
		t.Fatalf("wrapInitErr(nil)=%v, want nil", got)
	}

	in := errors.New("boom")
	got := wrapInitErr(in)
	if !strings.Contains(got.Error(), "datadog metrics init:") {
		t.Fatalf("wrapInitErr prefix missing: %v", got)
	}
	if !errors.Is(got, in) {
		t.Fatalf("wrapInitErr did not wrap original error: got=%v", got)
	}
}

func TestNewBackend_RequiresAPIKey(t *testing.T) {
	t.Setenv("DD_API_KEY", "")
	_, err := NewBackend(context.Background(), Options{})
	if err == nil || !strings.Contains(err.Error(), "DD_API_KEY") {
		t.Fatalf("NewBackend() err=%v, want DD_API_KEY error", err)
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
	}{
		{name: "normal", a: "customers", b: "COMPLETED"},
		{name: "empty_first", a: "", b: "inserted"},
		{name: "empty_second", a: "orders", b: ""},
		{name: "both_empty", a: "", b: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a, b := splitPairKey(pairKey(tc.a, tc.b))
			if a != tc.a || b != tc.b {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", a, b, tc.a, tc.b)
			}
		})
	}

	t.Run("split_without_separator_defaults_unknown", func(t *testing.T) {
		a, b := splitPairKey("no-sep")
		if a != "no-sep" || b != "unknown" {
			t.Fatalf("splitPairKey()=(%q,%q), want=(%q,%q)", a, b, "no-sep", "unknown")
		}
	})
}

func TestWithTags(t *testing.T) {
	base := []string{"env:test", "job:batchload"}
	got := withTags(base, "table:customers", "status:COMPLETED")
	want := []string{"env:test", "job:batchload", "table:customers", "status:COMPLETED"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentiles(t *testing.T) {
	base := []string{"env:test", "job:batchload"}
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, base, "batchload.load.duration_seconds", pairKey("customers", "COMPLETED"), in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	for _, s := range series {
		if !contains(s.Tags, "table:customers") || !contains(s.Tags, "status:COMPLETED") {
			t.Fatalf("series %q tags=%v, want table and status tags", s.Metric, s.Tags)
		}
		if s.Metric == "batchload.load.duration_seconds.max" && *s.Points[0].Value != 5 {
			t.Fatalf("max=%v, want 5", *s.Points[0].Value)
		}
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs, 123)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"team:data"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:batchload") {
		t.Fatalf("baseTags missing job:batchload: %v", b.baseTags)
	}
	if !contains(b.baseTags, "team:data") {
		t.Fatalf("baseTags missing team:data: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	metrics.RecordLoad("customers", "COMPLETED", 3, 2, 512, 2*time.Second)
	b.IncCounter("load_batches_total", 2, metrics.Labels{"table": "customers", "status": "COMPLETED"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.runCounts) != 0 || len(b.rowCounts) != 0 || len(b.batchCounts) != 0 || len(b.durationSamples) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}
	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)

	for _, w := range []string{
		"batchload.load.runs",
		"batchload.rows.total",
		"batchload.batches.total",
		"batchload.load.duration_seconds.p50",
		"batchload.load.duration_seconds.samples",
		"batchload.load.source_bytes.max",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	var inserted float64
	for _, s := range payload.Series {
		if s.Metric == "batchload.rows.total" && contains(s.Tags, "kind:inserted") {
			inserted = *s.Points[0].Value
		}
	}
	if inserted != 3 {
		t.Fatalf("rows inserted=%v, want 3", inserted)
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_PropagatesSubmitError(t *testing.T) {
	fs := &fakeSubmitter{err: errors.New("403 forbidden")}
	b, err := NewBackend(context.Background(), quietOptions(fs, 1000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { fs.err = nil; _ = b.Close() }()

	b.IncCounter("load_runs_total", 1, metrics.Labels{"table": "t", "status": "FAILED"})
	if err := b.Flush(); err == nil {
		t.Fatalf("Flush() err=nil, want submit error")
	}
	if !snapshotEmpty(b) {
		t.Fatalf("buffers kept after failed submit")
	}
}

func snapshotEmpty(b *Backend) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.runCounts) == 0
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter("load_batches_total", 1, metrics.Labels{"table": "t", "status": "COMPLETED"})

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		if fs.count() >= 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter("load_batches_total", 1, metrics.Labels{"table": "t", "status": "COMPLETED"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 3000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter("load_batches_total", 1, metrics.Labels{"table": "t", "status": "COMPLETED"})
				b.IncCounter("load_rows_total", 1, metrics.Labels{"table": "t", "kind": "inserted"})
				b.ObserveHistogram("load_duration_seconds", 0.01, metrics.Labels{"table": "t", "status": "COMPLETED"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, _ := fs.last()
	for _, s := range payload.Series {
		if s.Metric == "batchload.batches.total" {
			if got, want := *s.Points[0].Value, float64(workers*iters); got != want {
				t.Fatalf("batches=%v, want %v", got, want)
			}
		}
	}
}

func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs, 4000))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	// Non-positive counter is ignored.
	b.IncCounter("load_batches_total", 0, nil)
	// Missing kind is ignored.
	b.IncCounter("load_rows_total", 1, metrics.Labels{"table": "t"})
	// Unknown metric is ignored.
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	// Negative histogram is ignored.
	b.ObserveHistogram("load_duration_seconds", -1, metrics.Labels{"table": "t", "status": "COMPLETED"})
	// Missing labels default to unknown.
	b.IncCounter("load_runs_total", 1, metrics.Labels{})
	b.ObserveHistogram("load_source_bytes", 10, metrics.Labels{})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var sawRuns, sawBytes bool
	for _, s := range payload.Series {
		switch s.Metric {
		case "batchload.rows.total", "batchload.batches.total", "batchload.load.duration_seconds.p50":
			t.Fatalf("unexpected series %q", s.Metric)
		case "batchload.load.runs":
			sawRuns = contains(s.Tags, "table:unknown") && contains(s.Tags, "status:unknown")
		case "batchload.load.source_bytes.p50":
			sawBytes = contains(s.Tags, "status:unknown")
		}
	}
	if !sawRuns {
		t.Fatalf("expected batchload.load.runs tagged unknown")
	}
	if !sawBytes {
		t.Fatalf("expected batchload.load.source_bytes.p50 tagged unknown")
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,team:data,  ,svc:load ", want: []string{"env:prod", "team:data", "svc:load"}},
		{name: "single_tag", in: "team:data", want: []string{"team:data"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ParseTagsCSV(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
