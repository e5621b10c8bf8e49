// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Loads can run for minutes, so the backend buffers observations in memory,
// submits them on a ticker (default once per minute) and flushes one final
// time on Close. A single flush at exit would show up in dashboards as one
// spike instead of a time series.
//
// Concurrency model:
//   - loader goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush periodically; Close stops the loop
//
// If the process is killed with SIGKILL/OOM, Close won't run.
package datadog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"batchload/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "batchload".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "team:data"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets them.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the slice of *datadogV2.MetricsApi the backend needs,
// so tests can stub submission without HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	// Counters keyed by pairKey(table, dimension).
	runCounts   map[string]float64 // dimension: status
	rowCounts   map[string]float64 // dimension: kind
	batchCounts map[string]float64 // dimension: status

	// Samples keyed by pairKey(table, status).
	durationSamples map[string][]float64
	byteSamples     map[string][]float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Calling Close twice panics.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// The client reads DD_API_KEY (and DD_SITE) from the environment; a missing
// key is reported here rather than on the first flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "batchload"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		if strings.TrimSpace(os.Getenv("DD_API_KEY")) == "" {
			return nil, wrapInitErr(errors.New("DD_API_KEY is not set"))
		}
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		runCounts:       make(map[string]float64),
		rowCounts:       make(map[string]float64),
		batchCounts:     make(map[string]float64),
		durationSamples: make(map[string][]float64),
		byteSamples:     make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

func labelOr(labels metrics.Labels, key, def string) string {
	if v := labels[key]; v != "" {
		return v
	}
	return def
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	table := labelOr(labels, "table", "unknown")

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "load_runs_total":
		b.runCounts[pairKey(table, labelOr(labels, "status", "unknown"))] += delta
	case "load_rows_total":
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.rowCounts[pairKey(table, kind)] += delta
	case "load_batches_total":
		b.batchCounts[pairKey(table, labelOr(labels, "status", "unknown"))] += delta
	}
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := pairKey(labelOr(labels, "table", "unknown"), labelOr(labels, "status", "unknown"))

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "load_duration_seconds":
		b.durationSamples[k] = append(b.durationSamples[k], value)
	case "load_source_bytes":
		b.byteSamples[k] = append(b.byteSamples[k], value)
	}
}

// snapshot is the detached buffer state of one flush window.
type snapshot struct {
	runCounts       map[string]float64
	rowCounts       map[string]float64
	batchCounts     map[string]float64
	durationSamples map[string][]float64
	byteSamples     map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		runCounts:       b.runCounts,
		rowCounts:       b.rowCounts,
		batchCounts:     b.batchCounts,
		durationSamples: b.durationSamples,
		byteSamples:     b.byteSamples,
	}

	b.runCounts = make(map[string]float64)
	b.rowCounts = make(map[string]float64)
	b.batchCounts = make(map[string]float64)
	b.durationSamples = make(map[string][]float64)
	b.byteSamples = make(map[string][]float64)

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.runCounts) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.batchCounts) == 0 &&
		len(s.durationSamples) == 0 &&
		len(s.byteSamples) == 0
}

// Flush submits buffered metrics and resets local buffers. Buffers are reset
// even when submission fails; delivery is at most once.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	series := b.buildSeries(snap, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure so naming and tagging, which dashboards depend on,
// can be tested without a network.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.runCounts)+len(s.rowCounts)+len(s.batchCounts)+32)

	addCounts := func(metric, dim string, counts map[string]float64) {
		for k, v := range counts {
			if v == 0 {
				continue
			}
			table, val := splitPairKey(k)
			tags := withTags(b.baseTags, "table:"+table, dim+":"+val)
			series = append(series, countSeries(metric, v, tags, nowUnix))
		}
	}
	addCounts("batchload.load.runs", "status", s.runCounts)
	addCounts("batchload.rows.total", "kind", s.rowCounts)
	addCounts("batchload.batches.total", "status", s.batchCounts)

	for k, samples := range s.durationSamples {
		addPercentiles(&series, b.baseTags, "batchload.load.duration_seconds", k, samples, nowUnix)
	}
	for k, samples := range s.byteSamples {
		addPercentiles(&series, b.baseTags, "batchload.load.source_bytes", k, samples, nowUnix)
	}

	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges for a
// (table, status) sample set. It sorts a copy; samples is not mutated.
func addPercentiles(series *[]datadogV2.MetricSeries, baseTags []string, metricPrefix, key string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	table, status := splitPairKey(key)
	tags := withTags(baseTags, "table:"+table, "status:"+status)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,team:data".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
