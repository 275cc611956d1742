// Package metrics publishes Prometheus counters for cache and dispatch activity.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup and write results for blob tiers.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
	ResultError = "error"
	ResultOK    = "ok"
)

// Item outcomes reported by the bulk stores.
const (
	OutcomeFound   = "found"
	OutcomeRan     = "ran"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Recorder holds the vdl_* collectors. A nil *Recorder is valid and records
// nothing, so packages can take one optionally.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	blobLookups   *prometheus.CounterVec
	blobWrites    *prometheus.CounterVec
	storeItems    *prometheus.CounterVec
	providerCalls *prometheus.CounterVec
	providerTime  *prometheus.HistogramVec
	spans         *prometheus.CounterVec
}

// NewRecorder registers the collectors on reg, or on a private registry when
// reg is nil.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	blobLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Subsystem: "blobcache",
		Name:      "lookups_total",
		Help:      "Blob cache lookups by tier and result.",
	}, []string{"tier", "result"})

	blobWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Subsystem: "blobcache",
		Name:      "writes_total",
		Help:      "Blob cache writes by tier and result.",
	}, []string{"tier", "result"})

	storeItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Subsystem: "store",
		Name:      "items_total",
		Help:      "Items handled by bulk store calls, by outcome.",
	}, []string{"store", "outcome"})

	providerCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Subsystem: "provider",
		Name:      "calls_total",
		Help:      "Upstream provider calls by kind and outcome.",
	}, []string{"kind", "outcome"})

	providerTime := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vdl",
		Subsystem: "provider",
		Name:      "call_duration_seconds",
		Help:      "Latency distribution for upstream provider calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind", "outcome"})

	spans := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vdl",
		Subsystem: "dispatch",
		Name:      "spans_total",
		Help:      "Dispatch commit spans by store and result.",
	}, []string{"store", "result"})

	reg.MustRegister(blobLookups, blobWrites, storeItems, providerCalls, providerTime, spans)

	return &Recorder{
		gatherer:      reg,
		handler:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		blobLookups:   blobLookups,
		blobWrites:    blobWrites,
		storeItems:    storeItems,
		providerCalls: providerCalls,
		providerTime:  providerTime,
		spans:         spans,
	}
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying gatherer.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// BlobLookup counts one tier lookup.
func (r *Recorder) BlobLookup(tier, result string) {
	if r == nil {
		return
	}
	r.blobLookups.WithLabelValues(label(tier), label(result)).Inc()
}

// BlobWrite counts one tier write.
func (r *Recorder) BlobWrite(tier, result string) {
	if r == nil {
		return
	}
	r.blobWrites.WithLabelValues(label(tier), label(result)).Inc()
}

// StoreItems adds n items with the given outcome.
func (r *Recorder) StoreItems(store, outcome string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.storeItems.WithLabelValues(label(store), label(outcome)).Add(float64(n))
}

// ProviderCall records one upstream call and its latency.
func (r *Recorder) ProviderCall(kind string, err error, d time.Duration) {
	if r == nil {
		return
	}
	outcome := ResultOK
	if err != nil {
		outcome = ResultError
	}
	r.providerCalls.WithLabelValues(label(kind), outcome).Inc()
	r.providerTime.WithLabelValues(label(kind), outcome).Observe(d.Seconds())
}

// DispatchSpan counts one committed or failed span.
func (r *Recorder) DispatchSpan(store, result string) {
	if r == nil {
		return
	}
	r.spans.WithLabelValues(label(store), label(result)).Inc()
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}
