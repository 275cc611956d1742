package metrics

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderBlobCounters(t *testing.T) {
	rec := NewRecorder(nil)
	rec.BlobLookup("local", ResultHit)
	rec.BlobLookup("local", ResultHit)
	rec.BlobWrite("remote", ResultError)

	families := gather(t, rec, "vdl_blobcache_lookups_total", "vdl_blobcache_writes_total")

	lookup := findMetric(t, families["vdl_blobcache_lookups_total"], map[string]string{"tier": "local", "result": "hit"})
	if got := lookup.GetCounter().GetValue(); got != 2 {
		t.Fatalf("expected 2 lookups, got %v", got)
	}
	write := findMetric(t, families["vdl_blobcache_writes_total"], map[string]string{"tier": "remote", "result": "error"})
	if got := write.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 write, got %v", got)
	}
}

func TestRecorderStoreAndProvider(t *testing.T) {
	rec := NewRecorder(nil)
	rec.StoreItems("prompt", OutcomeFound, 3)
	rec.StoreItems("prompt", OutcomeFound, 0)
	rec.ProviderCall("completion", nil, 200*time.Millisecond)
	rec.ProviderCall("completion", errors.New("boom"), time.Second)
	rec.DispatchSpan("embedding", "committed")

	families := gather(t, rec,
		"vdl_store_items_total",
		"vdl_provider_calls_total",
		"vdl_provider_call_duration_seconds",
		"vdl_dispatch_spans_total",
	)

	items := findMetric(t, families["vdl_store_items_total"], map[string]string{"store": "prompt", "outcome": "found"})
	if got := items.GetCounter().GetValue(); got != 3 {
		t.Fatalf("expected 3 found items, got %v", got)
	}
	failed := findMetric(t, families["vdl_provider_calls_total"], map[string]string{"kind": "completion", "outcome": "error"})
	if got := failed.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected 1 failed call, got %v", got)
	}
	hist := findMetric(t, families["vdl_provider_call_duration_seconds"], map[string]string{"kind": "completion", "outcome": "ok"})
	if hist.GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one latency sample, got %d", hist.GetHistogram().GetSampleCount())
	}
	findMetric(t, families["vdl_dispatch_spans_total"], map[string]string{"store": "embedding", "result": "committed"})
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.BlobLookup("local", ResultMiss)
	rec.StoreItems("prompt", OutcomeRan, 1)
	rec.ProviderCall("embedding", nil, time.Millisecond)
	rec.DispatchSpan("prompt", "committed")

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 503 {
		t.Fatalf("expected 503 from nil recorder, got %d", rr.Code)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, m := range metrics {
		matched := 0
		for _, l := range m.GetLabel() {
			if want, ok := labels[l.GetName()]; ok && want == l.GetValue() {
				matched++
			}
		}
		if matched == len(labels) {
			return m
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}
