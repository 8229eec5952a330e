// Package metrics exposes cache counters on a private Prometheus registry.
// A nil *Recorder is valid and records nothing, so components can be wired
// without metrics in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 汇总拦截、预热与淘汰相关的计数器。
type Recorder struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	warmItems      *prometheus.CounterVec
	warmBatches    prometheus.Counter
	pruned         prometheus.Counter
	pruneFailures  prometheus.Counter
	storesDeleted  prometheus.Counter
	storeFailures  *prometheus.CounterVec
	upstreamErrors prometheus.Counter
}

// NewRecorder 创建 Recorder 并注册到独立 registry，同时附带 Go/进程指标。
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()

	r := &Recorder{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_hub_requests_total",
			Help: "Intercepted requests by outcome (hit, miss, stored, bypass)",
		}, []string{"outcome"}),
		warmItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_hub_warm_items_total",
			Help: "Warm-up items by outcome (cached, stored, skipped, failed)",
		}, []string{"outcome"}),
		warmBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_hub_warm_batches_total",
			Help: "Completed warm-up batches",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_hub_pruned_entries_total",
			Help: "Entries removed by the eviction policy",
		}),
		pruneFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_hub_prune_failures_total",
			Help: "Eviction passes that reported an error",
		}),
		storesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_hub_stores_deleted_total",
			Help: "Stale stores deleted during activation",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_hub_store_failures_total",
			Help: "Store primitive failures by operation",
		}, []string{"op"}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_hub_upstream_errors_total",
			Help: "Network failures returned to callers",
		}),
	}

	registry.MustRegister(
		r.requests,
		r.warmItems,
		r.warmBatches,
		r.pruned,
		r.pruneFailures,
		r.storesDeleted,
		r.storeFailures,
		r.upstreamErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) ObserveRequest(outcome string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveWarmItem(outcome string) {
	if r == nil {
		return
	}
	r.warmItems.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ObserveWarmBatch() {
	if r == nil {
		return
	}
	r.warmBatches.Inc()
}

func (r *Recorder) ObservePrune(removed int, err error) {
	if r == nil {
		return
	}
	if removed > 0 {
		r.pruned.Add(float64(removed))
	}
	if err != nil {
		r.pruneFailures.Inc()
	}
}

func (r *Recorder) ObserveStoreDeleted() {
	if r == nil {
		return
	}
	r.storesDeleted.Inc()
}

func (r *Recorder) ObserveStoreFailure(op string) {
	if r == nil {
		return
	}
	r.storeFailures.WithLabelValues(op).Inc()
}

func (r *Recorder) ObserveUpstreamError() {
	if r == nil {
		return
	}
	r.upstreamErrors.Inc()
}

// Handler 返回 Prometheus 文本格式的抓取端点。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}
