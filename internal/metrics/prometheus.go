// Package metrics exposes conductor's Prometheus collectors: pool size,
// claim, query-dispatch, and advisor-estimate series.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for conductor metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	poolDesired *prometheus.GaugeVec
	poolActual  *prometheus.GaugeVec
	poolLoad    *prometheus.GaugeVec

	claimsTotal *prometheus.CounterVec

	queryTotal    *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec

	advisorEstimateBytes  prometheus.Histogram
	advisorCacheHitsTotal prometheus.Counter
	advisorCacheMissTotal prometheus.Counter

	minionStateTransitions *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		poolDesired: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_desired", Help: "Desired member count per pool",
		}, []string{"pool"}),

		poolActual: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_actual", Help: "Actual up-or-finishing member count per pool",
		}, []string{"pool"}),

		poolLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pool_load", Help: "Smoothed in-flight claim count per pool",
		}, []string{"pool"}),

		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "claims_total", Help: "Total pool claim attempts",
		}, []string{"pool", "outcome"}),

		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "query_total", Help: "Total dispatched queries",
		}, []string{"pool", "outcome"}),

		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "query_duration_seconds", Help: "Query dispatch duration", Buckets: prometheus.DefBuckets,
		}, []string{"pool"}),

		advisorEstimateBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "advisor_estimate_bytes", Help: "EXPLAIN-derived column footprint estimates", Buckets: buckets,
		}),

		advisorCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "advisor_cache_hits_total", Help: "Advisor estimate cache hits",
		}),

		advisorCacheMissTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "advisor_cache_misses_total", Help: "Advisor estimate cache misses",
		}),

		minionStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "minion_state_transitions_total", Help: "Minion lifecycle state transitions",
		}, []string{"pool", "state"}),
	}

	registry.MustRegister(
		pm.poolDesired, pm.poolActual, pm.poolLoad,
		pm.claimsTotal, pm.queryTotal, pm.queryDuration,
		pm.advisorEstimateBytes, pm.advisorCacheHitsTotal, pm.advisorCacheMissTotal,
		pm.minionStateTransitions,
	)

	promMetrics = pm
}

// SetPoolDesired sets the desired-member gauge for a pool.
func SetPoolDesired(pool string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolDesired.WithLabelValues(pool).Set(float64(n))
}

// SetPoolActual sets the actual-member gauge for a pool.
func SetPoolActual(pool string, n int) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolActual.WithLabelValues(pool).Set(float64(n))
}

// SetPoolLoad sets the smoothed load gauge for a pool.
func SetPoolLoad(pool string, load float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.poolLoad.WithLabelValues(pool).Set(load)
}

// RecordClaim records a claim attempt's outcome ("ok" or "error").
func RecordClaim(pool, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.claimsTotal.WithLabelValues(pool, outcome).Inc()
}

// RecordQuery records one completed query dispatch.
func RecordQuery(pool, outcome string, durationSeconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.queryTotal.WithLabelValues(pool, outcome).Inc()
	promMetrics.queryDuration.WithLabelValues(pool).Observe(durationSeconds)
}

// RecordAdvisorEstimate records an EXPLAIN-derived byte estimate.
func RecordAdvisorEstimate(bytes int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.advisorEstimateBytes.Observe(float64(bytes))
}

// RecordAdvisorCacheHit records an advisor cache hit.
func RecordAdvisorCacheHit() {
	if promMetrics == nil {
		return
	}
	promMetrics.advisorCacheHitsTotal.Inc()
}

// RecordAdvisorCacheMiss records an advisor cache miss.
func RecordAdvisorCacheMiss() {
	if promMetrics == nil {
		return
	}
	promMetrics.advisorCacheMissTotal.Inc()
}

// RecordMinionStateTransition records a minion moving into a new pool state.
func RecordMinionStateTransition(pool, state string) {
	if promMetrics == nil {
		return
	}
	promMetrics.minionStateTransitions.WithLabelValues(pool, state).Inc()
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry, for tests or custom collectors.
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
