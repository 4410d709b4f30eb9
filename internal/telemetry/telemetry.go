// Package telemetry exposes Prometheus collectors for the crawl engine and
// the ops HTTP endpoints that serve them.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skygraph_crawl_tasks_total",
			Help: "Total crawl tasks finished, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	edgeChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skygraph_edge_changes_total",
			Help: "Total edge mutations persisted, labeled by change kind.",
		},
		[]string{"change"},
	)

	accountsDiscoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "skygraph_accounts_discovered_total",
			Help: "Total accounts first seen as edge endpoints and enqueued.",
		},
	)

	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skygraph_api_requests_total",
			Help: "Total upstream XRPC requests, labeled by endpoint and status code.",
		},
		[]string{"endpoint", "code"},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skygraph_rate_limit_delay_seconds",
			Help:    "Histogram of waits imposed by the request pacer.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skygraph_active_workers",
			Help: "Number of workers currently processing a crawl task.",
		},
	)

	frontierDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skygraph_frontier_depth",
			Help: "Accounts currently in the frontier queue, leased or pending.",
		},
	)
)

// ObserveTask records a finished crawl task ("completed", "failed",
// "skipped").
func ObserveTask(outcome string) {
	crawlTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveEdgeChanges records the persisted edge mutations of one crawl.
func ObserveEdgeChanges(inserted, kept, unfollowed int) {
	if inserted > 0 {
		edgeChangesTotal.WithLabelValues("inserted").Add(float64(inserted))
	}
	if kept > 0 {
		edgeChangesTotal.WithLabelValues("kept").Add(float64(kept))
	}
	if unfollowed > 0 {
		edgeChangesTotal.WithLabelValues("unfollowed").Add(float64(unfollowed))
	}
}

// ObserveDiscovered records newly discovered accounts entering the frontier.
func ObserveDiscovered(n int) {
	if n > 0 {
		accountsDiscoveredTotal.Add(float64(n))
	}
}

// ObserveAPIRequest records one upstream XRPC call.
func ObserveAPIRequest(endpoint string, code int) {
	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// ObserveRateLimitDelay records the duration of a pacer wait.
func ObserveRateLimitDelay(d time.Duration) {
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// SetFrontierDepth records the current frontier size.
func SetFrontierDepth(n int64) {
	frontierDepth.Set(float64(n))
}

// IncActiveWorkers increments the active worker gauge.
func IncActiveWorkers() { activeWorkers.Inc() }

// DecActiveWorkers decrements the active worker gauge.
func DecActiveWorkers() { activeWorkers.Dec() }

// Handler returns the ops router serving /metrics and /healthz.
func Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
