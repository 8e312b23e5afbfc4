// Package metrics exposes Prometheus collectors for the crawl service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	pagesTotal                 *prometheus.CounterVec
	itemsStoredTotal           prometheus.Counter
	softBlocksTotal            *prometheus.CounterVec
	escalationsTotal           prometheus.Counter
	tasksTotal                 *prometheus.CounterVec
	credentialPoolState        *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	backoffDelaySeconds        prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qacrawl_pages_total",
				Help: "Total pages fetched, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		itemsStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qacrawl_items_stored_total",
				Help: "Total deduplicated items written to the store.",
			},
		)

		softBlocksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qacrawl_soft_blocks_total",
				Help: "Total soft-block responses observed, labeled by stage.",
			},
			[]string{"stage"},
		)

		escalationsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "qacrawl_escalations_total",
				Help: "Total escalations from the light path to the heavy path.",
			},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "qacrawl_tasks_total",
				Help: "Total task lifecycle transitions, labeled by status.",
			},
			[]string{"status"},
		)

		credentialPoolState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "qacrawl_credential_pool",
				Help: "Credentials currently in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "qacrawl_active_workers",
				Help: "Workers currently draining a target.",
			},
		)

		backoffDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "qacrawl_backoff_delay_seconds",
				Help:    "Histogram of retry backoff waits.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage increments the page counter for the given stage and outcome.
func ObservePage(stage, outcome string) {
	pagesTotal.WithLabelValues(stage, outcome).Inc()
}

// ObserveItemsStored adds newly stored item counts.
func ObserveItemsStored(n int) {
	if n > 0 {
		itemsStoredTotal.Add(float64(n))
	}
}

// ObserveSoftBlock increments the soft-block counter for a stage.
func ObserveSoftBlock(stage string) {
	softBlocksTotal.WithLabelValues(stage).Inc()
}

// ObserveEscalation increments the heavy-path escalation counter.
func ObserveEscalation() {
	escalationsTotal.Inc()
}

// ObserveTask increments the task counter for the given status.
func ObserveTask(status string) {
	tasksTotal.WithLabelValues(status).Inc()
}

// SetCredentialPool records the pool size for one credential state.
func SetCredentialPool(state string, n int) {
	credentialPoolState.WithLabelValues(state).Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveBackoff records the duration of a retry backoff wait.
func ObserveBackoff(d time.Duration) {
	backoffDelaySeconds.Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
