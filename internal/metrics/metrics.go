// Package metrics exposes Prometheus collectors for the pipeline engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the engine. All methods are safe
// on a nil receiver so components can run unmetered in tests.
type Metrics struct {
	Registry *prometheus.Registry

	fetchAttemptsTotal   *prometheus.CounterVec
	fetchDuration        *prometheus.HistogramVec
	fetchBytesTotal      *prometheus.CounterVec
	proxyReservations    *prometheus.CounterVec
	proxyPoolActive      *prometheus.GaugeVec
	proxyPoolInUse       *prometheus.GaugeVec
	extractionIssues     *prometheus.CounterVec
	jobTransitionsTotal  *prometheus.CounterVec
	rateLimitWaitSeconds *prometheus.HistogramVec
	detectionLevel       *prometheus.GaugeVec
	activeWorkers        prometheus.Gauge
}

// New constructs and registers all collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	fetchAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_fetch_attempts_total",
			Help: "Total fetch attempts, labeled by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	fetchDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_fetch_duration_seconds",
			Help:    "Fetch latency, labeled by transport.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"transport"},
	)
	fetchBytes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_fetch_bytes_total",
			Help: "Total bytes fetched, labeled by domain.",
		},
		[]string{"domain"},
	)
	proxyReservations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_proxy_reservations_total",
			Help: "Proxy reservation outcomes: reserved, exhausted, empty.",
		},
		[]string{"outcome"},
	)
	poolActive := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_proxy_pool_active",
			Help: "Active proxies per pool.",
		},
		[]string{"pool"},
	)
	poolInUse := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_proxy_pool_in_use",
			Help: "Sum of concurrent uses per pool.",
		},
		[]string{"pool"},
	)
	extractionIssues := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_extraction_issues_total",
			Help: "Extraction issues, labeled by rule and severity.",
		},
		[]string{"rule", "severity"},
	)
	jobTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_job_transitions_total",
			Help: "Job state transitions, labeled by target status.",
		},
		[]string{"status"},
	)
	rateLimitWait := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_rate_limit_wait_seconds",
			Help:    "Time spent waiting on per-domain token buckets.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
	detection := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_antibot_detection_level",
			Help: "Numeric anti-bot detection level per domain (0=none .. 4=blocked).",
		},
		[]string{"domain"},
	)
	activeWorkers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_workers",
			Help: "Workers currently executing a fetch+extract task.",
		},
	)

	registry.MustRegister(
		fetchAttempts, fetchDuration, fetchBytes,
		proxyReservations, poolActive, poolInUse,
		extractionIssues, jobTransitions, rateLimitWait,
		detection, activeWorkers,
	)

	return &Metrics{
		Registry:             registry,
		fetchAttemptsTotal:   fetchAttempts,
		fetchDuration:        fetchDuration,
		fetchBytesTotal:      fetchBytes,
		proxyReservations:    proxyReservations,
		proxyPoolActive:      poolActive,
		proxyPoolInUse:       poolInUse,
		extractionIssues:     extractionIssues,
		jobTransitionsTotal:  jobTransitions,
		rateLimitWaitSeconds: rateLimitWait,
		detectionLevel:       detection,
		activeWorkers:        activeWorkers,
	}
}

// Handler returns an http.Handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveFetch records one fetch attempt.
func (m *Metrics) ObserveFetch(transport, outcome, domain string, d time.Duration, bytes int64) {
	if m == nil {
		return
	}
	m.fetchAttemptsTotal.WithLabelValues(transport, outcome).Inc()
	m.fetchDuration.WithLabelValues(transport).Observe(d.Seconds())
	if bytes > 0 {
		m.fetchBytesTotal.WithLabelValues(domain).Add(float64(bytes))
	}
}

// ObserveReservation records a proxy reservation outcome.
func (m *Metrics) ObserveReservation(outcome string) {
	if m == nil {
		return
	}
	m.proxyReservations.WithLabelValues(outcome).Inc()
}

// SetPoolGauges updates per-pool gauges after a pool mutation.
func (m *Metrics) SetPoolGauges(pool string, active, inUse int) {
	if m == nil {
		return
	}
	m.proxyPoolActive.WithLabelValues(pool).Set(float64(active))
	m.proxyPoolInUse.WithLabelValues(pool).Set(float64(inUse))
}

// ObserveIssue records an extraction issue.
func (m *Metrics) ObserveIssue(rule, severity string) {
	if m == nil {
		return
	}
	m.extractionIssues.WithLabelValues(rule, severity).Inc()
}

// ObserveTransition records a job state transition.
func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.jobTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveRateLimitWait records time spent waiting on a domain token bucket.
func (m *Metrics) ObserveRateLimitWait(domain string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWaitSeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// SetDetectionLevel publishes the numeric anti-bot level for a domain.
func (m *Metrics) SetDetectionLevel(domain string, level int) {
	if m == nil {
		return
	}
	m.detectionLevel.WithLabelValues(domain).Set(float64(level))
}

// IncActiveWorkers increments the active workers gauge.
func (m *Metrics) IncActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func (m *Metrics) DecActiveWorkers() {
	if m == nil {
		return
	}
	m.activeWorkers.Dec()
}
