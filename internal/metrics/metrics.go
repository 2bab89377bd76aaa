// Package metrics exposes Prometheus collectors for the queue, the pipeline
// driver, and the GPU worker client. Namespacing and registry conventions
// follow pkg/metrics in the wider service-layer codebase: a dedicated
// registry (never the global default) plus per-subsystem counters/gauges.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pitchqueue"

// Metrics bundles every collector the orchestrator records to. It is passed
// by reference into HTTP middleware, the queue manager, the pipeline driver,
// and the GPU client so they all publish through a single registry.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	tasksLeased    *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	phaseDuration  *prometheus.HistogramVec
	phaseFailures  *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	locksReclaimed prometheus.Counter

	gpuRequests *prometheus.CounterVec
	gpuDuration *prometheus.HistogramVec
}

// New creates a Metrics bundle registered against a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help: "Duration of HTTP requests.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"service", "method", "path"}),
		tasksLeased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "tasks_leased_total",
			Help: "Total tasks leased from the queue store, by task type.",
		}, []string{"task_type"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "tasks_completed_total",
			Help: "Total tasks reaching a terminal state, by task type and outcome.",
		}, []string{"task_type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "queue", Name: "task_duration_seconds",
			Help: "Wall-clock duration from lease to terminal state.", Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"task_type", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "phase_duration_seconds",
			Help: "Duration of a single pipeline phase call to the GPU worker.", Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"phase"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "phase_failures_total",
			Help: "Phase failures by phase and failure kind.",
		}, []string{"phase", "kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Number of tasks currently in a non-terminal status.",
		}, []string{"status"}),
		locksReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "locks_reclaimed_total",
			Help: "Total tasks reclaimed by cleanup_expired_locks.",
		}),
		gpuRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gpu_client", Name: "requests_total",
			Help: "Outbound GPU worker requests by endpoint and result.",
		}, []string{"endpoint", "result"}),
		gpuDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "gpu_client", Name: "request_duration_seconds",
			Help: "Duration of outbound GPU worker requests.", Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.tasksLeased, m.tasksCompleted, m.taskDuration,
		m.phaseDuration, m.phaseFailures, m.queueDepth, m.locksReclaimed,
		m.gpuRequests, m.gpuDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registered collectors for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncrementInFlight increments the in-flight HTTP request gauge.
func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP request gauge.
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, d time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(d.Seconds())
}

// RecordTaskLeased records a successful lease from the queue store.
func (m *Metrics) RecordTaskLeased(taskType string) {
	m.tasksLeased.WithLabelValues(taskType).Inc()
}

// RecordTaskTerminal records a task reaching completed/failed, with its total duration.
func (m *Metrics) RecordTaskTerminal(taskType, outcome string, d time.Duration) {
	m.tasksCompleted.WithLabelValues(taskType, outcome).Inc()
	m.taskDuration.WithLabelValues(taskType, outcome).Observe(d.Seconds())
}

// RecordPhase records one phase call's duration, and increments the failure
// counter when kind is non-empty.
func (m *Metrics) RecordPhase(phase string, d time.Duration, failureKind string) {
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
	if failureKind != "" {
		m.phaseFailures.WithLabelValues(phase, failureKind).Inc()
	}
}

// SetQueueDepth publishes the current count of tasks per status.
func (m *Metrics) SetQueueDepth(status string, count int) {
	m.queueDepth.WithLabelValues(status).Set(float64(count))
}

// AddLocksReclaimed adds n to the reclaimed-lock counter.
func (m *Metrics) AddLocksReclaimed(n int) {
	if n <= 0 {
		return
	}
	m.locksReclaimed.Add(float64(n))
}

// RecordGPURequest records one outbound call to the GPU worker.
func (m *Metrics) RecordGPURequest(endpoint, result string, d time.Duration) {
	m.gpuRequests.WithLabelValues(endpoint, result).Inc()
	m.gpuDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
