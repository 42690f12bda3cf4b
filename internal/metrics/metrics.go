package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry             *prometheus.Registry
	httpRequests         *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	schedulerFires       *prometheus.CounterVec
	reconcileTicks       prometheus.Counter
	reconcileWrites      prometheus.Counter
	workflowTasks        *prometheus.CounterVec
	workflowTaskDuration prometheus.Histogram
	slotSwitches         prometheus.Counter
}

// New creates a fresh Metrics registry with HTTP, scheduler, reconciler,
// workflow and slot-failover metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by fleet-core",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by fleet-core",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	schedulerFires := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "scheduler_fires_total",
		Help:      "Automation job fires, by phase and outcome",
	}, []string{"phase", "outcome"})

	reconcileTicks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "reconcile_ticks_total",
		Help:      "Status reconciler ticks executed",
	})

	reconcileWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "reconcile_status_writes_total",
		Help:      "Device status updates written by the reconciler",
	})

	workflowTasks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "workflow_tasks_total",
		Help:      "Offline-action tasks finished, by final status",
	}, []string{"status"})

	workflowTaskDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleet",
		Name:      "workflow_task_duration_seconds",
		Help:      "Duration of offline-action tasks from start to finish",
		Buckets:   []float64{1, 5, 10, 30, 60, 300, 900, 3600, 14400},
	})

	slotSwitches := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleet",
		Name:      "slot_switches_total",
		Help:      "Automatic uplink slot failovers performed",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		schedulerFires,
		reconcileTicks,
		reconcileWrites,
		workflowTasks,
		workflowTaskDuration,
		slotSwitches,
	)

	return &Metrics{
		registry:             registry,
		httpRequests:         httpRequests,
		httpRequestDuration:  httpRequestDuration,
		schedulerFires:       schedulerFires,
		reconcileTicks:       reconcileTicks,
		reconcileWrites:      reconcileWrites,
		workflowTasks:        workflowTasks,
		workflowTaskDuration: workflowTaskDuration,
		slotSwitches:         slotSwitches,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncSchedulerFire counts one automation job fire.
func (m *Metrics) IncSchedulerFire(phase string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.schedulerFires.With(prometheus.Labels{"phase": phase, "outcome": outcome}).Inc()
}

// IncReconcileTick counts one reconciler pass.
func (m *Metrics) IncReconcileTick() {
	if m == nil {
		return
	}
	m.reconcileTicks.Inc()
}

// AddReconcileWrites counts device status updates written in one pass.
func (m *Metrics) AddReconcileWrites(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileWrites.Add(float64(n))
}

// ObserveWorkflowTask records a finished offline-action task.
func (m *Metrics) ObserveWorkflowTask(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.workflowTasks.With(prometheus.Labels{"status": status}).Inc()
	m.workflowTaskDuration.Observe(duration.Seconds())
}

// IncSlotSwitch counts one automatic slot failover.
func (m *Metrics) IncSlotSwitch() {
	if m == nil {
		return
	}
	m.slotSwitches.Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
