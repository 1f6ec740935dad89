package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes runtime metrics for supersteps, deliveries and
// checkpoints.
//
// Metrics:
//  1. supersteps_total: Counter of completed supersteps by outcome
//  2. step_latency_ms: Histogram of superstep durations
//  3. deliveries_total: Counter of edge outcomes by delivery status
//  4. handler_failures_total: Counter of failed handler invocations
//  5. queued_messages: Gauge of messages waiting for the next superstep
//  6. pending_requests: Gauge of outstanding external requests
//  7. checkpoints_total: Counter of committed checkpoints
//
// All metrics use the "superstep" namespace.
//
// Example:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	result, err := graph.Run(ctx, wf, input, graph.WithMetrics(metrics))
//
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	supersteps      *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	deliveries      *prometheus.CounterVec
	handlerFailures *prometheus.CounterVec
	checkpoints     *prometheus.CounterVec

	queuedMessages  prometheus.Gauge
	pendingRequests prometheus.Gauge

	registry prometheus.Registerer

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the runtime metrics. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	pm := &PrometheusMetrics{
		registry: registry,
		enabled:  true,
	}

	pm.supersteps = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "superstep",
		Name:      "supersteps_total",
		Help:      "Supersteps executed, by outcome",
	}, []string{"workflow", "outcome"}) // outcome: completed, failed

	pm.stepLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "superstep",
		Name:      "step_latency_ms",
		Help:      "Superstep duration in milliseconds (from advance to barrier)",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}, // 1ms to 10s
	}, []string{"workflow"})

	pm.deliveries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "superstep",
		Name:      "deliveries_total",
		Help:      "Edge runner outcomes, by delivery status",
	}, []string{"workflow", "status"})

	pm.handlerFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "superstep",
		Name:      "handler_failures_total",
		Help:      "Handler invocations that returned an error, panicked or timed out",
	}, []string{"workflow", "executor_id"})

	pm.checkpoints = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "superstep",
		Name:      "checkpoints_total",
		Help:      "Checkpoints committed to the checkpoint store",
	}, []string{"workflow"})

	pm.queuedMessages = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "superstep",
		Name:      "queued_messages",
		Help:      "Messages queued for the next superstep after the last barrier",
	})

	pm.pendingRequests = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "superstep",
		Name:      "pending_requests",
		Help:      "External requests awaiting a response after the last barrier",
	})

	return pm
}

func (pm *PrometheusMetrics) isEnabled() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordSuperstep records one superstep's outcome and duration.
func (pm *PrometheusMetrics) RecordSuperstep(workflow string, latency time.Duration, failed bool) {
	if !pm.isEnabled() {
		return
	}

	outcome := "completed"
	if failed {
		outcome = "failed"
	}
	pm.supersteps.WithLabelValues(workflow, outcome).Inc()
	pm.stepLatency.WithLabelValues(workflow).Observe(float64(latency.Milliseconds()))
}

// RecordDelivery counts one edge outcome.
func (pm *PrometheusMetrics) RecordDelivery(workflow string, status DeliveryStatus) {
	if !pm.isEnabled() {
		return
	}

	pm.deliveries.WithLabelValues(workflow, status.String()).Inc()
}

// IncrementHandlerFailures counts one failed handler invocation.
func (pm *PrometheusMetrics) IncrementHandlerFailures(workflow, executorID string) {
	if !pm.isEnabled() {
		return
	}

	pm.handlerFailures.WithLabelValues(workflow, executorID).Inc()
}

// IncrementCheckpoints counts one committed checkpoint.
func (pm *PrometheusMetrics) IncrementCheckpoints(workflow string) {
	if !pm.isEnabled() {
		return
	}

	pm.checkpoints.WithLabelValues(workflow).Inc()
}

// UpdateQueue sets the queue and pending request gauges.
func (pm *PrometheusMetrics) UpdateQueue(queued, pending int) {
	if !pm.isEnabled() {
		return
	}

	pm.queuedMessages.Set(float64(queued))
	pm.pendingRequests.Set(float64(pending))
}

// Disable stops recording. Already recorded values are kept.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset zeroes the gauges. Counters and histograms are cumulative by
// Prometheus convention and are not reset.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.queuedMessages.Set(0)
	pm.pendingRequests.Set(0)
}
