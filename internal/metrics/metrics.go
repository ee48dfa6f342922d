// Package metrics defines the Prometheus collectors askdata exports.
//
// Collectors are owned by a Metrics value and registered on the Registerer
// passed to New, so tests and embedded uses never touch the global registry.
// Every Record method is safe on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "askdata"

// Delivery outcomes.
const (
	DeliveryAccepted  = "accepted"
	DeliveryDuplicate = "duplicate"
	DeliveryCancel    = "cancel_command"
)

// Workflow outcomes.
const (
	WorkflowAnswered    = "answered"
	WorkflowEmpty       = "empty"
	WorkflowCancelled   = "cancelled"
	WorkflowUnavailable = "generation_unavailable"
	WorkflowExhausted   = "correction_exhausted"
	WorkflowEngineError = "engine_error"
	WorkflowAudioError  = "transcription_error"
	WorkflowFailed      = "failed"
)

// Humanizer stages.
const (
	HumanizeRetry     = "retry"
	HumanizeSecondary = "secondary"
	HumanizeApology   = "apology"
)

var (
	// QueryAttemptBuckets cover the configured attempt budgets.
	QueryAttemptBuckets = []float64{1, 2, 3, 4, 5}

	// ServiceLatencyBuckets span fast local calls up to slow LLM completions.
	ServiceLatencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60, 120}
)

// Metrics holds every collector.
type Metrics struct {
	deliveries     *prometheus.CounterVec
	workflows      *prometheus.CounterVec
	inFlight       prometheus.Gauge
	waiting        prometheus.Gauge
	queryAttempts  prometheus.Histogram
	humanizer      *prometheus.CounterVec
	reloads        *prometheus.CounterVec
	serviceLatency *prometheus.HistogramVec
	exports        *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Inbound deliveries broken out by how they were handled.",
		}, []string{"outcome"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Finished request workflows broken out by terminal outcome.",
		}, []string{"outcome"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "in_flight",
			Help:      "Workflows currently holding an admission slot.",
		}),
		waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "waiting",
			Help:      "Workflows queued for an admission slot.",
		}),
		queryAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "query_attempts",
			Help:      "Generate and execute cycles used per pipeline run.",
			Buckets:   QueryAttemptBuckets,
		}),
		humanizer: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finalizer",
			Name:      "humanizer_events_total",
			Help:      "Humanizer retries, secondary-service fallbacks and apology fallbacks.",
		}, []string{"stage"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dataset",
			Name:      "reloads_total",
			Help:      "Dataset reloads broken out by result.",
		}, []string{"result"}),
		serviceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "service_request_duration_seconds",
			Help:      "Latency of calls to external services.",
			Buckets:   ServiceLatencyBuckets,
		}, []string{"service", "result"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "triggers_total",
			Help:      "Scheduled export triggers broken out by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.collectors()...)
	}
	return m
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.deliveries,
		m.workflows,
		m.inFlight,
		m.waiting,
		m.queryAttempts,
		m.humanizer,
		m.reloads,
		m.serviceLatency,
		m.exports,
	}
}

// RecordDelivery counts one inbound delivery.
func (m *Metrics) RecordDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RecordWorkflow counts one finished workflow.
func (m *Metrics) RecordWorkflow(outcome string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(outcome).Inc()
}

// SetAdmission mirrors the admission controller's counters.
func (m *Metrics) SetAdmission(inFlight, waiting int64) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(inFlight))
	m.waiting.Set(float64(waiting))
}

// RecordQueryAttempts observes how many cycles a pipeline run used.
func (m *Metrics) RecordQueryAttempts(n int) {
	if m == nil {
		return
	}
	m.queryAttempts.Observe(float64(n))
}

// RecordHumanizer counts a humanizer retry or fallback.
func (m *Metrics) RecordHumanizer(stage string) {
	if m == nil {
		return
	}
	m.humanizer.WithLabelValues(stage).Inc()
}

// RecordReload counts a dataset reload.
func (m *Metrics) RecordReload(err error) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result(err)).Inc()
}

// RecordServiceCall observes the latency of one external call that started
// at start.
func (m *Metrics) RecordServiceCall(service string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.serviceLatency.WithLabelValues(service, result(err)).Observe(time.Since(start).Seconds())
}

// RecordExport counts a scheduled export trigger.
func (m *Metrics) RecordExport(err error) {
	if m == nil {
		return
	}
	m.exports.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
