// Package metrics provides Prometheus-based metrics recording for the
// orchestration core: bus throughput, loop iterations, gates, and delegations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder is the metrics surface consumed by the core components. A no-op
// implementation is provided for tests.
type Recorder interface {
	ObserveEmit(eventType string, duplicate bool)
	ObserveProjectionFailure(projection string)
	ObserveLoopIteration(agent, intent string)
	ObserveTurn(status string, duration time.Duration)
	ObserveGate(kind, outcome string)
	ObserveDelegation(targetAgent, status string, duration time.Duration)
}

// PrometheusRecorder implements Recorder using promauto collectors.
type PrometheusRecorder struct {
	eventsTotal         *prometheus.CounterVec
	duplicatesTotal     *prometheus.CounterVec
	projectionFailTotal *prometheus.CounterVec
	loopIterationsTotal *prometheus.CounterVec
	turnDuration        *prometheus.HistogramVec
	gatesTotal          *prometheus.CounterVec
	delegationDuration  *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a recorder registered on the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		eventsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_events_emitted_total",
				Help: "Total number of envelopes accepted by the event bus, by event type",
			},
			[]string{"event_type"},
		),
		duplicatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_events_duplicate_total",
				Help: "Total number of envelopes suppressed by the idempotency set",
			},
			[]string{"event_type"},
		),
		projectionFailTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_projection_failures_total",
				Help: "Total number of isolated projection handler failures",
			},
			[]string{"projection"},
		),
		loopIterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decision_loop_iterations_total",
				Help: "Total decision loop iterations by agent and intent",
			},
			[]string{"agent", "intent"},
		),
		turnDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "turn_duration_seconds",
				Help:    "Duration of turn handling by terminal status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		gatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gates_total",
				Help: "Gate lifecycle outcomes by kind (question/approval)",
			},
			[]string{"kind", "outcome"},
		),
		delegationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "delegation_duration_seconds",
				Help:    "Duration of sub-agent delegations by target and status",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target_agent", "status"},
		),
	}
}

func (p *PrometheusRecorder) ObserveEmit(eventType string, duplicate bool) {
	if duplicate {
		p.duplicatesTotal.WithLabelValues(eventType).Inc()
		return
	}
	p.eventsTotal.WithLabelValues(eventType).Inc()
}

func (p *PrometheusRecorder) ObserveProjectionFailure(projection string) {
	p.projectionFailTotal.WithLabelValues(projection).Inc()
}

func (p *PrometheusRecorder) ObserveLoopIteration(agent, intent string) {
	p.loopIterationsTotal.WithLabelValues(agent, intent).Inc()
}

func (p *PrometheusRecorder) ObserveTurn(status string, duration time.Duration) {
	p.turnDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveGate(kind, outcome string) {
	p.gatesTotal.WithLabelValues(kind, outcome).Inc()
}

func (p *PrometheusRecorder) ObserveDelegation(targetAgent, status string, duration time.Duration) {
	p.delegationDuration.WithLabelValues(targetAgent, status).Observe(duration.Seconds())
}

// NopRecorder discards all observations. Used in tests and as the default
// when metrics are disabled.
type NopRecorder struct{}

func (NopRecorder) ObserveEmit(string, bool)                        {}
func (NopRecorder) ObserveProjectionFailure(string)                 {}
func (NopRecorder) ObserveLoopIteration(string, string)             {}
func (NopRecorder) ObserveTurn(string, time.Duration)               {}
func (NopRecorder) ObserveGate(string, string)                      {}
func (NopRecorder) ObserveDelegation(string, string, time.Duration) {}
