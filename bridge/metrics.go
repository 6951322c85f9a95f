package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/The-Kindly-Ecosystem/kindly-coin2.0/operation"
)

const metricsSubsystem = "bridge"

// Metrics counts what the orchestrator does. A nil *Metrics records nothing.
type Metrics struct {
	started     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	stopped     *prometheus.CounterVec
	retries     *prometheus.CounterVec
	running     prometheus.Gauge
}

// NewMetrics registers the orchestrator metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "operations_started_total",
			Help:      "Operations started, by kind.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "transitions_total",
			Help:      "State transitions persisted, by kind and target state.",
		}, []string{"kind", "state"}),
		stopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "operation_errors_total",
			Help:      "Runs stopped by an error, by kind and error class.",
		}, []string{"kind", "class"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: metricsSubsystem,
			Name:      "retries_total",
			Help:      "Steps retried after a transient error, by kind.",
		}, []string{"kind"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Subsystem: metricsSubsystem,
			Name:      "operations_running",
			Help:      "Operations currently driven by the orchestrator.",
		}),
	}
	reg.MustRegister(m.started, m.transitions, m.stopped, m.retries, m.running)
	return m
}

func (m *Metrics) operationStarted(kind operation.Kind) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) transition(kind operation.Kind, state operation.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(kind), string(state)).Inc()
}

func (m *Metrics) runStopped(kind operation.Kind, err error) {
	if m == nil {
		return
	}
	m.stopped.WithLabelValues(string(kind), Classify(err).String()).Inc()
}

func (m *Metrics) retry(kind operation.Kind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.running.Inc()
}

func (m *Metrics) runEnded() {
	if m == nil {
		return
	}
	m.running.Dec()
}
