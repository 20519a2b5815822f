// Package metrics exposes saga run outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/fortressi/saga"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements saga.Observer on a private Prometheus registry.
type Metrics struct {
	registry             *prometheus.Registry
	runs                 *prometheus.CounterVec
	runDuration          *prometheus.HistogramVec
	steps                *prometheus.CounterVec
	compensationFailures *prometheus.CounterVec
	pending              prometheus.Gauge
}

var _ saga.Observer = (*Metrics)(nil)

// New creates a metrics registry and registers the saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_runs_total",
		Help: "Total number of finished saga runs by final state.",
	}, []string{"saga_type", "state"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_run_duration_seconds",
		Help:    "Duration of saga runs in seconds, compensation included.",
		Buckets: prometheus.DefBuckets,
	}, []string{"saga_type"})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_steps_total",
		Help: "Total number of executed saga steps by outcome.",
	}, []string{"saga_type", "step", "state"})

	compensationFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensation_failures_total",
		Help: "Total number of compensations that failed.",
	}, []string{"saga_type", "step"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_pending_instances",
		Help: "Number of saga instances in STARTED, IN_PROGRESS or COMPENSATING at the last scan.",
	})

	registry.MustRegister(runs, runDuration, steps, compensationFailures, pending)

	return &Metrics{
		registry:             registry,
		runs:                 runs,
		runDuration:          runDuration,
		steps:                steps,
		compensationFailures: compensationFailures,
		pending:              pending,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StepFinished implements saga.Observer.
func (m *Metrics) StepFinished(sagaType, step string, state saga.StepState, _ time.Duration) {
	m.steps.WithLabelValues(sagaType, step, string(state)).Inc()
}

// SagaFinished implements saga.Observer.
func (m *Metrics) SagaFinished(sagaType string, state saga.SagaState, d time.Duration) {
	m.runs.WithLabelValues(sagaType, string(state)).Inc()
	m.runDuration.WithLabelValues(sagaType).Observe(d.Seconds())
}

// CompensationFailed implements saga.Observer.
func (m *Metrics) CompensationFailed(sagaType, step string) {
	m.compensationFailures.WithLabelValues(sagaType, step).Inc()
}

// SetPending records the size of the last pending scan.
func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}
