// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	registry           *prometheus.Registry
	operationsTotal    *prometheus.CounterVec
	agreementsCreated  prometheus.Counter
	eventsTotal        *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	dlqDepth           prometheus.Gauge
}

func New() *Registry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentescrow_operations_total",
		Help: "Agreement operations by name and result",
	}, []string{"operation", "result"})

	created := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rentescrow_agreements_created_total",
		Help: "Total number of agreements created",
	})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentescrow_events_total",
		Help: "Agreement events published by kind",
	}, []string{"kind"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rentescrow_relay_attempts_total",
		Help: "Event relay delivery attempts",
	}, []string{"result"})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rentescrow_dlq_depth",
		Help: "Number of undelivered event batches in the DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, created, events, retries, dlq)

	return &Registry{
		registry:           r,
		operationsTotal:    ops,
		agreementsCreated:  created,
		eventsTotal:        events,
		retryAttemptsTotal: retries,
		dlqDepth:           dlq,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mostly for tests.
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

func (m *Registry) IncOperation(operation, result string) {
	m.operationsTotal.WithLabelValues(operation, result).Inc()
}

func (m *Registry) IncCreated() {
	m.agreementsCreated.Inc()
}

func (m *Registry) IncEvent(kind string) {
	m.eventsTotal.WithLabelValues(kind).Inc()
}

func (m *Registry) IncRetry(result string) {
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) SetDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
