package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream corruptor.
type Metrics struct {
	registry                *prometheus.Registry
	requestsTotal           prometheus.Counter
	errorsTotal             prometheus.Counter
	manifestsRewrittenTotal prometheus.Counter
	faultsAppliedTotal      *prometheus.CounterVec
	activeSessions          prometheus.Gauge
}

// New creates and registers Prometheus metrics for the corruptor.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corruptor_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corruptor_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	manifestsRewrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corruptor_manifests_rewritten_total",
		Help: "Total number of origin manifests rewritten to route through the proxy",
	})
	faultsAppliedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corruptor_faults_applied_total",
		Help: "Total number of segment requests resolved, by outcome (origin, status, throttle, hang) plus applied delays",
	}, []string{"kind"})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corruptor_active_sessions",
		Help: "Number of sessions holding retry counters",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		manifestsRewrittenTotal,
		faultsAppliedTotal,
		activeSessions,
	)

	return &Metrics{
		registry:                registry,
		requestsTotal:           requestsTotal,
		errorsTotal:             errorsTotal,
		manifestsRewrittenTotal: manifestsRewrittenTotal,
		faultsAppliedTotal:      faultsAppliedTotal,
		activeSessions:          activeSessions,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncManifestsRewritten increments the rewritten manifests counter.
func (m *Metrics) IncManifestsRewritten() {
	m.manifestsRewrittenTotal.Inc()
}

// IncFault increments the applied fault counter for kind.
func (m *Metrics) IncFault(kind string) {
	m.faultsAppliedTotal.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
