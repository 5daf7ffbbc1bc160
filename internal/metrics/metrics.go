// ABOUTME: Prometheus instrumentation for root authority operations
// ABOUTME: Counters per operation/outcome plus latency histograms

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one authority instance.
type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	replays    prometheus.Counter
	rateLimits *prometheus.CounterVec
	latency    *prometheus.HistogramVec

	consentsPending prometheus.Gauge
	devicesRevoked  prometheus.Gauge
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authority_operations_total",
			Help: "Backend operations by name and outcome code.",
		}, []string{"operation", "code"}),
		replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "authority_idempotent_replays_total",
			Help: "Responses served from the idempotency cache.",
		}),
		rateLimits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "authority_rate_limited_total",
			Help: "Requests rejected by the rate limiter, by class.",
		}, []string{"class"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authority_operation_duration_seconds",
			Help:    "Backend operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		consentsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "authority_pending_consents",
			Help: "Open consents awaiting owner resolution.",
		}),
		devicesRevoked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "authority_revoked_devices",
			Help: "Devices on the denylist.",
		}),
	}
}

// ObserveOperation records one backend operation.
func (m *Metrics) ObserveOperation(operation, code string, replayed bool, elapsed time.Duration) {
	m.operations.WithLabelValues(operation, code).Inc()
	m.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
	if replayed {
		m.replays.Inc()
	}
}

// ObserveRateLimited records a rejected request for a limiter class.
func (m *Metrics) ObserveRateLimited(class string) {
	m.rateLimits.WithLabelValues(class).Inc()
}

// SetPendingConsents updates the pending-consent gauge.
func (m *Metrics) SetPendingConsents(n int) {
	m.consentsPending.Set(float64(n))
}

// SetRevokedDevices updates the denylist gauge.
func (m *Metrics) SetRevokedDevices(n int) {
	m.devicesRevoked.Set(float64(n))
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
