// Package metrics exposes the server's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the server.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestLatency   *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	GRPCRequestsTotal    *prometheus.CounterVec

	// OptimizeTotal counts optimize calls by outcome (ok, insufficient, error...).
	OptimizeTotal *prometheus.CounterVec
	// TransformLatency observes pixel transform time per output format.
	TransformLatency *prometheus.HistogramVec
	// BytesSaved sums size_before - size_after over successful operations.
	BytesSaved prometheus.Counter

	CreditsDebited prometheus.Counter
	CreditsGranted prometheus.Counter

	// WebhookEvents counts deliveries by event type and final state.
	WebhookEvents *prometheus.CounterVec

	// StagedObjects counts staged-object lifecycle operations.
	StagedObjects *prometheus.CounterVec
	// OrphanedObjects counts staged objects whose delete failed.
	OrphanedObjects prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates and registers all collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"endpoint", "method", "status"},
		),
		HTTPRequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_latency_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"endpoint", "method"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "grpc_requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "code"},
		),
		OptimizeTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "optimize_total",
				Help:      "Optimize operations by outcome",
			},
			[]string{"outcome"},
		),
		TransformLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transform_duration_seconds",
				Help:      "Time spent in the image transformer",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"format"},
		),
		BytesSaved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_saved_total",
				Help:      "Bytes saved by optimization",
			},
		),
		CreditsDebited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_debited_total",
				Help:      "Credits spent on operations",
			},
		),
		CreditsGranted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credits_granted_total",
				Help:      "Credits granted by signup and provider events",
			},
		),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_events_total",
				Help:      "Webhook deliveries by type and result",
			},
			[]string{"event", "result"},
		),
		StagedObjects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "staged_object_operations_total",
				Help:      "Staged object operations by kind and status",
			},
			[]string{"operation", "status"},
		),
		OrphanedObjects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "staged_objects_orphaned_total",
				Help:      "Staged objects left behind after a failed delete",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestLatency,
		m.HTTPRequestsInFlight,
		m.GRPCRequestsTotal,
		m.OptimizeTotal,
		m.TransformLatency,
		m.BytesSaved,
		m.CreditsDebited,
		m.CreditsGranted,
		m.WebhookEvents,
		m.StagedObjects,
		m.OrphanedObjects,
	)

	return m
}

// Handler returns a Prometheus handler for these metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(endpoint, method, status string, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestLatency.WithLabelValues(endpoint, method).Observe(seconds)
}

func (m *Metrics) RecordGRPCRequest(method, code string) {
	m.GRPCRequestsTotal.WithLabelValues(method, code).Inc()
}

func (m *Metrics) RecordOptimize(outcome string) {
	m.OptimizeTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTransform(format string, seconds float64) {
	m.TransformLatency.WithLabelValues(format).Observe(seconds)
}

func (m *Metrics) AddBytesSaved(n int) {
	if n > 0 {
		m.BytesSaved.Add(float64(n))
	}
}

func (m *Metrics) AddCreditsDebited(n int64) {
	m.CreditsDebited.Add(float64(n))
}

func (m *Metrics) AddCreditsGranted(n int64) {
	if n > 0 {
		m.CreditsGranted.Add(float64(n))
	}
}

func (m *Metrics) RecordWebhook(event, result string) {
	m.WebhookEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) RecordStaged(operation, status string) {
	m.StagedObjects.WithLabelValues(operation, status).Inc()
}

func (m *Metrics) IncOrphaned() {
	m.OrphanedObjects.Inc()
}
