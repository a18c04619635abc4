// Package metrics exposes federation counters to Prometheus. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fedcore"

type Metrics struct {
	registry *prometheus.Registry

	// resolutions counts Resolve calls.
	// Labels: result (cached, fetched, or an error reason)
	resolutions *prometheus.CounterVec

	// outbound measures federation HTTP calls.
	// Labels: kind (webfinger, actor, inbox), outcome (ok, http_error, timeout, unreachable)
	outbound *prometheus.HistogramVec

	// deliveries counts delivery attempts.
	// Labels: outcome (delivered, failed, deferred, exhausted)
	deliveries *prometheus.CounterVec

	// queueItems tracks queue size by state, refreshed on every health read.
	queueItems *prometheus.GaugeVec

	// cleaned counts rows removed or reset by cleanup.
	// Labels: category
	cleaned *prometheus.CounterVec

	// alerts counts raised alerts.
	// Labels: type, severity
	alerts *prometheus.CounterVec

	// prewarmed counts pre-warm refreshes.
	// Labels: outcome (refreshed, failed)
	prewarmed *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "WebFinger resolutions by result",
		}, []string{"result"}),
		outbound: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "federation",
			Name:      "outbound_request_duration_seconds",
			Help:      "Outbound federation request latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"kind", "outcome"}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Activity delivery attempts by outcome",
		}, []string{"outcome"}),
		queueItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "items",
			Help:      "Federation queue items by state",
		}, []string{"state"}),
		cleaned: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "rows_total",
			Help:      "Rows cleaned by category",
		}, []string{"category"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Federation alerts raised",
		}, []string{"type", "severity"}),
		prewarmed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "prewarm_total",
			Help:      "WebFinger cache pre-warm refreshes by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Resolution(result string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) Outbound(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) QueueItems(pending, processing, failed int64) {
	if m == nil {
		return
	}
	m.queueItems.WithLabelValues("pending").Set(float64(pending))
	m.queueItems.WithLabelValues("processing").Set(float64(processing))
	m.queueItems.WithLabelValues("failed").Set(float64(failed))
}

func (m *Metrics) Cleaned(category string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.cleaned.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) Alert(alertType, severity string) {
	if m == nil {
		return
	}
	m.alerts.WithLabelValues(alertType, severity).Inc()
}

func (m *Metrics) Prewarm(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.prewarmed.WithLabelValues(outcome).Add(float64(n))
}
