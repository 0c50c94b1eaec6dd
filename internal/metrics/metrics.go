// Package metrics provides Prometheus metrics for the gateway session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ibrecon"

var (
	// EventsTotal counts events delivered to observers by kind.
	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered to observers by kind",
		},
		[]string{"kind"},
	)

	// EventLatency tracks time from receipt to delivery.
	EventLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent normalizing, reconciling and dispatching one callback",
			Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		},
		[]string{"kind"},
	)

	// GatewayErrorsTotal counts gateway error codes surfaced as events.
	GatewayErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_errors_total",
			Help:      "Gateway error codes outside the benign list",
		},
		[]string{"code"},
	)

	// ProtocolErrorsTotal counts malformed callbacks.
	ProtocolErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Malformed or unparseable gateway callbacks",
		},
	)

	// OrdersTotal counts order status transitions.
	OrdersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_status_total",
			Help:      "Order status transitions by status",
		},
		[]string{"status"},
	)

	// RequestsTotal counts outbound requests written to the gateway.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound gateway requests by kind and result",
		},
		[]string{"kind", "result"},
	)

	// ThrottledTotal counts requests delayed by the outbound rate limiter.
	ThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_throttled_total",
			Help:      "Outbound requests delayed by the rate limiter",
		},
	)

	// QueueDepth tracks outbound requests waiting to be written.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbound_queue_depth",
			Help:      "Outbound requests waiting for the writer",
		},
	)

	// Connected is 1 while the gateway session is connected.
	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connected",
			Help:      "Gateway connection status (1=connected, 0=disconnected)",
		},
	)

	// ReconnectAttempts counts reconnect attempts.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Gateway reconnect attempts",
		},
	)

	// TriggersByState tracks trigger registrations by state.
	TriggersByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "triggers",
			Help:      "Trigger registrations by state",
		},
		[]string{"state"},
	)

	// ObserverPanics counts recovered observer panics.
	ObserverPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_panics_total",
			Help:      "Recovered observer panics by event kind",
		},
		[]string{"kind"},
	)

	// OrderIDLatency tracks the order-id round trip.
	OrderIDLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "order_id_allocation_seconds",
			Help:      "Time waiting for the gateway to answer an order id request",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 5},
		},
	)

	// BuildInfo exposes build metadata.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)
)

// SetBuildInfo records build metadata.
func SetBuildInfo(version, commit, buildDate string) {
	BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
