// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsCurrent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "beamd_connections_current",
		Help: "Currently open WebSocket connections per app",
	}, []string{"app"})

	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamd_connections_total",
		Help: "Total accepted WebSocket connections per app",
	}, []string{"app"})

	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamd_connections_rejected_total",
		Help: "Connections rejected during admission, by reason",
	}, []string{"reason"})

	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamd_ws_messages_received_total",
		Help: "WebSocket text frames received from clients",
	})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamd_ws_messages_sent_total",
		Help: "WebSocket text frames written to clients",
	})

	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamd_broadcasts_total",
		Help: "Channel broadcasts performed",
	})

	BroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamd_broadcast_drops_total",
		Help: "Frames dropped because a client send buffer was full",
	})

	DispatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamd_dispatches_total",
		Help: "Handler dispatches started",
	})

	DispatchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamd_dispatch_errors_total",
		Help: "Dispatches ending in an error envelope, by kind",
	}, []string{"kind"})

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "beamd_dispatch_duration_seconds",
		Help:    "Wall time from dispatch start to terminal envelope",
		Buckets: prometheus.DefBuckets,
	})

	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "beamd_control_requests_total",
		Help: "Control socket requests, by outcome",
	}, []string{"outcome"})

	SubscriptionsCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "beamd_subscriptions_current",
		Help: "Current channel memberships across all connections",
	})

	RateLimitedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "beamd_rate_limited_messages_total",
		Help: "Inbound frames dropped by the per-connection rate limiter",
	})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
