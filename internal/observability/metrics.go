package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connections_active", Help: "WebSocket connections currently attached to this gateway"})

	FanoutDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "fanout_deliveries_total", Help: "Per-connection delivery attempts by result"},
		[]string{"result"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_consumed_total", Help: "Domain events consumed from the broker by topic"},
		[]string{"topic"},
	)
	EventsInvalid = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "events_invalid_total", Help: "Events dropped because they failed to decode"})

	RideRequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_requests_created_total", Help: "RideRequest rows created by the dispatch trigger"})
	CascadeCancelled    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "cascade_cancelled_total", Help: "Pending offers cancelled because their driver went offline"})

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "status_transitions_total", Help: "Accepted ride status transitions"},
		[]string{"status"},
	)
	InvalidTransitions = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "invalid_transitions_total", Help: "Rejected out-of-order status changes"})
	RidesExpired       = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_expired_total", Help: "Pending rides swept to expired"})

	PushesSent   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pushes_sent_total", Help: "Notifications handed to the push gateway"})
	PushesFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "pushes_failed_total", Help: "Push gateway calls that failed (non-fatal)"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
