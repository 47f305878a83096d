// Package metrics provides Prometheus instrumentation for the sync hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentsync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Business metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_active_sessions",
		Help: "Number of sessions currently marked active.",
	})

	ActiveMachines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_active_machines",
		Help: "Number of machines currently marked active.",
	})

	MessagesAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_messages_appended_total",
		Help: "Total number of messages successfully appended to session logs.",
	})

	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_events_emitted_total",
		Help: "Total number of sync events emitted, by kind.",
	}, []string{"kind"})

	EventsDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_events_delivered_total",
		Help: "Total number of sync events delivered to subscriptions, by kind.",
	}, []string{"kind"})

	PermissionRequestsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_permission_requests_pending",
		Help: "Number of permission requests currently awaiting a decision.",
	})

	PermissionRequestsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentsync_permission_requests_resolved_total",
		Help: "Total number of permission requests resolved, by outcome.",
	}, []string{"status"})
)

// WebSocket / subscription metrics.
var (
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_subscriptions_active",
		Help: "Number of active client subscriptions.",
	})

	SubscriptionsClosedOverflowTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentsync_subscriptions_closed_overflow_total",
		Help: "Total number of subscriptions force-closed due to outbound queue overflow.",
	})

	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentsync_ws_connections_active",
		Help: "Number of active WebSocket connections (ingress + egress).",
	})
)
