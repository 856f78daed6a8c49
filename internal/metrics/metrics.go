// Package metrics defines the Prometheus instrumentation for the relay.
// All collectors register on the default registry at init and are served
// from the /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BrowsersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panemux_browsers_connected",
		Help: "Number of currently connected browser sessions.",
	})
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panemux_agents_connected",
		Help: "Number of currently connected agents.",
	})
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panemux_messages_routed_total",
		Help: "Total number of messages routed by traffic pattern.",
	}, []string{"pattern"})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panemux_messages_dropped_total",
		Help: "Total number of messages dropped by reason.",
	}, []string{"reason"})
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "panemux_pending_requests",
		Help: "Number of in-flight correlated requests awaiting an agent response.",
	})
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panemux_request_timeouts_total",
		Help: "Total number of correlated requests that timed out.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "panemux_auth_failures_total",
		Help: "Total number of rejected connection attempts by peer kind.",
	}, []string{"peer"})
	AgentSupersessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panemux_agent_supersessions_total",
		Help: "Total number of agent connections evicted by a reconnect with the same agent id.",
	})
	HeartbeatDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "panemux_heartbeat_disconnects_total",
		Help: "Total number of agents disconnected after missing heartbeats.",
	})
)

// Traffic pattern label values for MessagesRouted.
const (
	PatternBroadcast = "broadcast"
	PatternTargeted  = "targeted"
	PatternRequest   = "request"
	PatternResponse  = "response"
	PatternPartial   = "partial"
	PatternPresence  = "presence"
	PatternChat      = "chat"
)

// Drop reason label values for MessagesDropped.
const (
	DropMalformed     = "malformed"
	DropAgentOffline  = "agent_offline"
	DropSlowConsumer  = "slow_consumer"
	DropDuplicateID   = "duplicate_correlation_id"
	DropUnknownTarget = "unknown_correlation_id"
)
