// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sheetsync"

// Metrics is the set of collectors shared by the Controller and every
// listener generation it starts.
type Metrics struct {
	Registry *prometheus.Registry

	GenerationsStarted prometheus.Counter
	StatusTransitions  *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	MessagesReceived   *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	BroadcastsDropped  prometheus.Counter
	AcceptErrors       prometheus.Counter
}

// New registers a fresh set of collectors on their own registry, so that
// several Controllers (or tests) never collide on registration.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		GenerationsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_started_total",
			Help:      "Number of listener generations started",
		}),
		StatusTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_transitions_total",
			Help:      "Number of server status changes by new state",
		}, []string{"state"}),
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Number of websocket connections accepted",
		}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Number of decoded client messages by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Number of client messages ignored by reason",
		}, []string{"reason"}),
		BroadcastsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Number of broadcast events dropped because a connection fell behind",
		}),
		AcceptErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_errors_total",
			Help:      "Number of failed accepts on the listener",
		}),
	}
}

// Reasons a client message is dropped.
const (
	DropMalformed     = "malformed"
	DropUnknown       = "unknown"
	DropUnidentified  = "unidentified"
	DropNoName        = "no_name"
	DropIdentified    = "already_identified"
	DropStoreFailure  = "store_failure"
	DropBinaryMessage = "binary"
)
