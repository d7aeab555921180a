// Package metrics holds the prometheus collectors of the chat core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pelusa_chat"

type Metrics struct {
	Connections       prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	MessagesPersisted prometheus.Counter
	Rejections        *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	SendFailures      prometheus.Counter
	Evictions         prometheus.Counter
	RetentionDeleted  *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections in the registry.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Distinct identities in the last computed presence set.",
		}),
		MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Chat messages stored and dispatched.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Inbound events answered with an error, by error code.",
		}, []string{"code"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Events fanned out to the registry, by event type.",
		}, []string{"type"}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Deliveries that failed and marked a connection suspect.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Connections terminated by the liveness supervisor.",
		}),
		RetentionDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Rows and files removed by the retention job.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.Connections,
		m.OnlineUsers,
		m.MessagesPersisted,
		m.Rejections,
		m.Broadcasts,
		m.SendFailures,
		m.Evictions,
		m.RetentionDeleted,
	)
	return m
}

// NewNop returns collectors that are not registered anywhere, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
