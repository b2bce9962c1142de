// Package metrics holds the Prometheus registry served on /metrics: a
// handful of domain gauges and counters alongside the default
// process/runtime collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry bundles the domain gauges this service publishes.
type Registry struct {
	reg *prometheus.Registry

	ConnectedSockets prometheus.Gauge
	QueueDepthMain   prometheus.Gauge
	QueueDepthRetry  prometheus.Gauge
	QueueDepthDLQ    prometheus.Gauge
	MessagesSent     prometheus.Counter
	NotificationsSent prometheus.Counter
	PushInvalidTokens prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Registry{
		reg: reg,
		ConnectedSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "connected_sockets",
			Help:      "Number of WebSocket connections held by this instance.",
		}),
		QueueDepthMain: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay", Subsystem: "queue", Name: "depth_main",
			Help: "Estimated depth of the main notification queue.",
		}),
		QueueDepthRetry: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay", Subsystem: "queue", Name: "depth_retry",
			Help: "Estimated depth of the retry notification queue.",
		}),
		QueueDepthDLQ: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatrelay", Subsystem: "queue", Name: "depth_dlq",
			Help: "Estimated depth of the dead-letter queue.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "messages_sent_total",
			Help: "Messages successfully persisted via the write path.",
		}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "notifications_sent_total",
			Help: "Push notifications attempted by the notification consumer.",
		}),
		PushInvalidTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatrelay", Name: "push_invalid_tokens_total",
			Help: "Device tokens deleted after an invalid-token push response.",
		}),
	}

	reg.MustRegister(m.ConnectedSockets, m.QueueDepthMain, m.QueueDepthRetry, m.QueueDepthDLQ, m.MessagesSent, m.NotificationsSent, m.PushInvalidTokens)
	return m
}

func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }
