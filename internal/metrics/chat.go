package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/omochice/toy-broadcast-chat/internal/chat"
)

// ChatMetrics holds Prometheus metrics for the hub. It implements
// chat.Recorder.
type ChatMetrics struct {
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	BroadcastsTotal   prometheus.Counter
	DeliveriesTotal   *prometheus.CounterVec
	ConnectionsEnded  *prometheus.CounterVec
}

// NewChatMetrics creates and registers chat metrics on the given registry.
func NewChatMetrics(reg prometheus.Registerer) *ChatMetrics {
	m := &ChatMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "active_connections",
			Help:      "Number of registered chat connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_total",
			Help:      "Total number of chat connections registered.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Total number of broadcasts fanned out.",
		}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "deliveries_total",
			Help:      "Total number of broadcast deliveries by outcome.",
		}, []string{"outcome"}),
		ConnectionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_ended_total",
			Help:      "Total number of receive loops ended by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ConnectionsTotal,
		m.BroadcastsTotal,
		m.DeliveriesTotal,
		m.ConnectionsEnded,
	)
	return m
}

// ClientRegistered implements chat.Recorder.
func (m *ChatMetrics) ClientRegistered() {
	m.ActiveConnections.Inc()
	m.ConnectionsTotal.Inc()
}

// ClientRemoved implements chat.Recorder.
func (m *ChatMetrics) ClientRemoved() {
	m.ActiveConnections.Dec()
}

// Broadcast implements chat.Recorder.
func (m *ChatMetrics) Broadcast(delivered, failed int) {
	m.BroadcastsTotal.Inc()
	m.DeliveriesTotal.WithLabelValues("delivered").Add(float64(delivered))
	m.DeliveriesTotal.WithLabelValues("failed").Add(float64(failed))
}

// ConnectionEnded implements chat.Recorder.
func (m *ChatMetrics) ConnectionEnded(reason chat.EndReason) {
	m.ConnectionsEnded.WithLabelValues(reason.String()).Inc()
}

var _ chat.Recorder = (*ChatMetrics)(nil)
