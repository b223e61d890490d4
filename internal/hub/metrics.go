package hub

import "github.com/prometheus/client_golang/prometheus"

// metrics holds the hub's prometheus instruments.
type metrics struct {
	activeSessions   prometheus.Gauge
	onlineUsers      prometheus.Gauge
	totalConnections prometheus.Counter
	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	evictions        prometheus.Counter
	presenceEvents   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "active_sessions",
			Help:      "Number of live socket sessions.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "online_users",
			Help:      "Number of users with at least one live session.",
		}),
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "connections_total",
			Help:      "Total sessions registered since start.",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_received_total",
			Help:      "Envelopes read off sockets.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_sent_total",
			Help:      "Envelopes enqueued for delivery.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "slow_consumer_evictions_total",
			Help:      "Sessions evicted because their outbound queue filled up.",
		}),
		presenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "presence_events_total",
			Help:      "Presence transitions emitted, by state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.onlineUsers,
		m.totalConnections,
		m.messagesReceived,
		m.messagesSent,
		m.evictions,
		m.presenceEvents,
	)
	return m
}
