package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the signaling core.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	MessagesInbound  *prometheus.CounterVec
	MessagesOutbound prometheus.Counter
	MessagesDropped  *prometheus.CounterVec

	RateLimited   prometheus.Counter
	ReplayServed  prometheus.Counter
	ReplayGaps    prometheus.Counter
	BusPublishErr prometheus.Counter

	RoomsActive prometheus.Gauge
}

// New registers the signaling collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry to
// avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_connections_active",
			Help: "Currently open client connections on this instance",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_connections_total",
			Help: "Total accepted client connections",
		}),
		MessagesInbound: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_inbound_total",
			Help: "Inbound client messages by kind",
		}, []string{"kind"}),
		MessagesOutbound: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_messages_outbound_total",
			Help: "Messages relayed to local clients",
		}),
		MessagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signaling_messages_dropped_total",
			Help: "Messages dropped before publish, by reason",
		}, []string{"reason"}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_rate_limited_total",
			Help: "Messages rejected by the rate limiter",
		}),
		ReplayServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_replay_messages_total",
			Help: "Messages replayed to reconnecting clients",
		}),
		ReplayGaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_replay_gaps_total",
			Help: "Reconnects whose cursor had aged out of the buffer",
		}),
		BusPublishErr: factory.NewCounter(prometheus.CounterOpts{
			Name: "signaling_bus_publish_errors_total",
			Help: "Failed publishes to the coordination bus",
		}),
		RoomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signaling_rooms_buffered",
			Help: "Rooms with a live replay buffer on this instance",
		}),
	}
}
