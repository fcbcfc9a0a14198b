// Package metrics holds the relay's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message drop reasons, used as the reason label on MessagesDropped.
const (
	DropReasonUnknownTarget  = "unknown_target"
	DropReasonMalformed      = "malformed"
	DropReasonQueueFull      = "queue_full"
	DropReasonUnknownSession = "unknown_session"
)

// Metrics is the relay's counter/gauge set, registered on a private registry
// so tests can construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	SessionsConnected    prometheus.Counter
	SessionsDisconnected prometheus.Counter
	SessionsActive       prometheus.Gauge
	SessionsRejected     prometheus.Counter

	MessagesRouted  *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	BroadcastSends  prometheus.Counter
	UnicastSends    prometheus.Counter

	RoomsCreated prometheus.Counter
	RoomsEvicted prometheus.Counter

	RateLimitCloses prometheus.Counter
	EventsPublished prometheus.Counter
	EventsFailed    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		SessionsConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_sessions_connected_total",
			Help: "Signaling sessions accepted since start.",
		}),
		SessionsDisconnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_sessions_disconnected_total",
			Help: "Signaling sessions closed since start.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signal_relay_sessions_active",
			Help: "Currently connected signaling sessions.",
		}),
		SessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_sessions_rejected_total",
			Help: "Connections rejected by the MAX_SESSIONS cap.",
		}),

		MessagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_messages_routed_total",
			Help: "Inbound signaling messages routed, by message type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signal_relay_messages_dropped_total",
			Help: "Messages dropped instead of delivered, by reason.",
		}, []string{"reason"}),
		BroadcastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_broadcast_sends_total",
			Help: "Individual deliveries fanned out by room broadcasts.",
		}),
		UnicastSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_unicast_sends_total",
			Help: "Deliveries to a single targeted session.",
		}),

		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_rooms_created_total",
			Help: "Rooms created implicitly by a first join.",
		}),
		RoomsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_rooms_evicted_total",
			Help: "Empty rooms evicted by the TTL sweep.",
		}),

		RateLimitCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_ratelimit_closes_total",
			Help: "Connections closed for exceeding the message rate limit.",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_room_events_published_total",
			Help: "Room events published to the event feed.",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signal_relay_room_events_failed_total",
			Help: "Room event publishes that failed.",
		}),
	}

	reg.MustRegister(
		m.SessionsConnected,
		m.SessionsDisconnected,
		m.SessionsActive,
		m.SessionsRejected,
		m.MessagesRouted,
		m.MessagesDropped,
		m.BroadcastSends,
		m.UnicastSends,
		m.RoomsCreated,
		m.RoomsEvicted,
		m.RateLimitCloses,
		m.EventsPublished,
		m.EventsFailed,
	)

	return m
}

// Handler exposes the registry in Prometheus' text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
