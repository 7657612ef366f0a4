package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's instrumentation. Collectors are registered
// on the registry handed to New, so tests can use isolated registries.
type Metrics struct {
	gatherer prometheus.Gatherer

	ActiveConnections prometheus.Gauge
	EventsRelayed     *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	JoinDenials       prometheus.Counter
	DroppedEvents     *prometheus.CounterVec
}

func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		gatherer: reg,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_connections",
			Help: "Number of live websocket connections.",
		}),
		EventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_relayed_total",
			Help: "Events fanned out to room members, by event kind.",
		}, []string{"kind"}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Handshake authentication failures.",
		}),
		JoinDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_join_denials_total",
			Help: "Room join attempts denied by the membership check.",
		}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_events_total",
			Help: "Inbound events dropped before relay, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.EventsRelayed,
		m.AuthFailures,
		m.JoinDenials,
		m.DroppedEvents,
	)
	return m
}

// Handler serves the scrape endpoint for this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
