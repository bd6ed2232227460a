package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector records messaging server activity.
type Collector interface {
	// Connection metrics
	PeerConnected(transport string)
	PeerDisconnected(transport string)

	// Room metrics
	RoomJoined()
	RoomLeft()

	// Event metrics
	EventReceived(event string, sizeBytes int)
	EventRejected(event, reason string)
	FrameDelivered()
	FrameDropped(reason string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// PrometheusCollector implements Collector on its own registry so several
// servers can live in one process.
type PrometheusCollector struct {
	registry *prometheus.Registry

	activePeers    *prometheus.GaugeVec
	peerConnects   *prometheus.CounterVec
	activeMembers  prometheus.Gauge
	eventsReceived *prometheus.CounterVec
	eventsRejected *prometheus.CounterVec
	eventSize      *prometheus.HistogramVec
	framesSent     prometheus.Counter
	framesDropped  *prometheus.CounterVec
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		activePeers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "consult_active_peers",
				Help: "Number of connected peers by transport",
			},
			[]string{"transport"},
		),

		peerConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_peer_connections_total",
				Help: "Total number of peer connections by transport",
			},
			[]string{"transport"},
		),

		activeMembers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "consult_room_members",
			Help: "Number of room memberships across all rooms",
		}),

		eventsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_events_received_total",
				Help: "Total number of inbound events by name",
			},
			[]string{"event"},
		),

		eventsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_events_rejected_total",
				Help: "Total number of inbound events ignored by name and reason",
			},
			[]string{"event", "reason"},
		),

		eventSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "consult_event_size_bytes",
				Help:    "Size of inbound event payloads",
				Buckets: prometheus.ExponentialBuckets(64, 4, 6),
			},
			[]string{"event"},
		),

		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "consult_frames_delivered_total",
			Help: "Total number of frames handed to peers",
		}),

		framesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "consult_frames_dropped_total",
				Help: "Total number of frames dropped by reason",
			},
			[]string{"reason"},
		),
	}
}

func (c *PrometheusCollector) PeerConnected(transport string) {
	c.activePeers.WithLabelValues(transport).Inc()
	c.peerConnects.WithLabelValues(transport).Inc()
}

func (c *PrometheusCollector) PeerDisconnected(transport string) {
	c.activePeers.WithLabelValues(transport).Dec()
}

func (c *PrometheusCollector) RoomJoined() {
	c.activeMembers.Inc()
}

func (c *PrometheusCollector) RoomLeft() {
	c.activeMembers.Dec()
}

func (c *PrometheusCollector) EventReceived(event string, sizeBytes int) {
	c.eventsReceived.WithLabelValues(event).Inc()
	c.eventSize.WithLabelValues(event).Observe(float64(sizeBytes))
}

func (c *PrometheusCollector) EventRejected(event, reason string) {
	c.eventsRejected.WithLabelValues(event, reason).Inc()
}

func (c *PrometheusCollector) FrameDelivered() {
	c.framesSent.Inc()
}

func (c *PrometheusCollector) FrameDropped(reason string) {
	c.framesDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Noop discards everything.
type Noop struct{}

func (Noop) PeerConnected(string)         {}
func (Noop) PeerDisconnected(string)      {}
func (Noop) RoomJoined()                  {}
func (Noop) RoomLeft()                    {}
func (Noop) EventReceived(string, int)    {}
func (Noop) EventRejected(string, string) {}
func (Noop) FrameDelivered()              {}
func (Noop) FrameDropped(string)          {}
func (Noop) Handler() http.Handler        { return http.NotFoundHandler() }
