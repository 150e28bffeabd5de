package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

// Agent-side series.
var (
	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_scans_total",
		Help: "Network scans run, by outcome.",
	}, []string{"outcome"})

	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_commands_total",
		Help: "Cloud commands processed, by type and status.",
	}, []string{"type", "status"})

	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_camera_events_total",
		Help: "Camera events accepted into the upload buffer, by type.",
	}, []string{"event_type"})

	EventsSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "edge_camera_events_suppressed_total",
		Help: "Camera events dropped by the cooldown dedup.",
	})

	StreamBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_stream_bytes_total",
		Help: "Bytes pushed to the relay, per stream.",
	}, []string{"stream_key"})

	UplinkReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "edge_uplink_reconnects_total",
		Help: "Relay reconnect attempts, per stream.",
	}, []string{"stream_key"})

	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_active_streams",
		Help: "Streams with a running transcoder.",
	})

	ActiveListeners = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "edge_onvif_listeners",
		Help: "Cameras with an active event listener.",
	})
)

// Relay-side series.
var (
	RelayRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_rooms",
		Help: "Rooms currently held by the hub.",
	})

	RelayConsumers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_consumers",
		Help: "Connected viewer sockets across all rooms.",
	})

	RelayBroadcastBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_broadcast_bytes_total",
		Help: "Bytes fanned out to consumers, per room.",
	}, []string{"stream_key"})

	RelayConsumerDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_consumer_drops_total",
		Help: "Consumers removed after a failed send.",
	})
)

func init() {
	registry.MustRegister(
		ScansTotal, CommandsTotal, EventsPublished, EventsSuppressed,
		StreamBytes, UplinkReconnects, ActiveStreams, ActiveListeners,
		RelayRooms, RelayConsumers, RelayBroadcastBytes, RelayConsumerDrops,
	)
}

// Handler exposes the registry for a /metrics route.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
