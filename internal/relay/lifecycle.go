package relay

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const lifecycleSubject = "edge.streams.lifecycle"

// LifecycleEvent announces room and producer transitions on the bus so
// other services (recorders, dashboards) can react without polling the
// streams API.
type LifecycleEvent struct {
	Type      string    `json:"type"`
	StreamKey string    `json:"stream_key"`
	Timestamp time.Time `json:"timestamp"`
}

// LifecyclePublisher is a thin NATS wrapper. A nil publisher is valid
// and drops everything, so deployments without a bus need no guards.
type LifecyclePublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewLifecyclePublisher connects to NATS. An empty URL disables
// publishing.
func NewLifecyclePublisher(url string, log zerolog.Logger) (*LifecyclePublisher, error) {
	if url == "" {
		return nil, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("ts-edge-relay"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", url).Msg("lifecycle bus connected")
	return &LifecyclePublisher{nc: nc, log: log.With().Str("component", "lifecycle").Logger()}, nil
}

// Publish fires an event. Failures are logged, never surfaced: the
// bus is advisory and must not affect the data path.
func (p *LifecyclePublisher) Publish(eventType, streamKey string) {
	if p == nil {
		return
	}
	payload, err := json.Marshal(LifecycleEvent{
		Type:      eventType,
		StreamKey: streamKey,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	if err := p.nc.Publish(lifecycleSubject, payload); err != nil {
		p.log.Warn().Err(err).Str("type", eventType).Msg("lifecycle publish failed")
	}
}

func (p *LifecyclePublisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
}
