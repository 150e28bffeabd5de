package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/cloud"
	"github.com/technosupport/ts-edge/internal/onvif"
)

const (
	flushInterval   = 5 * time.Second
	flushBatchSize  = cloud.MaxEventsPerUpload
	bufferCapacity  = 1000
	uploaderTimeout = 15 * time.Second
)

// eventUploader is the slice of the cloud client the buffer needs.
type eventUploader interface {
	UploadEvents(ctx context.Context, agentID string, events []onvif.Event) error
}

// criticalTypes flush immediately instead of waiting out the interval.
var criticalTypes = map[string]bool{
	"tampering":           true,
	"video_loss":          true,
	"intrusion_detection": true,
}

// EventBuffer batches camera events for upload. It flushes on a
// timer, when a batch fills, or immediately for critical events; a
// failed upload puts the batch back at the front so nothing is lost
// across a cloud hiccup.
type EventBuffer struct {
	log     zerolog.Logger
	agentID func() string
	up      eventUploader

	mu      sync.Mutex
	queue   []onvif.Event
	dropped int64

	kick chan struct{}
}

func NewEventBuffer(up eventUploader, agentID func() string, log zerolog.Logger) *EventBuffer {
	return &EventBuffer{
		log:     log.With().Str("component", "event-buffer").Logger(),
		agentID: agentID,
		up:      up,
		kick:    make(chan struct{}, 1),
	}
}

// Add enqueues one event. A full buffer drops the oldest entry: fresh
// events are worth more than stale ones when the cloud is down.
func (b *EventBuffer) Add(ev onvif.Event) {
	b.mu.Lock()
	if len(b.queue) >= bufferCapacity {
		b.queue = b.queue[1:]
		b.dropped++
	}
	b.queue = append(b.queue, ev)
	full := len(b.queue) >= flushBatchSize
	b.mu.Unlock()

	if full || criticalTypes[ev.EventType] {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
}

func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Run drives the flush loop until ctx ends, then makes a final
// best-effort flush so shutdown does not eat buffered events.
func (b *EventBuffer) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), uploaderTimeout)
			b.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.kick:
			b.Flush(ctx)
		}
	}
}

// Flush uploads queued events in capped batches until the queue is
// empty or an upload fails.
func (b *EventBuffer) Flush(ctx context.Context) {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.queue)
		if n > flushBatchSize {
			n = flushBatchSize
		}
		batch := make([]onvif.Event, n)
		copy(batch, b.queue[:n])
		b.queue = b.queue[n:]
		b.mu.Unlock()

		if err := b.up.UploadEvents(ctx, b.agentID(), batch); err != nil {
			b.log.Warn().Err(err).Int("batch", len(batch)).Msg("event upload failed, requeueing")
			b.mu.Lock()
			b.queue = append(batch, b.queue...)
			b.mu.Unlock()
			return
		}
	}
}
