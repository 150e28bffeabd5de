package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/metrics"
)

// Hub owns the rooms, one per stream key. Rooms appear on first use
// and a reaper collects the ones nobody touched for a while.
type Hub struct {
	log       zerolog.Logger
	lifecycle *LifecyclePublisher

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewHub(log zerolog.Logger, lifecycle *LifecyclePublisher) *Hub {
	return &Hub{
		log:       log.With().Str("component", "hub").Logger(),
		lifecycle: lifecycle,
		rooms:     make(map[string]*Room),
	}
}

func (h *Hub) GetOrCreate(key string) *Room {
	h.mu.Lock()
	room, ok := h.rooms[key]
	if !ok {
		room = newRoom(key)
		h.rooms[key] = room
		metrics.RelayRooms.Inc()
	}
	h.mu.Unlock()

	if !ok {
		h.log.Info().Str("stream", key).Msg("room created")
		h.lifecycle.Publish("room_created", key)
	}
	return room
}

func (h *Hub) Get(key string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[key]
	return room, ok
}

func (h *Hub) Stats() []Stats {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.Unlock()

	out := make([]Stats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, r.Stats())
	}
	return out
}

// RunReaper deletes idle rooms every interval until ctx ends.
func (h *Hub) RunReaper(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reap(ttl)
		}
	}
}

func (h *Hub) reap(ttl time.Duration) {
	h.mu.Lock()
	var dead []string
	for key, room := range h.rooms {
		if room.idle(ttl) {
			dead = append(dead, key)
			delete(h.rooms, key)
			metrics.RelayRooms.Dec()
		}
	}
	h.mu.Unlock()

	for _, key := range dead {
		h.log.Info().Str("stream", key).Msg("idle room reaped")
		h.lifecycle.Publish("room_closed", key)
	}
}
