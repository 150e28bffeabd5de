package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-edge/internal/metrics"
)

const consumerWriteTimeout = 5 * time.Second

// consumer wraps one viewer socket with its own write lock, so a slow
// viewer serializes only its own writes.
type consumer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *consumer) send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(consumerWriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

// Room fans one producer's stream out to any number of consumers.
// The init segment (codec config) is retained so late joiners can
// start decoding mid-stream.
type Room struct {
	Key string

	mu          sync.Mutex
	producer    *websocket.Conn
	consumers   map[*consumer]struct{}
	initSegment []byte
	createdAt   time.Time
	lastData    time.Time
	bytesOut    int64
}

func newRoom(key string) *Room {
	return &Room{
		Key:       key,
		consumers: make(map[*consumer]struct{}),
		createdAt: time.Now(),
	}
}

// SetProducer installs conn as the room's producer. An existing
// producer is displaced and its socket closed: the newest publisher
// wins, which covers agent reconnects where the old socket is not yet
// dead.
func (r *Room) SetProducer(conn *websocket.Conn) {
	r.mu.Lock()
	old := r.producer
	r.producer = conn
	r.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
}

// ClearProducer detaches conn if it is still the current producer.
// A displaced producer's exit must not clear its replacement.
func (r *Room) ClearProducer(conn *websocket.Conn) {
	r.mu.Lock()
	if r.producer == conn {
		r.producer = nil
	}
	r.mu.Unlock()
}

func (r *Room) HasProducer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.producer != nil
}

// SetInit stores the stream's init segment and pushes it to everyone
// already watching.
func (r *Room) SetInit(data []byte) {
	r.mu.Lock()
	r.initSegment = data
	r.mu.Unlock()
	r.Broadcast(data)
}

// AddConsumer registers a viewer. The cached init segment, when
// present, is delivered before any live data so the decoder has its
// parameter sets. The consumer's write lock is held from registration
// through the init write: a concurrent Broadcast that snapshots the
// new consumer blocks in send until the init segment is on the wire.
func (r *Room) AddConsumer(conn *websocket.Conn) *consumer {
	c := &consumer{conn: conn}

	c.mu.Lock()
	r.mu.Lock()
	r.consumers[c] = struct{}{}
	init := r.initSegment
	r.mu.Unlock()

	if init != nil {
		conn.SetWriteDeadline(time.Now().Add(consumerWriteTimeout))
		_ = conn.WriteMessage(websocket.BinaryMessage, init)
	}
	c.mu.Unlock()

	metrics.RelayConsumers.Inc()
	return c
}

func (r *Room) RemoveConsumer(c *consumer) {
	r.mu.Lock()
	_, ok := r.consumers[c]
	delete(r.consumers, c)
	r.mu.Unlock()
	if ok {
		metrics.RelayConsumers.Dec()
	}
}

// Broadcast sends data to every consumer. The consumer set is
// snapshotted first so writes happen outside the room lock; consumers
// whose write failed are removed afterwards.
func (r *Room) Broadcast(data []byte) {
	r.mu.Lock()
	r.lastData = time.Now()
	r.bytesOut += int64(len(data))
	snapshot := make([]*consumer, 0, len(r.consumers))
	for c := range r.consumers {
		snapshot = append(snapshot, c)
	}
	r.mu.Unlock()

	metrics.RelayBroadcastBytes.WithLabelValues(r.Key).Add(float64(len(data)))

	var failed []*consumer
	for _, c := range snapshot {
		if err := c.send(websocket.BinaryMessage, data); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		c.conn.Close()
		r.RemoveConsumer(c)
		metrics.RelayConsumerDrops.Inc()
	}
}

// Stats is the per-room block served by the streams API.
type Stats struct {
	StreamKey    string    `json:"stream_key"`
	HasProducer  bool      `json:"has_producer"`
	Consumers    int       `json:"consumers"`
	HasInit      bool      `json:"has_init_segment"`
	BytesOut     int64     `json:"bytes_out"`
	CreatedAt    time.Time `json:"created_at"`
	LastDataTime time.Time `json:"last_data_time,omitempty"`
}

func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		StreamKey:    r.Key,
		HasProducer:  r.producer != nil,
		Consumers:    len(r.consumers),
		HasInit:      r.initSegment != nil,
		BytesOut:     r.bytesOut,
		CreatedAt:    r.createdAt,
		LastDataTime: r.lastData,
	}
}

// idle reports whether the room has been unused for longer than ttl.
func (r *Room) idle(ttl time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.producer != nil || len(r.consumers) > 0 {
		return false
	}
	last := r.lastData
	if last.IsZero() {
		last = r.createdAt
	}
	return time.Since(last) > ttl
}
