package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/metrics"
)

// Server exposes the relay over HTTP: one websocket path for
// producers, one for consumers, plus health, stats and metrics.
type Server struct {
	hub          *Hub
	log          zerolog.Logger
	lifecycle    *LifecyclePublisher
	metricsToken string
	connRate     int

	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, lifecycle *LifecyclePublisher, metricsToken string, connRate int, log zerolog.Logger) *Server {
	if connRate <= 0 {
		connRate = 120
	}
	return &Server{
		hub:          hub,
		log:          log.With().Str("component", "relay").Logger(),
		lifecycle:    lifecycle,
		metricsToken: metricsToken,
		connRate:     connRate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Browser viewers connect from arbitrary origins; access
			// control is the stream key itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(s.connRate, time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/api/v1/streams", s.handleStreams)
	r.Get("/ws/produce/{streamKey}", s.handleProduce)
	r.Get("/ws/consume/{streamKey}", s.handleConsume)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metricsToken != "" && r.Header.Get("Authorization") != "Bearer "+s.metricsToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"streams": s.hub.Stats()})
}

// producerFrame is the JSON envelope producers may use instead of raw
// binary messages. Data is base64 on the wire.
type producerFrame struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// handleProduce ingests one producer stream. Binary messages are
// treated as live data; text messages carry the JSON envelope for
// init segments and application-level pings.
func (s *Server) handleProduce(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("stream", key).Msg("producer upgrade failed")
		return
	}
	defer conn.Close()

	room := s.hub.GetOrCreate(key)
	room.SetProducer(conn)
	s.lifecycle.Publish("producer_connected", key)
	s.log.Info().Str("stream", key).Str("remote", r.RemoteAddr).Msg("producer connected")

	defer func() {
		room.ClearProducer(conn)
		s.lifecycle.Publish("producer_disconnected", key)
		s.log.Info().Str("stream", key).Msg("producer disconnected")
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			room.Broadcast(data)
		case websocket.TextMessage:
			var frame producerFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				s.log.Debug().Err(err).Str("stream", key).Msg("bad producer frame")
				continue
			}
			switch frame.Type {
			case "init":
				room.SetInit(frame.Data)
			case "data":
				room.Broadcast(frame.Data)
			case "ping":
				resp, _ := json.Marshal(producerFrame{Type: "pong"})
				conn.SetWriteDeadline(time.Now().Add(consumerWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, resp); err != nil {
					return
				}
			}
		}
	}
}

// handleConsume attaches a viewer. The socket only carries data
// outward; inbound messages are drained so close frames and pings get
// handled.
func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "streamKey")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("stream", key).Msg("consumer upgrade failed")
		return
	}
	defer conn.Close()

	room := s.hub.GetOrCreate(key)
	c := room.AddConsumer(conn)
	defer room.RemoveConsumer(c)
	s.log.Info().Str("stream", key).Str("remote", r.RemoteAddr).Msg("consumer joined")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
