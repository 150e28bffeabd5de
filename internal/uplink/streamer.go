package uplink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/metrics"
)

const (
	chunkSize         = 8 * 1024
	keepaliveInterval = 25 * time.Second
	firstDataTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
	logEveryBytes     = 1 << 20
)

// dataWaiter is satisfied by sources that can report readiness without
// consuming bytes, like the transcoder's stdout pipe.
type dataWaiter interface {
	WaitForData(timeout time.Duration) bool
}

// Streamer pushes a raw video byte stream to the relay over a
// websocket, reconnecting with backoff while the source stays alive.
type Streamer struct {
	relayBase string
	log       zerolog.Logger
	dialer    *websocket.Dialer
}

// NewStreamer takes the relay base URL, e.g. ws://relay:8090.
func NewStreamer(relayBase string, log zerolog.Logger) *Streamer {
	return &Streamer{
		relayBase: relayBase,
		log:       log.With().Str("component", "uplink").Logger(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (u *Streamer) produceURL(key string) string {
	return fmt.Sprintf("%s/ws/produce/%s", u.relayBase, key)
}

// Run relays src to the relay server until the source ends or ctx is
// cancelled. It first waits for the source to produce bytes so a
// stuck transcoder fails fast instead of holding an idle socket.
func (u *Streamer) Run(ctx context.Context, key string, src io.Reader) error {
	log := u.log.With().Str("stream", key).Logger()

	if w, ok := src.(dataWaiter); ok {
		if !w.WaitForData(firstDataTimeout) {
			return fmt.Errorf("no data from transcoder within %s", firstDataTimeout)
		}
	}

	bo := newBackoff()
	var totalBytes int64
	buf := make([]byte, chunkSize)

	for ctx.Err() == nil {
		conn, _, err := u.dialer.DialContext(ctx, u.produceURL(key), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			delay := bo.next()
			log.Warn().Err(err).Dur("retry_in", delay).Msg("relay dial failed")
			metrics.UplinkReconnects.WithLabelValues(key).Inc()
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		bo.reset()
		log.Info().Msg("uplink connected")

		srcDone, err := u.pump(ctx, conn, log, src, buf, &totalBytes)
		conn.Close()
		if srcDone || ctx.Err() != nil {
			log.Info().Int64("bytes", totalBytes).Msg("uplink finished")
			return nil
		}

		delay := bo.next()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("uplink dropped, reconnecting")
		metrics.UplinkReconnects.WithLabelValues(key).Inc()
		if !sleepCtx(ctx, delay) {
			return nil
		}
	}
	return nil
}

// pump copies src to the socket in fixed chunks with a keepalive
// ticker. The bool reports that the source itself ended, so the caller
// must not reconnect.
func (u *Streamer) pump(ctx context.Context, conn *websocket.Conn, log zerolog.Logger, src io.Reader, buf []byte, total *int64) (bool, error) {
	// Drain server frames so pongs and close frames get processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	keepaliveDone := make(chan struct{})
	defer close(keepaliveDone)
	go func() {
		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveDone:
				return
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
		}
	}()

	lastLogged := *total
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
				return false, err
			}
			*total += int64(n)
			if *total-lastLogged >= logEveryBytes {
				lastLogged = *total
				log.Debug().Int64("bytes", *total).Msg("uplink progress")
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warn().Err(readErr).Msg("source read ended")
			}
			return true, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
