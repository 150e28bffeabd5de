package uplink

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	b := newBackoff()
	want := []time.Duration{
		1 * time.Second,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
	}
	for _, w := range want {
		assert.Equal(t, w, b.next())
	}
	// Keep advancing; the delay must clamp at the cap.
	for i := 0; i < 10; i++ {
		b.next()
	}
	assert.Equal(t, backoffMax, b.next())

	b.reset()
	assert.Equal(t, backoffInitial, b.next())
}

func TestRunStreamsSourceToRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ws/produce/cam-7", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var got bytes.Buffer
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if mt == websocket.BinaryMessage {
				got.Write(data)
			}
		}
		received <- got.Bytes()
	}))
	defer srv.Close()

	payload := bytes.Repeat([]byte{0x00, 0x00, 0x00, 0x01, 0x67}, 5000)
	u := NewStreamer("ws"+strings.TrimPrefix(srv.URL, "http"), zerolog.Nop())

	err := u.Run(context.Background(), "cam-7", bytes.NewReader(payload))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the stream")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	// No relay listening: Run should spin in backoff until cancelled.
	u := NewStreamer("ws://127.0.0.1:1", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- u.Run(ctx, "cam-8", bytes.NewReader([]byte("x"))) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
