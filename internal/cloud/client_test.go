package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/onvif"
)

func TestRegister(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents/register", r.URL.Path)
		assert.Equal(t, "tok-123", r.Header.Get("X-Device-Token"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "edge-host", body["hostname"])

		json.NewEncoder(w).Encode(RegisterResponse{
			AgentID:     "agent-1",
			ClientID:    "client-9",
			UserID:      "user-5",
			SupabaseURL: "https://x.supabase.co",
			AnonKey:     "anon",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok-123", zerolog.Nop())
	resp, err := c.Register(context.Background(), "edge-host", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", resp.AgentID)
	assert.Equal(t, "user-5", resp.UserID)
}

func TestHeartbeatReturnsCommandsClamped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/agents/heartbeat", r.URL.Path)

		var hb Heartbeat
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hb))
		assert.Equal(t, "agent-1", hb.AgentID)
		assert.Equal(t, "client-9", hb.ClientID)
		assert.Equal(t, "edge-host", hb.Hostname)
		assert.Equal(t, "192.168.1.20", hb.LocalIP)
		assert.Equal(t, "linux/amd64", hb.OSInfo)
		assert.True(t, hb.FFmpegInstalled)
		assert.Equal(t, "192.168.1.0/24", hb.NetworkRange)

		cmds := make([]Command, 12)
		for i := range cmds {
			cmds[i] = Command{ID: fmt.Sprintf("cmd-%d", i), Type: "get_status"}
		}
		json.NewEncoder(w).Encode(map[string]any{"commands": cmds})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zerolog.Nop())
	cmds, err := c.SendHeartbeat(context.Background(), Heartbeat{
		AgentID:         "agent-1",
		ClientID:        "client-9",
		Hostname:        "edge-host",
		LocalIP:         "192.168.1.20",
		OSInfo:          "linux/amd64",
		FFmpegInstalled: true,
		NetworkRange:    "192.168.1.0/24",
	})
	require.NoError(t, err)
	assert.Len(t, cmds, MaxCommandsPerHeartbeat)
}

func TestReportCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/v1/agents/commands/cmd-42", r.URL.Path)

		var res CommandResult
		require.NoError(t, json.NewDecoder(r.Body).Decode(&res))
		assert.Equal(t, "completed", res.Status)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zerolog.Nop())
	err := c.ReportCommand(context.Background(), "cmd-42", CommandResult{
		Status: "completed",
		Result: map[string]any{"ok": true},
	})
	require.NoError(t, err)
}

func TestUploadEvents(t *testing.T) {
	var got []UploadEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AgentID string        `json:"agent_id"`
			Events  []UploadEvent `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.AgentID)
		got = body.Events
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zerolog.Nop())

	// Empty batches never hit the wire.
	require.NoError(t, c.UploadEvents(context.Background(), "agent-1", nil))
	assert.Empty(t, got)

	events := make([]onvif.Event, 60)
	for i := range events {
		events[i] = onvif.Event{CameraIP: "10.0.0.5", EventType: "motion_detection", Timestamp: time.Now()}
	}
	require.NoError(t, c.UploadEvents(context.Background(), "agent-1", events))
	assert.Len(t, got, MaxEventsPerUpload)
}

func TestUploadEventsEnvelope(t *testing.T) {
	var got UploadEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Events []UploadEvent `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Events, 1)
		got = body.Events[0]
	}))
	defer srv.Close()

	ts := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	c := NewClient(srv.URL, "tok", zerolog.Nop())
	require.NoError(t, c.UploadEvents(context.Background(), "agent-1", []onvif.Event{{
		CameraIP:  "10.0.0.5",
		EventType: "tampering",
		Severity:  "critical",
		Topic:     "tns1:VideoSource/Tampering",
		Timestamp: ts,
		Source:    map[string]string{"VideoSourceToken": "vs0"},
		Data:      map[string]string{"State": "true"},
	}}))

	assert.Equal(t, "tampering", got.EventType)
	assert.Equal(t, "10.0.0.5", got.CameraIP)
	assert.Equal(t, "10.0.0.5", got.CameraName)
	assert.Equal(t, "critical", got.Severity)
	assert.Equal(t, "tampering on camera 10.0.0.5", got.Message)
	assert.Equal(t, "tns1:VideoSource/Tampering", got.Metadata.Topic)
	assert.Equal(t, map[string]string{"VideoSourceToken": "vs0"}, got.Metadata.Source)
	assert.Equal(t, map[string]string{"State": "true"}, got.Metadata.Data)
	assert.True(t, got.Metadata.Timestamp.Equal(ts))
	assert.Empty(t, got.CameraID)
}

func TestAPIErrorSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"message": "device token revoked"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", zerolog.Nop())
	_, err := c.Register(context.Background(), "h", "v")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Contains(t, apiErr.Error(), "device token revoked")
}
