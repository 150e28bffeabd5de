package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/onvif"
	"github.com/technosupport/ts-edge/internal/transcode"
)

const (
	requestTimeout = 15 * time.Second
	// Servers cap how many commands one heartbeat may return.
	MaxCommandsPerHeartbeat = 10
	// And how many events one upload may carry.
	MaxEventsPerUpload = 50
)

const deviceTokenHeader = "X-Device-Token"

// RegisterResponse is the identity bundle the cloud hands an agent on
// registration.
type RegisterResponse struct {
	AgentID     string `json:"agent_id"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	SupabaseURL string `json:"supabase_url"`
	AnonKey     string `json:"anon_key"`
}

// Command is one pending instruction fetched via heartbeat.
type Command struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Heartbeat is the agent's periodic status report. The response
// piggybacks pending commands.
type Heartbeat struct {
	AgentID         string                 `json:"agent_id"`
	ClientID        string                 `json:"client_id"`
	Version         string                 `json:"version"`
	UptimeSeconds   int64                  `json:"uptime_seconds"`
	Hostname        string                 `json:"hostname"`
	LocalIP         string                 `json:"local_ip"`
	OSInfo          string                 `json:"os_info"`
	FFmpegInstalled bool                   `json:"ffmpeg_installed"`
	NetworkRange    string                 `json:"network_range"`
	Streams         []transcode.Status     `json:"streams"`
	Listeners       []onvif.ListenerStatus `json:"onvif_listeners"`
	Devices         int                    `json:"discovered_devices"`
}

// UploadEvent is the wire shape for one camera event. The raw ONVIF
// detail travels under metadata; the top level carries only what the
// cloud indexes on.
type UploadEvent struct {
	EventType  string        `json:"event_type"`
	CameraIP   string        `json:"camera_ip"`
	CameraName string        `json:"camera_name"`
	Severity   string        `json:"severity"`
	Message    string        `json:"message"`
	Metadata   EventMetadata `json:"metadata"`
	CameraID   string        `json:"camera_id,omitempty"`
}

type EventMetadata struct {
	Topic     string            `json:"topic"`
	Source    map[string]string `json:"source,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// uploadEventFrom flattens an ONVIF event into the upload envelope.
// The agent has no camera registry, so the IP doubles as the name.
func uploadEventFrom(ev onvif.Event) UploadEvent {
	return UploadEvent{
		EventType:  ev.EventType,
		CameraIP:   ev.CameraIP,
		CameraName: ev.CameraIP,
		Severity:   ev.Severity,
		Message:    fmt.Sprintf("%s on camera %s", strings.ReplaceAll(ev.EventType, "_", " "), ev.CameraIP),
		Metadata: EventMetadata{
			Topic:     ev.Topic,
			Source:    ev.Source,
			Data:      ev.Data,
			Timestamp: ev.Timestamp,
		},
	}
}

// CommandResult reports command progress back to the cloud. Status
// moves executing -> completed or failed.
type CommandResult struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// APIError is a non-2xx response with the server's message attached,
// so operators see "device token revoked" instead of a bare 403.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("cloud api %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("cloud api %d", e.StatusCode)
}

// Client talks to the cloud control plane. Every request carries the
// device token; the token is the agent's only credential.
type Client struct {
	baseURL     string
	deviceToken string
	http        *http.Client
	log         zerolog.Logger
}

func NewClient(baseURL, deviceToken string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		deviceToken: deviceToken,
		http:        &http.Client{Timeout: requestTimeout},
		log:         log.With().Str("component", "cloud").Logger(),
	}
}

// Register announces the agent and retrieves its identity bundle.
func (c *Client) Register(ctx context.Context, hostname, version string) (RegisterResponse, error) {
	var out RegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/agents/register", map[string]string{
		"hostname": hostname,
		"version":  version,
	}, &out)
	if err != nil {
		return RegisterResponse{}, err
	}
	c.log.Info().Str("agent_id", out.AgentID).Msg("registered with cloud")
	return out, nil
}

// SendHeartbeat posts the status report and returns pending commands,
// clamped to the per-heartbeat cap.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) ([]Command, error) {
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/agents/heartbeat", hb, &out); err != nil {
		return nil, err
	}
	if len(out.Commands) > MaxCommandsPerHeartbeat {
		out.Commands = out.Commands[:MaxCommandsPerHeartbeat]
	}
	return out.Commands, nil
}

// ReportCommand updates one command's status.
func (c *Client) ReportCommand(ctx context.Context, commandID string, result CommandResult) error {
	return c.do(ctx, http.MethodPatch, "/api/v1/agents/commands/"+commandID, result, nil)
}

// UploadEvents ships a batch of camera events. Callers batch to the
// cap; anything beyond it is clamped rather than rejected.
func (c *Client) UploadEvents(ctx context.Context, agentID string, events []onvif.Event) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) > MaxEventsPerUpload {
		events = events[:MaxEventsPerUpload]
	}
	wire := make([]UploadEvent, len(events))
	for i, ev := range events {
		wire[i] = uploadEventFrom(ev)
	}
	return c.do(ctx, http.MethodPost, "/api/v1/agents/events", map[string]any{
		"agent_id": agentID,
		"events":   wire,
	}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deviceTokenHeader, c.deviceToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloud request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Message: apiMessage(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// apiMessage pulls a human-readable message out of an error body,
// whichever field the server used.
func apiMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	for _, s := range []string{body.Message, body.Error, body.Detail} {
		if s != "" {
			return s
		}
	}
	return ""
}
