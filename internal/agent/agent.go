package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/cloud"
	"github.com/technosupport/ts-edge/internal/config"
	"github.com/technosupport/ts-edge/internal/onvif"
	"github.com/technosupport/ts-edge/internal/rtsp"
	"github.com/technosupport/ts-edge/internal/scan"
	"github.com/technosupport/ts-edge/internal/transcode"
	"github.com/technosupport/ts-edge/internal/uplink"
)

const version = "1.0.0"

const (
	registerRetryDelay = 5 * time.Second
	monitorInterval    = 5 * time.Second
	commandQueueDepth  = 64
)

// Agent wires the edge subsystems together: cloud session, command
// dispatch, stream supervision and event forwarding.
type Agent struct {
	cfg *config.Agent
	log zerolog.Logger

	cloud    *cloud.Client
	prober   *rtsp.Prober
	scanner  *scan.Scanner
	store    *scan.Store
	sup      *transcode.Supervisor
	streamer *uplink.Streamer
	pool     *onvif.Pool
	buffer   *EventBuffer

	mu       sync.Mutex
	identity cloud.RegisterResponse

	startedAt time.Time
}

func New(cfg *config.Agent, log zerolog.Logger) (*Agent, error) {
	sup, err := transcode.NewSupervisor(cfg.FFmpegPath, log)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      cfg,
		log:      log.With().Str("component", "agent").Logger(),
		cloud:    cloud.NewClient(cfg.CloudURL, cfg.DeviceToken, log),
		prober:   rtsp.NewProber(log),
		scanner:  scan.NewScanner(log),
		store:    scan.NewStore(),
		sup:      sup,
		streamer: uplink.NewStreamer(cfg.RelayWSURL, log),
	}
	a.buffer = NewEventBuffer(a.cloud, a.agentID, log)
	a.pool = onvif.NewPool(log, a.buffer.Add)
	return a, nil
}

func (a *Agent) agentID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity.AgentID
}

func (a *Agent) clientID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity.ClientID
}

func (a *Agent) userID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.identity.UserID
}

// Run is the agent main loop. It blocks until ctx is cancelled, then
// tears everything down in order: uplinks and listeners first, then
// the transcoders, and a final event flush last.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = time.Now()

	if err := a.register(ctx); err != nil {
		return err
	}

	dispatcher := NewDispatcher(ctx, a.cloud, a.prober, a.scanner, a.store,
		a.sup, a.streamer, a.pool, a.userID, a.log)

	bufCtx, bufCancel := context.WithCancel(context.Background())
	bufDone := make(chan struct{})
	go func() {
		defer close(bufDone)
		a.buffer.Run(bufCtx)
	}()

	// Commands run strictly one at a time, in the order the cloud
	// returned them; concurrent execution would let two starts race
	// for the same stream key.
	queue := make(chan cloud.Command, commandQueueDepth)
	go runCommands(ctx, queue, dispatcher.Handle)

	a.autostartListeners(ctx)
	go a.monitor(ctx)

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	a.log.Info().Dur("interval", a.cfg.HeartbeatInterval).Msg("agent running")

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("shutting down")
			dispatcher.StopUplinks()
			a.pool.StopAll()
			a.sup.StopAll()
			bufCancel()
			<-bufDone
			return nil
		case <-ticker.C:
			a.heartbeat(ctx, queue)
		}
	}
}

// register announces the agent, retrying transient failures forever.
// A 4xx is terminal: the device token is wrong or revoked and no
// amount of retrying fixes that.
func (a *Agent) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	for {
		identity, err := a.cloud.Register(ctx, hostname, version)
		if err == nil {
			a.mu.Lock()
			a.identity = identity
			a.mu.Unlock()
			return nil
		}

		var apiErr *cloud.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
			apiErr.StatusCode != http.StatusTooManyRequests {
			return err
		}

		a.log.Warn().Err(err).Dur("retry_in", registerRetryDelay).Msg("registration failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetryDelay):
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context, queue chan<- cloud.Command) {
	hostname, _ := os.Hostname()
	localIP := localIPv4()

	hb := cloud.Heartbeat{
		AgentID:         a.agentID(),
		ClientID:        a.clientID(),
		Version:         version,
		UptimeSeconds:   int64(time.Since(a.startedAt).Seconds()),
		Hostname:        hostname,
		LocalIP:         localIP,
		OSInfo:          runtime.GOOS + "/" + runtime.GOARCH,
		FFmpegInstalled: true, // New fails without a resolvable ffmpeg
		NetworkRange:    networkRangeFor(localIP),
		Streams:         a.sup.Statuses(),
		Listeners:       a.pool.Statuses(),
		Devices:         a.store.Len(),
	}

	commands, err := a.cloud.SendHeartbeat(ctx, hb)
	if err != nil {
		a.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	for _, cmd := range commands {
		select {
		case queue <- cmd:
		default:
			a.log.Warn().Str("command", cmd.ID).Msg("command queue full, dropping")
		}
	}
}

// runCommands drains the queue one command at a time, preserving the
// order the cloud handed them out.
func runCommands(ctx context.Context, queue <-chan cloud.Command, handle func(context.Context, cloud.Command)) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-queue:
			handle(ctx, cmd)
		}
	}
}

// localIPv4 picks the first non-loopback IPv4 address, the one the
// cloud uses to attribute scans and reach per-site dashboards.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}

// networkRangeFor derives the /24 the agent sits on, the default
// sweep target offered to operators.
func networkRangeFor(ip string) string {
	p4 := net.ParseIP(ip).To4()
	if p4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.0/24", p4[0], p4[1], p4[2])
}

// autostartListeners brings up event listeners for cameras
// pre-provisioned in the config file. One shot at startup; everything
// afterwards goes through cloud commands.
func (a *Agent) autostartListeners(ctx context.Context) {
	for _, cam := range a.cfg.Cameras {
		if !cam.OnvifEvents || cam.IP == "" {
			continue
		}
		a.pool.Add(ctx, cam.IP, cam.Port, cam.Username, cam.Password)
		a.log.Info().Str("camera", cam.IP).Msg("autostarted event listener")
	}
}

// monitor periodically refreshes stream health so transcoders that
// died between heartbeats get their diagnosis recorded promptly.
func (a *Agent) monitor(ctx context.Context) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range a.sup.Statuses() {
				if st.State == string(transcode.StateError) {
					a.log.Warn().Str("stream", st.Key).Str("code", st.ErrorCode).
						Str("error", st.Error).Msg("stream unhealthy")
				}
			}
		}
	}
}
