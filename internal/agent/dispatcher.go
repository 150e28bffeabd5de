package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/cloud"
	"github.com/technosupport/ts-edge/internal/metrics"
	"github.com/technosupport/ts-edge/internal/onvif"
	"github.com/technosupport/ts-edge/internal/rtsp"
	"github.com/technosupport/ts-edge/internal/scan"
	"github.com/technosupport/ts-edge/internal/transcode"
	"github.com/technosupport/ts-edge/internal/uplink"
)

const rtspTestTimeout = 10 * time.Second

// commandReporter is the slice of the cloud client the dispatcher
// needs for progress updates.
type commandReporter interface {
	ReportCommand(ctx context.Context, commandID string, result cloud.CommandResult) error
}

// Dispatcher executes cloud commands against the local subsystems.
// The command set is closed: anything unrecognized fails rather than
// being guessed at.
type Dispatcher struct {
	log      zerolog.Logger
	reporter commandReporter
	prober   *rtsp.Prober
	scanner  *scan.Scanner
	store    *scan.Store
	sup      *transcode.Supervisor
	streamer *uplink.Streamer
	pool     *onvif.Pool
	userID   func() string

	// runCtx outlives individual commands; streams and listeners
	// started by a command are bound to it, not to the command.
	runCtx    context.Context
	startedAt time.Time

	mu      sync.Mutex
	uplinks map[string]context.CancelFunc
}

func NewDispatcher(
	runCtx context.Context,
	reporter commandReporter,
	prober *rtsp.Prober,
	scanner *scan.Scanner,
	store *scan.Store,
	sup *transcode.Supervisor,
	streamer *uplink.Streamer,
	pool *onvif.Pool,
	userID func() string,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		log:       log.With().Str("component", "dispatcher").Logger(),
		reporter:  reporter,
		prober:    prober,
		scanner:   scanner,
		store:     store,
		sup:       sup,
		streamer:  streamer,
		pool:      pool,
		userID:    userID,
		runCtx:    runCtx,
		startedAt: time.Now(),
		uplinks:   make(map[string]context.CancelFunc),
	}
}

// Handle executes one command, reporting executing first and then the
// terminal status, so the cloud never sees a command stuck in pending.
func (d *Dispatcher) Handle(ctx context.Context, cmd cloud.Command) {
	log := d.log.With().Str("command", cmd.ID).Str("type", cmd.Type).Logger()
	log.Info().Msg("command received")

	if err := d.reporter.ReportCommand(ctx, cmd.ID, cloud.CommandResult{Status: "executing"}); err != nil {
		log.Warn().Err(err).Msg("could not mark command executing")
	}

	result, err := d.execute(ctx, cmd)
	if err != nil {
		metrics.CommandsTotal.WithLabelValues(cmd.Type, "failed").Inc()
		log.Warn().Err(err).Msg("command failed")
		if rerr := d.reporter.ReportCommand(ctx, cmd.ID, cloud.CommandResult{Status: "failed", Error: err.Error()}); rerr != nil {
			log.Warn().Err(rerr).Msg("could not report failure")
		}
		return
	}

	metrics.CommandsTotal.WithLabelValues(cmd.Type, "completed").Inc()
	log.Info().Msg("command completed")
	if rerr := d.reporter.ReportCommand(ctx, cmd.ID, cloud.CommandResult{Status: "completed", Result: result}); rerr != nil {
		log.Warn().Err(rerr).Msg("could not report completion")
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd cloud.Command) (map[string]any, error) {
	switch cmd.Type {
	case "test_rtsp":
		return d.testRTSP(cmd.Payload)
	case "start_stream":
		return d.startStream(cmd.Payload)
	case "stop_stream":
		return d.stopStream(cmd.Payload)
	case "get_status":
		return d.getStatus(), nil
	case "test_onvif":
		return d.testONVIF(ctx, cmd.Payload)
	case "start_onvif_events":
		return d.startONVIFEvents(cmd.Payload)
	case "stop_onvif_events":
		return d.stopONVIFEvents(cmd.Payload)
	case "get_onvif_status":
		return d.getONVIFStatus(), nil
	case "scan_network":
		return d.scanNetwork(ctx, cmd.Payload)
	default:
		return nil, fmt.Errorf("unknown command type %q", cmd.Type)
	}
}

func (d *Dispatcher) testRTSP(p map[string]any) (map[string]any, error) {
	url := payloadString(p, "rtsp_url", "url")
	if url == "" {
		return nil, errors.New("rtsp_url is required")
	}

	res := d.prober.Probe(url, rtspTestTimeout)

	if ip := payloadString(p, "camera_ip", "ip"); ip != "" {
		validated := ""
		if res.OK {
			validated = url
		}
		d.store.SetValidated(ip, validated, res.Code)
	}

	return map[string]any{
		"ok":            res.OK,
		"code":          res.Code,
		"message":       res.Message,
		"requires_auth": res.RequiresAuth,
		"auth_type":     res.AuthType,
		"status_code":   res.StatusCode,
		"rtt_ms":        res.RTT.Milliseconds(),
	}, nil
}

func (d *Dispatcher) startStream(p map[string]any) (map[string]any, error) {
	key := payloadString(p, "stream_key", "camera_id")
	url := payloadString(p, "rtsp_url", "url")
	if key == "" || url == "" {
		return nil, errors.New("stream_key and rtsp_url are required")
	}

	stream, err := d.sup.Start(key, url)
	if errors.Is(err, transcode.ErrAlreadyRunning) {
		return map[string]any{"stream_key": key, "already_running": true}, nil
	}
	if err != nil {
		return nil, err
	}

	uctx, cancel := context.WithCancel(d.runCtx)
	d.mu.Lock()
	if old, ok := d.uplinks[key]; ok {
		old()
	}
	d.uplinks[key] = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()
		if err := d.streamer.Run(uctx, key, stream); err != nil {
			d.log.Warn().Err(err).Str("stream", key).Msg("uplink ended with error")
		}
	}()

	return map[string]any{"stream_key": key, "state": string(transcode.StateRunning)}, nil
}

func (d *Dispatcher) stopStream(p map[string]any) (map[string]any, error) {
	key := payloadString(p, "stream_key", "camera_id")
	if key == "" {
		return nil, errors.New("stream_key is required")
	}

	d.mu.Lock()
	if cancel, ok := d.uplinks[key]; ok {
		cancel()
		delete(d.uplinks, key)
	}
	d.mu.Unlock()

	if !d.sup.Stop(key) {
		return nil, fmt.Errorf("stream %s not found", key)
	}
	return map[string]any{"stream_key": key, "stopped": true}, nil
}

func (d *Dispatcher) getStatus() map[string]any {
	return map[string]any{
		"uptime_seconds":     int64(time.Since(d.startedAt).Seconds()),
		"streams":            d.sup.Statuses(),
		"onvif_listeners":    d.pool.Statuses(),
		"discovered_devices": d.store.Len(),
	}
}

func (d *Dispatcher) testONVIF(ctx context.Context, p map[string]any) (map[string]any, error) {
	ip := payloadString(p, "camera_ip", "ip")
	if ip == "" {
		return nil, errors.New("camera_ip is required")
	}
	port := payloadInt(p, 80, "camera_port", "port")
	user := payloadString(p, "username", "user")
	pass := payloadString(p, "password", "pass")

	client := onvif.NewClient(ip, port, user, pass, d.log)
	info, err := client.GetDeviceInformation(ctx)
	if err != nil {
		return nil, fmt.Errorf("onvif probe %s: %w", ip, err)
	}

	result := map[string]any{
		"reachable":        true,
		"manufacturer":     info.Manufacturer,
		"model":            info.Model,
		"firmware_version": info.FirmwareVersion,
		"serial_number":    info.SerialNumber,
	}
	if method, ok := client.AuthMethodInUse(); ok {
		result["auth_method"] = method.String()
	}
	if caps, err := client.CheckCapabilities(ctx); err == nil {
		result["basic_notification_interface"] = caps.BasicNotification
		result["pull_point"] = caps.PullPoint
		result["persistent_notification"] = caps.PersistentNotification
	}
	return result, nil
}

func (d *Dispatcher) startONVIFEvents(p map[string]any) (map[string]any, error) {
	ip := payloadString(p, "camera_ip", "ip")
	if ip == "" {
		return nil, errors.New("camera_ip is required")
	}
	port := payloadInt(p, 80, "camera_port", "port")
	user := payloadString(p, "username", "user")
	pass := payloadString(p, "password", "pass")

	if existed := d.pool.Add(d.runCtx, ip, port, user, pass); existed {
		return map[string]any{"camera_ip": ip, "already_listening": true}, nil
	}
	return map[string]any{"camera_ip": ip, "listening": true}, nil
}

func (d *Dispatcher) stopONVIFEvents(p map[string]any) (map[string]any, error) {
	ip := payloadString(p, "camera_ip", "ip")
	if ip == "" {
		return nil, errors.New("camera_ip is required")
	}
	return map[string]any{"camera_ip": ip, "stopped": d.pool.Remove(ip)}, nil
}

func (d *Dispatcher) getONVIFStatus() map[string]any {
	statuses := d.pool.Statuses()
	return map[string]any{
		"listeners": statuses,
		"count":     len(statuses),
	}
}

func (d *Dispatcher) scanNetwork(ctx context.Context, p map[string]any) (map[string]any, error) {
	cidr := payloadString(p, "network_range", "cidr", "range")
	if cidr == "" {
		return nil, errors.New("network_range is required")
	}
	workers := payloadInt(p, scan.DefaultWorkers, "workers")

	d.store.BeginScan()

	var (
		mu      sync.Mutex
		devices []scan.Device
		last    scan.Progress
	)
	err := d.scanner.Scan(ctx, d.userID(), cidr, workers,
		func(dev scan.Device) {
			d.store.Upsert(dev)
			mu.Lock()
			devices = append(devices, dev)
			mu.Unlock()
		},
		func(prog scan.Progress) {
			mu.Lock()
			last = prog
			mu.Unlock()
			d.log.Debug().Int("scanned", prog.Scanned).Int("total", prog.Total).
				Int("found", prog.Found).Msg("scan progress")
		})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return map[string]any{
		"devices": devices,
		"scanned": last.Scanned,
		"total":   last.Total,
		"found":   len(devices),
	}, nil
}

// StopUplinks cancels every uplink goroutine. Called during shutdown
// before the supervisor kills the transcoders.
func (d *Dispatcher) StopUplinks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, cancel := range d.uplinks {
		cancel()
		delete(d.uplinks, key)
	}
}

func payloadString(p map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := p[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// payloadInt reads a numeric field; JSON numbers decode as float64.
func payloadInt(p map[string]any, def int, keys ...string) int {
	for _, k := range keys {
		switch v := p[k].(type) {
		case float64:
			return int(v)
		case int:
			return v
		}
	}
	return def
}
