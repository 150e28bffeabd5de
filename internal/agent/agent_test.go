package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-edge/internal/cloud"
	"github.com/technosupport/ts-edge/internal/onvif"
	"github.com/technosupport/ts-edge/internal/rtsp"
	"github.com/technosupport/ts-edge/internal/scan"
	"github.com/technosupport/ts-edge/internal/transcode"
	"github.com/technosupport/ts-edge/internal/uplink"
)

type fakeReporter struct {
	mu      sync.Mutex
	reports []cloud.CommandResult
}

func (f *fakeReporter) ReportCommand(_ context.Context, _ string, result cloud.CommandResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, result)
	return nil
}

func (f *fakeReporter) statuses() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.reports))
	for i, r := range f.reports {
		out[i] = r.Status
	}
	return out
}

func (f *fakeReporter) last() cloud.CommandResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return cloud.CommandResult{}
	}
	return f.reports[len(f.reports)-1]
}

type fakeUploader struct {
	mu      sync.Mutex
	batches [][]onvif.Event
	fail    bool
}

func (f *fakeUploader) UploadEvents(_ context.Context, _ string, events []onvif.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("cloud unavailable")
	}
	batch := make([]onvif.Event, len(events))
	copy(batch, events)
	f.batches = append(f.batches, batch)
	return nil
}

func (f *fakeUploader) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.batches))
	for i, b := range f.batches {
		out[i] = len(b)
	}
	return out
}

func fakeFFmpeg(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nprintf data; sleep 60\n"), 0o755))
	return path
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeReporter) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sup, err := transcode.NewSupervisor(fakeFFmpeg(t), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(sup.StopAll)

	reporter := &fakeReporter{}
	pool := onvif.NewPool(zerolog.Nop(), nil)
	t.Cleanup(pool.StopAll)

	d := NewDispatcher(ctx, reporter,
		rtsp.NewProber(zerolog.Nop()),
		scan.NewScanner(zerolog.Nop()),
		scan.NewStore(),
		sup,
		uplink.NewStreamer("ws://127.0.0.1:1", zerolog.Nop()),
		pool,
		func() string { return "user-1" },
		zerolog.Nop())
	t.Cleanup(d.StopUplinks)
	return d, reporter
}

func TestHandleUnknownCommand(t *testing.T) {
	d, reporter := newTestDispatcher(t)
	d.Handle(context.Background(), cloud.Command{ID: "c1", Type: "reboot_planet"})

	assert.Equal(t, []string{"executing", "failed"}, reporter.statuses())
	assert.Contains(t, reporter.last().Error, "unknown command type")
}

func TestHandleGetStatus(t *testing.T) {
	d, reporter := newTestDispatcher(t)
	d.Handle(context.Background(), cloud.Command{ID: "c2", Type: "get_status"})

	assert.Equal(t, []string{"executing", "completed"}, reporter.statuses())
	result := reporter.last().Result
	assert.Contains(t, result, "uptime_seconds")
	assert.Contains(t, result, "streams")
	assert.Contains(t, result, "onvif_listeners")
	assert.Contains(t, result, "discovered_devices")
}

func TestStartStreamIsIdempotent(t *testing.T) {
	d, reporter := newTestDispatcher(t)
	payload := map[string]any{"stream_key": "cam-1", "rtsp_url": "rtsp://10.0.0.5/ch1"}

	d.Handle(context.Background(), cloud.Command{ID: "c3", Type: "start_stream", Payload: payload})
	require.Equal(t, "completed", reporter.last().Status)
	assert.Equal(t, "running", reporter.last().Result["state"])

	d.Handle(context.Background(), cloud.Command{ID: "c4", Type: "start_stream", Payload: payload})
	require.Equal(t, "completed", reporter.last().Status)
	assert.Equal(t, true, reporter.last().Result["already_running"])
}

func TestStopStreamNotFound(t *testing.T) {
	d, reporter := newTestDispatcher(t)
	d.Handle(context.Background(), cloud.Command{
		ID: "c5", Type: "stop_stream",
		Payload: map[string]any{"stream_key": "ghost"},
	})

	assert.Equal(t, []string{"executing", "failed"}, reporter.statuses())
	assert.Contains(t, reporter.last().Error, "not found")
}

func TestStopONVIFEventsWithoutListener(t *testing.T) {
	d, reporter := newTestDispatcher(t)
	d.Handle(context.Background(), cloud.Command{
		ID: "c6", Type: "stop_onvif_events",
		Payload: map[string]any{"camera_ip": "10.0.0.9"},
	})

	require.Equal(t, "completed", reporter.last().Status)
	assert.Equal(t, false, reporter.last().Result["stopped"])
}

func TestScanNetworkRequiresRange(t *testing.T) {
	d, reporter := newTestDispatcher(t)
	d.Handle(context.Background(), cloud.Command{ID: "c7", Type: "scan_network"})

	assert.Equal(t, "failed", reporter.last().Status)
	assert.Contains(t, reporter.last().Error, "network_range")
}

func TestCommandsRunOneAtATimeInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var order []string
	inFlight := 0
	handle := func(_ context.Context, cmd cloud.Command) {
		mu.Lock()
		inFlight++
		require.Equal(t, 1, inFlight, "two commands ran concurrently")
		order = append(order, cmd.ID)
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()
	}

	queue := make(chan cloud.Command, commandQueueDepth)
	go runCommands(ctx, queue, handle)

	for i := 0; i < 5; i++ {
		queue <- cloud.Command{ID: string(rune('a' + i)), Type: "get_status"}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
}

func TestPayloadHelpers(t *testing.T) {
	p := map[string]any{"camera_ip": "10.0.0.5", "camera_port": float64(8080), "empty": ""}

	assert.Equal(t, "10.0.0.5", payloadString(p, "ip", "camera_ip"))
	assert.Equal(t, "", payloadString(p, "missing", "empty"))
	assert.Equal(t, 8080, payloadInt(p, 80, "camera_port"))
	assert.Equal(t, 80, payloadInt(p, 80, "missing"))
}

func TestEventBufferFlushBatches(t *testing.T) {
	up := &fakeUploader{}
	b := NewEventBuffer(up, func() string { return "agent-1" }, zerolog.Nop())

	for i := 0; i < 60; i++ {
		b.Add(onvif.Event{CameraIP: "10.0.0.5", EventType: "motion_detection", Topic: "t"})
	}
	b.Flush(context.Background())

	assert.Equal(t, []int{50, 10}, up.batchSizes())
	assert.Zero(t, b.Len())
}

func TestEventBufferRequeuesOnFailure(t *testing.T) {
	up := &fakeUploader{fail: true}
	b := NewEventBuffer(up, func() string { return "agent-1" }, zerolog.Nop())

	b.Add(onvif.Event{EventType: "motion_detection"})
	b.Add(onvif.Event{EventType: "motion_detection"})
	b.Flush(context.Background())
	assert.Equal(t, 2, b.Len())

	up.mu.Lock()
	up.fail = false
	up.mu.Unlock()
	b.Flush(context.Background())
	assert.Zero(t, b.Len())
	assert.Equal(t, []int{2}, up.batchSizes())
}

func TestEventBufferCriticalFlushesImmediately(t *testing.T) {
	up := &fakeUploader{}
	b := NewEventBuffer(up, func() string { return "agent-1" }, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Add(onvif.Event{CameraIP: "10.0.0.5", EventType: "tampering", Topic: "tamper"})

	require.Eventually(t, func() bool {
		return len(up.batchSizes()) == 1
	}, 2*time.Second, 10*time.Millisecond, "critical event should flush without waiting for the timer")
}

func TestEventBufferDropsOldestWhenFull(t *testing.T) {
	up := &fakeUploader{fail: true}
	b := NewEventBuffer(up, func() string { return "agent-1" }, zerolog.Nop())

	for i := 0; i < bufferCapacity+10; i++ {
		b.Add(onvif.Event{EventType: "motion_detection"})
	}
	assert.Equal(t, bufferCapacity, b.Len())
}
