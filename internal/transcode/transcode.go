package transcode

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/metrics"
)

const (
	// How long a fresh process gets before we decide whether the spawn
	// stuck. Immediate failures (bad URL, refused connection) surface
	// inside this window.
	alivenessDelay = 500 * time.Millisecond
	killGrace      = 5 * time.Second
)

// State is the lifecycle of one transcode stream.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
	StateStopped  State = "stopped"
)

// Status is a point-in-time snapshot of a stream for status commands.
type Status struct {
	Key       string    `json:"stream_key"`
	RTSPURL   string    `json:"rtsp_url"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Bytes     int64     `json:"bytes_out"`
	StartedAt time.Time `json:"started_at"`
}

// Stream is one running ffmpeg pipeline. Read pulls Annex-B H.264
// from the process stdout, counting bytes as they pass.
type Stream struct {
	Key     string
	RTSPURL string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	tail   *stderrTail
	log    zerolog.Logger

	waitErr chan error
	bytes   atomic.Int64

	mu        sync.Mutex
	state     State
	errCode   string
	errMsg    string
	startedAt time.Time
}

func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if n > 0 {
		s.bytes.Add(int64(n))
		metrics.StreamBytes.WithLabelValues(s.Key).Add(float64(n))
	}
	return n, err
}

// WaitForData blocks until stdout has bytes to read, polling the pipe
// every 100ms, bounded by timeout.
func (s *Stream) WaitForData(timeout time.Duration) bool {
	type fder interface{ Fd() uintptr }
	f, ok := s.stdout.(fder)
	if !ok {
		return true
	}
	return waitReadable(f.Fd(), timeout)
}

func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Key:       s.Key,
		RTSPURL:   s.RTSPURL,
		State:     string(s.state),
		Error:     s.errMsg,
		ErrorCode: s.errCode,
		Bytes:     s.bytes.Load(),
		StartedAt: s.startedAt,
	}
}

func (s *Stream) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Stream) setError(code, msg string) {
	s.mu.Lock()
	s.state = StateError
	s.errCode = code
	s.errMsg = msg
	s.mu.Unlock()
}

// Alive reports whether the process is still running.
func (s *Stream) Alive() bool {
	select {
	case err := <-s.waitErr:
		// Put it back for stop() to consume.
		s.waitErr <- err
		return false
	default:
		return true
	}
}

// stop terminates the process: polite signal first, hard kill when it
// lingers past the grace period.
func (s *Stream) stop() {
	if s.cmd.Process == nil {
		s.stdout.Close()
		s.setState(StateStopped)
		return
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = s.cmd.Process.Kill()
	}
	select {
	case <-s.waitErr:
	case <-time.After(killGrace):
		s.log.Warn().Msg("transcoder ignored SIGTERM, killing")
		_ = s.cmd.Process.Kill()
		<-s.waitErr
	}
	s.stdout.Close()
	s.setState(StateStopped)
}

// Supervisor owns the ffmpeg processes, one per stream key.
type Supervisor struct {
	ffmpegPath string
	log        zerolog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

func NewSupervisor(ffmpegPath string, log zerolog.Logger) (*Supervisor, error) {
	resolved, err := LocateFFmpeg(ffmpegPath)
	if err != nil {
		return nil, err
	}
	log.Info().Str("ffmpeg", resolved).Msg("transcoder ready")
	return &Supervisor{
		ffmpegPath: resolved,
		log:        log.With().Str("component", "transcode").Logger(),
		streams:    make(map[string]*Stream),
	}, nil
}

// ErrAlreadyRunning marks an idempotent start: the stream exists and
// is healthy, nothing was spawned.
var ErrAlreadyRunning = fmt.Errorf("stream already running")

// Start spawns ffmpeg for the stream key. A key with a live process
// returns ErrAlreadyRunning; a key whose process died is replaced.
// The key is reserved under the lock before anything spawns, so two
// concurrent starts for the same key cannot both pass the existence
// check. The aliveness window means spawn failures surface here, not
// later.
func (sup *Supervisor) Start(key, rtspURL string) (*Stream, error) {
	cmd := exec.Command(sup.ffmpegPath, transcodeArgs(rtspURL)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	s := &Stream{
		Key:       key,
		RTSPURL:   rtspURL,
		cmd:       cmd,
		stdout:    stdout,
		tail:      newStderrTail(stderr),
		log:       sup.log.With().Str("stream", key).Logger(),
		waitErr:   make(chan error, 1),
		state:     StateStarting,
		startedAt: time.Now(),
	}

	sup.mu.Lock()
	if existing, ok := sup.streams[key]; ok {
		if existing.Alive() {
			sup.mu.Unlock()
			stdout.Close()
			return existing, ErrAlreadyRunning
		}
		delete(sup.streams, key)
		existing.stdout.Close()
		metrics.ActiveStreams.Dec()
	}
	sup.streams[key] = s
	sup.mu.Unlock()

	if err := cmd.Start(); err != nil {
		sup.remove(key)
		return nil, fmt.Errorf("spawn ffmpeg: %w", err)
	}
	go func() { s.waitErr <- cmd.Wait() }()

	time.Sleep(alivenessDelay)
	if !s.Alive() {
		code, msg := diagnose(s.tail.snapshot())
		s.setError(code, msg)
		sup.remove(key)
		s.log.Warn().Str("code", code).Str("diagnosis", msg).Msg("transcoder died at startup")
		return nil, fmt.Errorf("%s: %s", code, msg)
	}

	s.setState(StateRunning)
	metrics.ActiveStreams.Inc()
	s.log.Info().Msg("transcoder started")
	return s, nil
}

func (sup *Supervisor) remove(key string) {
	sup.mu.Lock()
	delete(sup.streams, key)
	sup.mu.Unlock()
}

// Stop terminates the stream. The bool reports whether it existed.
func (sup *Supervisor) Stop(key string) bool {
	sup.mu.Lock()
	s, ok := sup.streams[key]
	delete(sup.streams, key)
	sup.mu.Unlock()

	if !ok {
		return false
	}
	s.stop()
	metrics.ActiveStreams.Dec()
	s.log.Info().Int64("bytes", s.bytes.Load()).Msg("transcoder stopped")
	return true
}

func (sup *Supervisor) Get(key string) (*Stream, bool) {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	s, ok := sup.streams[key]
	return s, ok
}

// Statuses snapshots every stream. Dead processes are reported with
// their diagnosis rather than silently dropped.
func (sup *Supervisor) Statuses() []Status {
	sup.mu.Lock()
	defer sup.mu.Unlock()
	out := make([]Status, 0, len(sup.streams))
	for _, s := range sup.streams {
		st := s.Status()
		if st.State == string(StateRunning) && !s.Alive() {
			code, msg := diagnose(s.tail.snapshot())
			s.setError(code, msg)
			st = s.Status()
		}
		out = append(out, st)
	}
	return out
}

func (sup *Supervisor) StopAll() {
	sup.mu.Lock()
	keys := make([]string, 0, len(sup.streams))
	for k := range sup.streams {
		keys = append(keys, k)
	}
	sup.mu.Unlock()
	for _, k := range keys {
		sup.Stop(k)
	}
}
