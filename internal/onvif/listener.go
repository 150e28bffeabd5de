package onvif

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-edge/internal/metrics"
)

const (
	pollInterval = 1 * time.Second
	// After this many consecutive failed polls the camera gets a
	// cooldown before we try a fresh subscription.
	failureBudget   = 5
	failureCooldown = 60 * time.Second
	stopTimeout     = 5 * time.Second
)

// ListenerState is the lifecycle of one camera's event loop.
type ListenerState string

const (
	StateConnecting ListenerState = "connecting"
	StateListening  ListenerState = "listening"
	StateError      ListenerState = "error"
	StateStopped    ListenerState = "stopped"
)

// ListenerStatus is a point-in-time snapshot for status commands and
// heartbeats.
type ListenerStatus struct {
	CameraIP       string    `json:"camera_ip"`
	State          string    `json:"state"`
	AuthMethod     string    `json:"auth_method,omitempty"`
	EventsReceived int64     `json:"events_received"`
	LastEventAt    time.Time `json:"last_event_at,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
}

// Listener runs the pull-point polling loop for one camera and hands
// normalized events to the sink.
type Listener struct {
	client *Client
	dedup  *Deduper
	sink   func(Event)
	log    zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status ListenerStatus
}

func NewListener(client *Client, sink func(Event)) *Listener {
	return &Listener{
		client: client,
		dedup:  NewDeduper(),
		sink:   sink,
		log:    client.log.With().Str("component", "onvif-listener").Logger(),
		done:   make(chan struct{}),
		status: ListenerStatus{
			CameraIP:  client.Host,
			State:     string(StateConnecting),
			StartedAt: time.Now(),
		},
	}
}

// Start launches the polling loop. It returns immediately; state is
// observable through Status.
func (l *Listener) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	metrics.ActiveListeners.Inc()
	go l.run(ctx)
}

// Stop cancels the loop and waits for it to drain, bounded so a hung
// SOAP call cannot stall shutdown.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	select {
	case <-l.done:
	case <-time.After(stopTimeout):
		l.log.Warn().Msg("listener did not stop in time")
	}
}

func (l *Listener) Status() ListenerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.status
	if method, ok := l.client.AuthMethodInUse(); ok {
		st.AuthMethod = method.String()
	}
	return st
}

func (l *Listener) setState(state ListenerState, errMsg string) {
	l.mu.Lock()
	l.status.State = string(state)
	l.status.LastError = errMsg
	l.mu.Unlock()
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer metrics.ActiveListeners.Dec()
	defer l.setState(StateStopped, "")

	for ctx.Err() == nil {
		sub, err := Subscribe(ctx, l.client)
		if err != nil {
			if errors.Is(err, ErrSubscriptionLimit) {
				l.log.Error().Err(err).Msg("subscription limit reached, giving up")
				l.setState(StateError, err.Error())
				return
			}
			if ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Msg("subscribe failed, cooling down")
			l.setState(StateError, err.Error())
			if !sleepCtx(ctx, failureCooldown) {
				return
			}
			continue
		}

		l.setState(StateListening, "")
		l.log.Info().Str("address", sub.Address).Msg("listening for events")

		if !l.poll(ctx, sub) {
			return
		}
		// poll returned because the subscription died or the failure
		// budget ran out; loop back to a fresh subscription.
	}
}

// poll drives one subscription until it goes stale or fails too many
// times. Returns false only on context cancellation.
func (l *Listener) poll(ctx context.Context, sub *Subscription) bool {
	failures := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			unsubCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			_ = sub.Unsubscribe(unsubCtx)
			cancel()
			return false
		case <-ticker.C:
		}

		// Cameras are unreliable about honoring Renew, so near the end
		// of the subscription's lifetime we drop it and create a fresh
		// one instead of extending it.
		if sub.Expiring() {
			l.log.Info().Msg("subscription near expiry, recreating")
			unsubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = sub.Unsubscribe(unsubCtx)
			cancel()
			return true
		}

		msgs, err := sub.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, ErrStaleSubscription) {
				l.log.Info().Msg("subscription stale, recreating")
				return true
			}
			failures++
			l.log.Warn().Err(err).Int("failures", failures).Msg("pull failed")
			if failures >= failureBudget {
				l.setState(StateError, err.Error())
				if !sleepCtx(ctx, failureCooldown) {
					return false
				}
				return true
			}
			continue
		}
		failures = 0
		l.setState(StateListening, "")

		for _, msg := range msgs {
			ev := parseNotification(l.client.Host, msg)
			if !l.dedup.Admit(ev) {
				metrics.EventsSuppressed.Inc()
				continue
			}
			l.mu.Lock()
			l.status.EventsReceived++
			l.status.LastEventAt = time.Now()
			l.mu.Unlock()
			metrics.EventsPublished.WithLabelValues(ev.EventType).Inc()
			if l.sink != nil {
				l.sink(ev)
			}
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
