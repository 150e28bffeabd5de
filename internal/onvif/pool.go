package onvif

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Pool owns one listener per camera IP. Adding a camera that already
// has a listener is a no-op so repeated start commands stay idempotent.
type Pool struct {
	log  zerolog.Logger
	sink func(Event)

	mu        sync.Mutex
	listeners map[string]*Listener
}

func NewPool(log zerolog.Logger, sink func(Event)) *Pool {
	return &Pool{
		log:       log.With().Str("component", "onvif-pool").Logger(),
		sink:      sink,
		listeners: make(map[string]*Listener),
	}
}

// Add starts a listener for the camera unless one is already running.
// The bool reports whether a listener existed before the call.
func (p *Pool) Add(ctx context.Context, host string, port int, username, password string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.listeners[host]; ok {
		return true
	}

	client := NewClient(host, port, username, password, p.log)
	l := NewListener(client, p.sink)
	p.listeners[host] = l
	l.Start(ctx)
	p.log.Info().Str("camera", host).Msg("event listener started")
	return false
}

// Remove stops and forgets the camera's listener. The bool reports
// whether one existed.
func (p *Pool) Remove(host string) bool {
	p.mu.Lock()
	l, ok := p.listeners[host]
	delete(p.listeners, host)
	p.mu.Unlock()

	if !ok {
		return false
	}
	l.Stop()
	p.log.Info().Str("camera", host).Msg("event listener stopped")
	return true
}

// Statuses snapshots every listener for heartbeats and status
// commands.
func (p *Pool) Statuses() []ListenerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ListenerStatus, 0, len(p.listeners))
	for _, l := range p.listeners {
		out = append(out, l.Status())
	}
	return out
}

func (p *Pool) Status(host string) (ListenerStatus, bool) {
	p.mu.Lock()
	l, ok := p.listeners[host]
	p.mu.Unlock()
	if !ok {
		return ListenerStatus{}, false
	}
	return l.Status(), true
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners)
}

// StopAll drains every listener. Used on shutdown; stops run
// sequentially since each is bounded by the stop timeout.
func (p *Pool) StopAll() {
	p.mu.Lock()
	listeners := make([]*Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.listeners = make(map[string]*Listener)
	p.mu.Unlock()

	for _, l := range listeners {
		l.Stop()
	}
}
