package scan

import (
	"sync"
	"time"
)

// Store holds the device records discovered for one agent. Records
// are keyed by IP (the agent serves a single user), created by scans,
// mutated only by credential-save and RTSP-test commands, and wiped
// when a new scan begins.
type Store struct {
	mu            sync.Mutex
	devices       map[string]Device
	scanStartedAt time.Time
}

func NewStore() *Store {
	return &Store{devices: make(map[string]Device)}
}

// BeginScan deletes all prior records and stamps the sweep start.
func (s *Store) BeginScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[string]Device)
	s.scanStartedAt = time.Now()
}

func (s *Store) Upsert(d Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.IP] = d
}

func (s *Store) Get(ip string) (Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[ip]
	return d, ok
}

// SetValidated records a working RTSP URL for a device, if known.
func (s *Store) SetValidated(ip, rtspURL, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[ip]
	if !ok {
		return
	}
	if rtspURL != "" {
		d.ValidatedURL = rtspURL
	}
	d.LastTestResult = outcome
	s.devices[ip] = d
}

func (s *Store) List() []Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}
