package scan

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/technosupport/ts-edge/internal/metrics"
)

const (
	DefaultWorkers   = 50
	portProbeTimeout = 500 * time.Millisecond
	bannerTimeout    = 2 * time.Second
	bannerBodyLimit  = 2048
	progressStride   = 3
)

// cameraPorts is the fixed probe set. 554 is RTSP; 37777/8000/4520/88
// are proprietary vendor services; the rest are web UIs used for
// fingerprinting.
var cameraPorts = []uint16{554, 80, 8080, 37777, 8000, 443, 4520, 88}

// brandIndicatorPorts qualify a host as a camera even without RTSP.
var brandIndicatorPorts = map[uint16]bool{37777: true, 8000: true, 4520: true}

var fingerprintPorts = []uint16{80, 8080, 443, 88}

// Device is one discovered camera endpoint.
type Device struct {
	UserID           string    `json:"user_id"`
	IP               string    `json:"ip"`
	Brand            Brand     `json:"brand"`
	BrandName        string    `json:"brand_name"`
	Confidence       float64   `json:"confidence"`
	OpenPorts        []uint16  `json:"open_ports"`
	Templates        []string  `json:"rtsp_templates"`
	DefaultUsers     []string  `json:"default_users"`
	DefaultPasswords []string  `json:"default_passwords"`
	SuggestedURL     string    `json:"suggested_url"`
	DiscoveredAt     time.Time `json:"discovered_at"`
	ValidatedURL     string    `json:"validated_url,omitempty"`
	LastTestResult   string    `json:"last_test_result,omitempty"`
}

// Progress reports sweep completion. Emitted at start, at completion,
// and no more often than every three finished hosts in between.
type Progress struct {
	Scanned int  `json:"scanned"`
	Total   int  `json:"total"`
	Found   int  `json:"found"`
	Done    bool `json:"done"`
}

// Scanner sweeps a CIDR for camera endpoints.
type Scanner struct {
	log    zerolog.Logger
	client *http.Client

	running atomic.Bool
}

func NewScanner(log zerolog.Logger) *Scanner {
	return &Scanner{
		log: log,
		client: &http.Client{
			Timeout: bannerTimeout,
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true}, // cameras ship self-signed certs
				DisableKeepAlives: true,
				DialContext:       (&net.Dialer{Timeout: portProbeTimeout * 2}).DialContext,
			},
		},
	}
}

// Scan probes every host in cidr with a bounded worker pool and emits
// a Device for each qualifying endpoint. Only one sweep may run at a
// time; a second call fails immediately.
func (s *Scanner) Scan(ctx context.Context, userID, cidr string, workers int, onDevice func(Device), onProgress func(Progress)) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("a scan is already running")
	}
	defer s.running.Store(false)

	hosts, err := hostsFromCIDR(cidr)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("invalid").Inc()
		return err
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}

	s.log.Info().Str("cidr", cidr).Int("hosts", len(hosts)).Int("workers", workers).Msg("scan started")

	var (
		mu      sync.Mutex
		scanned int
		found   int
	)
	emit := func(done bool) {
		if onProgress == nil {
			return
		}
		onProgress(Progress{Scanned: scanned, Total: len(hosts), Found: found, Done: done})
	}
	mu.Lock()
	emit(false)
	mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, host := range hosts {
		host := host
		g.Go(func() error {
			// Cooperative cancellation, checked before any dialing.
			if gctx.Err() != nil {
				return gctx.Err()
			}

			dev, ok := s.probeHost(gctx, userID, host)

			mu.Lock()
			scanned++
			if ok {
				found++
			}
			if scanned%progressStride == 0 {
				emit(false)
			}
			mu.Unlock()

			if ok && onDevice != nil {
				onDevice(dev)
			}
			return nil
		})
	}

	err = g.Wait()
	mu.Lock()
	emit(true)
	mu.Unlock()

	if err != nil {
		metrics.ScansTotal.WithLabelValues("cancelled").Inc()
		return err
	}
	metrics.ScansTotal.WithLabelValues("completed").Inc()
	s.log.Info().Int("scanned", scanned).Int("found", found).Msg("scan finished")
	return nil
}

// probeHost port-probes one address and fingerprints it when it
// qualifies as a camera.
func (s *Scanner) probeHost(ctx context.Context, userID, host string) (Device, bool) {
	var open []uint16
	for _, port := range cameraPorts {
		if ctx.Err() != nil {
			return Device{}, false
		}
		addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
		conn, err := net.DialTimeout("tcp", addr, portProbeTimeout)
		if err != nil {
			continue
		}
		conn.Close()
		open = append(open, port)
	}

	if !qualifies(open) {
		return Device{}, false
	}

	brand, confidence := s.fingerprint(ctx, host, open)
	profile := profileFor(brand)

	dev := Device{
		UserID:           userID,
		IP:               host,
		Brand:            profile.Brand,
		BrandName:        profile.DisplayName,
		Confidence:       confidence,
		OpenPorts:        open,
		Templates:        profile.Templates,
		DefaultUsers:     profile.DefaultUsers,
		DefaultPasswords: profile.DefaultPasswords,
		DiscoveredAt:     time.Now(),
	}
	if len(profile.Templates) > 0 {
		dev.SuggestedURL = FillTemplate(profile.Templates[0], "admin", "admin", host)
	}

	s.log.Debug().Str("ip", host).Str("brand", string(dev.Brand)).
		Float64("confidence", confidence).Uints16("ports", open).Msg("camera found")
	return dev, true
}

func qualifies(open []uint16) bool {
	for _, p := range open {
		if p == 554 || brandIndicatorPorts[p] {
			return true
		}
	}
	return false
}

// fingerprint fetches / on each open web port and looks for vendor
// keywords in the body and Server header. A banner match wins with
// confidence 0.9; otherwise a characteristic port decides; otherwise
// the host stays generic at 0.3.
func (s *Scanner) fingerprint(ctx context.Context, host string, open []uint16) (Brand, float64) {
	openSet := map[uint16]bool{}
	for _, p := range open {
		openSet[p] = true
	}

	for _, port := range fingerprintPorts {
		if !openSet[port] {
			continue
		}
		banner, ok := s.fetchBanner(ctx, host, port)
		if !ok {
			continue
		}
		if brand, matched := matchBanner(banner); matched {
			return brand, 0.9
		}
	}

	for _, hint := range portBrandHints {
		if openSet[hint.port] {
			return hint.brand, hint.confidence
		}
	}
	return BrandGeneric, 0.3
}

func (s *Scanner) fetchBanner(ctx context.Context, host string, port uint16) (string, bool) {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s/", scheme, net.JoinHostPort(host, fmt.Sprintf("%d", port)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false
	}
	req.Header.Set("User-Agent", "ts-edge/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, bannerBodyLimit))
	var b strings.Builder
	b.WriteString(resp.Header.Get("Server"))
	b.WriteString("\n")
	b.Write(body)
	return b.String(), true
}

// hostsFromCIDR expands an IPv4 CIDR, skipping the network and
// broadcast addresses for prefixes shorter than /31.
func hostsFromCIDR(cidr string) ([]string, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	ip4 := ipnet.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("only IPv4 ranges are supported: %s", cidr)
	}

	ones, bits := ipnet.Mask.Size()
	total := 1 << (bits - ones)

	base := binary.BigEndian.Uint32(ip4)
	var hosts []string
	for i := 0; i < total; i++ {
		if total > 2 && (i == 0 || i == total-1) {
			continue // network / broadcast
		}
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], base+uint32(i))
		hosts = append(hosts, net.IP(buf[:]).String())
	}
	sort.Strings(hosts)
	return hosts, nil
}
