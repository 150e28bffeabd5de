package onvif

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/beevik/etree"
	"github.com/rs/zerolog"
)

const soapTimeout = 10 * time.Second

// AuthMethod is one way of authenticating a SOAP call to a camera.
type AuthMethod int

const (
	AuthHTTPDigest AuthMethod = iota // HTTP Digest only
	AuthHTTPDigestWSS                // HTTP Digest plus UsernameToken (PasswordDigest)
	AuthWSSDigest                    // UsernameToken with PasswordDigest
	AuthWSSText                      // UsernameToken with PasswordText
	AuthNone
)

func (m AuthMethod) String() string {
	switch m {
	case AuthHTTPDigest:
		return "http_digest"
	case AuthHTTPDigestWSS:
		return "http_digest+wss_digest"
	case AuthWSSDigest:
		return "wss_digest"
	case AuthWSSText:
		return "wss_text"
	default:
		return "none"
	}
}

// authMethodOrder is the discovery sequence. The first method that
// yields a non-fault 200 is cached and reused for the camera.
var authMethodOrder = []AuthMethod{AuthHTTPDigest, AuthHTTPDigestWSS, AuthWSSDigest, AuthWSSText, AuthNone}

// authState is the per-camera negotiation state machine:
// discovering → established(method), or exhausted when every method
// was rejected.
type authState struct {
	established bool
	exhausted   bool
	method      AuthMethod
}

// Client speaks SOAP 1.2 to a single camera. A dedicated HTTP client
// per camera keeps TCP connections warm across the polling loop.
type Client struct {
	Host     string
	Port     int
	Username string
	Password string

	http *http.Client
	log  zerolog.Logger

	mu     sync.Mutex
	state  authState
	digest *digestChallenge
}

func NewClient(host string, port int, username, password string, log zerolog.Logger) *Client {
	if port <= 0 {
		port = 80
	}
	return &Client{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		http:     &http.Client{Timeout: soapTimeout},
		log:      log.With().Str("camera", host).Logger(),
	}
}

func (c *Client) DeviceServiceURL() string {
	return fmt.Sprintf("http://%s:%d/onvif/device_service", c.Host, c.Port)
}

func (c *Client) EventServiceURL() string {
	return fmt.Sprintf("http://%s:%d/onvif/event_service", c.Host, c.Port)
}

// AuthMethodInUse reports the negotiated method, if any.
func (c *Client) AuthMethodInUse() (AuthMethod, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.method, c.state.established
}

// Call executes one SOAP action. While the auth state is still
// discovering, methods are tried in order and the first one accepted
// by the camera is cached; afterwards the cached method is used
// directly.
func (c *Client) Call(ctx context.Context, serviceURL, action string, body *etree.Element) (*etree.Document, error) {
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	if st.established {
		return c.callWith(ctx, st.method, serviceURL, action, body)
	}
	if st.exhausted {
		return nil, fmt.Errorf("camera %s rejected every authentication method", c.Host)
	}

	var lastErr error
	for _, method := range authMethodOrder {
		doc, err := c.callWith(ctx, method, serviceURL, action, body)
		if err == nil {
			c.mu.Lock()
			c.state = authState{established: true, method: method}
			c.mu.Unlock()
			c.log.Debug().Stringer("auth", method).Msg("auth method negotiated")
			return doc, nil
		}

		if isAuthRejection(err) {
			lastErr = err
			continue
		}
		return nil, err
	}

	c.mu.Lock()
	c.state.exhausted = true
	c.mu.Unlock()
	return nil, fmt.Errorf("authentication exhausted: %w", lastErr)
}

// callWith performs a single request with one concrete method,
// handling the HTTP Digest challenge round-trip when the method asks
// for it.
func (c *Client) callWith(ctx context.Context, method AuthMethod, serviceURL, action string, body *etree.Element) (*etree.Document, error) {
	var tok *securityToken
	switch method {
	case AuthHTTPDigestWSS, AuthWSSDigest:
		tok = &securityToken{username: c.Username, password: c.Password, digest: true}
	case AuthWSSText:
		tok = &securityToken{username: c.Username, password: c.Password, digest: false}
	}

	useHTTPDigest := method == AuthHTTPDigest || method == AuthHTTPDigestWSS

	env := buildEnvelope(serviceURL, action, body.Copy(), tok)
	payload, err := env.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("render envelope: %w", err)
	}

	resp, respBody, err := c.post(ctx, serviceURL, action, payload, useHTTPDigest, false)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && useHTTPDigest {
		if ch := parseDigestChallenge(resp.Header.Get("WWW-Authenticate")); ch != nil {
			c.mu.Lock()
			c.digest = ch
			c.mu.Unlock()
			resp, respBody, err = c.post(ctx, serviceURL, action, payload, true, true)
			if err != nil {
				return nil, err
			}
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errHTTPUnauthorized
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(respBody); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("http %d from %s", resp.StatusCode, serviceURL)
		}
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if f := parseFault(doc); f != nil {
		return nil, f
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d from %s", resp.StatusCode, serviceURL)
	}
	return doc, nil
}

func (c *Client) post(ctx context.Context, serviceURL, action, payload string, withDigest, forceDigest bool) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURL, bytes.NewBufferString(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", fmt.Sprintf(`application/soap+xml; charset=utf-8; action="%s"`, action))

	if withDigest {
		c.mu.Lock()
		ch := c.digest
		c.mu.Unlock()
		if ch != nil {
			u, _ := url.Parse(serviceURL)
			req.Header.Set("Authorization", ch.authorize("POST", u.RequestURI(), c.Username, c.Password))
		} else if forceDigest {
			return nil, nil, fmt.Errorf("no digest challenge cached for %s", c.Host)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("soap request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, data, nil
}

var errHTTPUnauthorized = fmt.Errorf("http 401 unauthorized")

// isAuthRejection decides whether an error means "try the next auth
// method" rather than a hard failure.
func isAuthRejection(err error) bool {
	if err == errHTTPUnauthorized {
		return true
	}
	if f, ok := err.(*fault); ok {
		return f.isAuthFailure()
	}
	return false
}

// digestChallenge caches an HTTP Digest challenge (RFC 2617) for
// reuse across SOAP calls on the same camera.
type digestChallenge struct {
	realm  string
	nonce  string
	opaque string
	qop    string
	mu     sync.Mutex
	nc     int
}

func parseDigestChallenge(header string) *digestChallenge {
	scheme, rest, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "Digest") {
		return nil
	}
	params := map[string]string{}
	for _, part := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	if params["realm"] == "" || params["nonce"] == "" {
		return nil
	}
	return &digestChallenge{
		realm:  params["realm"],
		nonce:  params["nonce"],
		opaque: params["opaque"],
		qop:    params["qop"],
	}
}

func (d *digestChallenge) authorize(httpMethod, uri, username, password string) string {
	ha1 := md5Hex(fmt.Sprintf("%s:%s:%s", username, d.realm, password))
	ha2 := md5Hex(httpMethod + ":" + uri)

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s"`,
		username, d.realm, d.nonce, uri)

	if strings.Contains(d.qop, "auth") {
		d.mu.Lock()
		d.nc++
		nc := fmt.Sprintf("%08x", d.nc)
		d.mu.Unlock()
		cnonce := newNonceHex()
		resp := md5Hex(fmt.Sprintf("%s:%s:%s:%s:auth:%s", ha1, d.nonce, nc, cnonce, ha2))
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s", response="%s"`, nc, cnonce, resp)
	} else {
		resp := md5Hex(fmt.Sprintf("%s:%s:%s", ha1, d.nonce, ha2))
		fmt.Fprintf(&b, `, response="%s"`, resp)
	}
	if d.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, d.opaque)
	}
	return b.String()
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newNonceHex() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
