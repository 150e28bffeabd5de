package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const userAgent = "ts-edge/1.0"

// Result is the outcome of a single RTSP probe.
type Result struct {
	OK           bool
	Code         string // ok, invalid_url, timeout, connection_refused, auth_required, auth_failed, not_found, access_denied, status_<N>, error
	Message      string
	RequiresAuth bool
	AuthType     string // "Basic" or "Digest" when an auth retry was made
	StatusCode   int
	RTT          time.Duration
}

// Prober issues RTSP DESCRIBE requests over a single TCP connection.
// Many camera firmwares bind the Digest nonce to the connection, so
// the authenticated retry must reuse the socket of the challenge.
type Prober struct {
	log zerolog.Logger
}

func NewProber(log zerolog.Logger) *Prober {
	return &Prober{log: log}
}

// Probe sends DESCRIBE (CSeq 1) and, on a 401 challenge with
// credentials present in the URL, retries once on the same socket
// (CSeq 2) with a Basic or Digest Authorization header.
func (p *Prober) Probe(rawURL string, timeout time.Duration) Result {
	start := time.Now()

	target, err := parseTarget(rawURL)
	if err != nil {
		return Result{Code: "invalid_url", Message: err.Error()}
	}

	if timeout <= 0 {
		return Result{Code: "timeout", Message: "probe timed out"}
	}
	deadline := start.Add(timeout)

	conn, err := net.DialTimeout("tcp", target.addr(), timeout)
	if err != nil {
		if isTimeout(err) {
			return Result{Code: "timeout", Message: "connection timed out"}
		}
		return Result{Code: "connection_refused", Message: err.Error()}
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	rd := bufio.NewReader(conn)

	resp, err := p.describe(conn, rd, target, 1, "")
	if err != nil {
		return errorResult(err)
	}

	switch {
	case resp.status == 200:
		return Result{OK: true, Code: "ok", Message: "stream described", StatusCode: 200, RTT: time.Since(start)}
	case resp.status == 401 && target.username == "":
		return Result{Code: "auth_required", Message: "authentication required", RequiresAuth: true, StatusCode: 401, RTT: time.Since(start)}
	case resp.status == 401:
		// Authenticated retry on the same socket.
		authType, header, err := buildAuthorization(resp.wwwAuthenticate, target)
		if err != nil {
			return Result{Code: "auth_failed", Message: err.Error(), RequiresAuth: true, StatusCode: 401}
		}
		retry, err := p.describe(conn, rd, target, 2, header)
		if err != nil {
			return errorResult(err)
		}
		if retry.status == 200 {
			return Result{OK: true, Code: "ok", Message: "stream described (authenticated)",
				RequiresAuth: true, AuthType: authType, StatusCode: 200, RTT: time.Since(start)}
		}
		if retry.status == 401 || retry.status == 403 {
			return Result{Code: "auth_failed", Message: "credentials rejected",
				RequiresAuth: true, AuthType: authType, StatusCode: retry.status, RTT: time.Since(start)}
		}
		return statusResult(retry.status, time.Since(start))
	default:
		return statusResult(resp.status, time.Since(start))
	}
}

type response struct {
	status          int
	wwwAuthenticate string
}

func (p *Prober) describe(conn net.Conn, rd *bufio.Reader, t *target, cseq int, authorization string) (*response, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "DESCRIBE %s RTSP/1.0\r\n", t.requestURI())
	fmt.Fprintf(&b, "CSeq: %d\r\n", cseq)
	fmt.Fprintf(&b, "User-Agent: %s\r\n", userAgent)
	b.WriteString("Accept: application/sdp\r\n")
	if authorization != "" {
		fmt.Fprintf(&b, "Authorization: %s\r\n", authorization)
	}
	b.WriteString("\r\n")

	if _, err := conn.Write([]byte(b.String())); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return readResponse(rd)
}

// readResponse consumes the status line and headers of one RTSP
// response. The body (SDP) is left unread; the prober never needs it.
func readResponse(rd *bufio.Reader) (*response, error) {
	statusLine, err := rd.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "RTSP/") {
		return nil, fmt.Errorf("malformed status line %q", strings.TrimSpace(statusLine))
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("malformed status code %q", parts[1])
	}

	resp := &response{status: status}
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			if strings.EqualFold(strings.TrimSpace(k), "WWW-Authenticate") {
				resp.wwwAuthenticate = strings.TrimSpace(v)
			}
		}
	}
	return resp, nil
}

type target struct {
	host     string
	port     string
	path     string // path plus query, "/" when absent
	username string
	password string
}

func parseTarget(rawURL string) (*target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid RTSP URL: %w", err)
	}
	if u.Scheme != "rtsp" || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid RTSP URL %q", rawURL)
	}

	t := &target{host: u.Hostname(), port: u.Port(), path: u.RequestURI()}
	if t.port == "" {
		t.port = "554"
	}
	if t.path == "" {
		t.path = "/"
	}
	if u.User != nil {
		t.username = u.User.Username()
		t.password, _ = u.User.Password()
	}
	return t, nil
}

func (t *target) addr() string {
	return net.JoinHostPort(t.host, t.port)
}

// requestURI is the absolute URI used on the request line, without
// credentials. The Digest header uses the path only; common firmware
// rejects the absolute form inside the header.
func (t *target) requestURI() string {
	return fmt.Sprintf("rtsp://%s:%s%s", t.host, t.port, t.path)
}

func statusResult(status int, rtt time.Duration) Result {
	switch status {
	case 403:
		return Result{Code: "access_denied", Message: "access denied", StatusCode: status, RTT: rtt}
	case 404:
		return Result{Code: "not_found", Message: "stream path not found", StatusCode: status, RTT: rtt}
	default:
		return Result{Code: fmt.Sprintf("status_%d", status), Message: fmt.Sprintf("unexpected status %d", status), StatusCode: status, RTT: rtt}
	}
}

func errorResult(err error) Result {
	if isTimeout(err) {
		return Result{Code: "timeout", Message: "probe timed out"}
	}
	return Result{Code: "error", Message: err.Error()}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
