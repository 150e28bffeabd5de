package transcode

import (
	"bufio"
	"io"
	"strings"
	"sync"
)

const (
	stderrTailLines = 40
	diagnosisLimit  = 200
)

// stderrTail keeps the last lines of a process's stderr so a crash can
// be diagnosed after the fact without buffering unbounded output.
type stderrTail struct {
	mu    sync.Mutex
	lines []string
}

func newStderrTail(r io.Reader) *stderrTail {
	t := &stderrTail{}
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 4096), 64*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			t.mu.Lock()
			t.lines = append(t.lines, line)
			if len(t.lines) > stderrTailLines {
				t.lines = t.lines[len(t.lines)-stderrTailLines:]
			}
			t.mu.Unlock()
		}
	}()
	return t
}

func (t *stderrTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

// failurePatterns map fragments of ffmpeg stderr to operator-facing
// diagnoses. First match across the tail wins.
var failurePatterns = []struct {
	substr  string
	code    string
	message string
}{
	{"connection refused", "camera_offline", "connection refused: camera offline or wrong IP"},
	{"timed out", "no_response", "connection timed out: no response from camera"},
	{"401", "bad_credentials", "authentication failed: wrong username or password"},
	{"authentication", "bad_credentials", "authentication failed: wrong username or password"},
	{"404", "wrong_url", "stream path not found on camera"},
	{"not found", "wrong_url", "stream path not found on camera"},
	{"invalid data", "unsupported_format", "camera returned a stream ffmpeg could not decode"},
	{"no route to host", "network_unreachable", "no route to host: network unreachable"},
}

// diagnose turns a stderr tail into a (code, message) pair. With no
// recognized pattern the last line mentioning "error" is surfaced,
// truncated so command results stay small.
func diagnose(lines []string) (string, string) {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, p := range failurePatterns {
			if strings.Contains(lower, p.substr) {
				return p.code, p.message
			}
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		if strings.Contains(strings.ToLower(lines[i]), "error") {
			msg := lines[i]
			if len(msg) > diagnosisLimit {
				msg = msg[:diagnosisLimit]
			}
			return "transcoder_error", msg
		}
	}
	return "transcoder_exit", "transcoder exited without a diagnostic"
}
