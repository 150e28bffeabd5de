//go:build unix

package transcode

import (
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable polls the pipe for readability in 100ms slices until
// data arrives or the deadline passes.
func waitReadable(fd uintptr, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if n > 0 {
			return true
		}
		if err != nil && err != unix.EINTR {
			return false
		}
	}
	return false
}
