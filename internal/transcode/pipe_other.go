//go:build !unix

package transcode

import "time"

// Without poll(2) there is no way to peek a pipe; let the caller's
// read block instead.
func waitReadable(fd uintptr, timeout time.Duration) bool {
	return true
}
