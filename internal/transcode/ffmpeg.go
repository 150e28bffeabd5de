package transcode

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// wellKnownPaths are checked after PATH so a bare install still works
// on hosts with a stripped environment.
func wellKnownPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
		}
	}
	return []string{
		"/usr/bin/ffmpeg",
		"/usr/local/bin/ffmpeg",
		"/opt/homebrew/bin/ffmpeg",
	}
}

// LocateFFmpeg resolves the ffmpeg binary: an explicit configured path
// wins, then PATH, then the usual install locations.
func LocateFFmpeg(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", fmt.Errorf("configured ffmpeg path %s: %w", configured, err)
		}
		return configured, nil
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, nil
	}
	for _, candidate := range wellKnownPaths() {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found on PATH or in well-known locations")
}

// transcodeArgs builds the pull-and-normalize pipeline: TCP interleave
// for the RTSP leg, H.264 baseline at a browser-safe pixel format, and
// raw Annex-B on stdout.
func transcodeArgs(rtspURL string) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-timeout", "5000000", // microseconds
		"-i", rtspURL,
		"-c:v", "libx264",
		"-profile:v", "baseline",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-b:v", "2M",
		"-g", "30",
		"-an",
		"-f", "h264",
		"pipe:1",
	}
}
