// Package capture launches and supervises FFmpeg processes that record a
// camera stream (RTSP, MJPEG or plain HTTP) to a local MP4 file.
package capture

import (
	"strings"
	"time"
)

// SourceKind selects the protocol-specific FFmpeg input flags.
type SourceKind string

const (
	SourceRTSP    SourceKind = "rtsp"
	SourceMJPEG   SourceKind = "mjpeg"
	SourceGeneric SourceKind = "generic"
)

// DetectSourceKind guesses the source kind from a camera URL.
func DetectSourceKind(url string) SourceKind {
	lower := strings.ToLower(url)
	switch {
	case strings.HasPrefix(lower, "rtsp://"), strings.HasPrefix(lower, "rtsps://"):
		return SourceRTSP
	case strings.Contains(lower, ".mjpg"), strings.Contains(lower, ".mjpeg"), strings.Contains(lower, "mjpeg"):
		return SourceMJPEG
	default:
		return SourceGeneric
	}
}

// QualityPreset maps a named quality level to encoder knobs.
type QualityPreset struct {
	CRF     string
	Preset  string
	Scale   string
	FPS     int
	Bitrate string
}

var qualityPresets = map[string]QualityPreset{
	"low":    {CRF: "28", Preset: "veryfast", Scale: "854:480", FPS: 15, Bitrate: "500k"},
	"medium": {CRF: "23", Preset: "fast", Scale: "1280:720", FPS: 25, Bitrate: "1500k"},
	"high":   {CRF: "18", Preset: "medium", Scale: "1920:1080", FPS: 30, Bitrate: "3000k"},
}

// PresetFor returns the preset for a quality name, falling back to medium.
func PresetFor(quality string) QualityPreset {
	if p, ok := qualityPresets[strings.ToLower(quality)]; ok {
		return p
	}
	return qualityPresets["medium"]
}

// StartParams describes one capture process.
type StartParams struct {
	SourceURL   string
	SourceKind  SourceKind
	OutputPath  string
	Quality     string
	MaxDuration time.Duration
	// OnLine receives each FFmpeg diagnostic line as it is drained.
	OnLine func(line string)
}

// MediaInfo is the result of probing a finished file.
type MediaInfo struct {
	Duration float64 // seconds
	Size     int64
	Width    int
	Height   int
	FPS      float64
	Bitrate  int64
	Codec    string
}

// StartError means the capture tool failed to launch or died during the
// startup grace period. Diag carries whatever stderr it produced.
type StartError struct {
	Diag string
	Err  error
}

func (e *StartError) Error() string {
	if e.Diag != "" {
		return "capture start failed: " + e.Diag
	}
	return "capture start failed: " + e.Err.Error()
}

func (e *StartError) Unwrap() error { return e.Err }

// ProcessHandle is one live capture process. Stop is safe to call on an
// already-exited process.
type ProcessHandle interface {
	PID() int
	Running() bool
	// Stop requests a graceful shutdown and waits up to timeout, then
	// force-kills. Returns whether the stop was graceful.
	Stop(timeout time.Duration) bool
	// ExitErr returns the process exit error once it has stopped running.
	ExitErr() error
	// LastLine returns the most recent diagnostic line seen on stderr.
	LastLine() string
}
