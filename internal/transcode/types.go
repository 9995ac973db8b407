// Package transcode drives ffprobe and ffmpeg to turn a source file into an
// HLS rendition ladder plus a poster thumbnail.
package transcode

import (
	"errors"
	"fmt"
	"strings"
)

// Rendition describes one output profile in the encoding ladder.
//
// Every rendition is scaled from the same decoded source, so the ladder is
// produced by a single encoder invocation. Renditions are written to
// stream_{n}.m3u8 where n is the rendition's index in the ladder.
type Rendition struct {
	// Name is a human label ("1080p") used in logs and metrics.
	Name string `json:"name"`

	// Width and Height are the target frame size. The source is scaled to
	// exactly this size; it is not clamped to the source resolution.
	Width  int `json:"width"`
	Height int `json:"height"`

	// BitrateKbps is the target video bitrate in kilobits per second.
	BitrateKbps int `json:"bitrateKbps"`
}

// DefaultLadder is the fixed three-step ladder: 1080p at 5 Mbps, 720p at
// 3 Mbps and 480p at 1 Mbps.
func DefaultLadder() []Rendition {
	return []Rendition{
		{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
		{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 3000},
		{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1000},
	}
}

// ProbeResult summarises what ffprobe reported about a source file.
type ProbeResult struct {
	// DurationSeconds is the container duration, or 0 when ffprobe did not
	// report a usable value.
	DurationSeconds float64
	HasAudio        bool
	// StreamsKnown is set when ffprobe listed the source's streams. When it
	// is false HasAudio carries no information and Encode detects audio
	// itself.
	StreamsKnown    bool
	Width           int
	Height          int
}

// WholeSeconds converts a probed duration to the whole-second value stored
// on the video record. Fractions are truncated: 125.7 becomes 125. Negative
// or non-finite inputs yield 0.
func WholeSeconds(seconds float64) int {
	if seconds != seconds || seconds <= 0 || seconds > float64(1<<31-1) {
		return 0
	}
	return int(seconds)
}

// Artifact is one file produced by an encode, relative to the output dir.
type Artifact struct {
	Path string
	// Name is the path relative to the output directory, using forward slashes.
	Name string
}

// Output lists the files produced by a successful Encode call.
type Output struct {
	Dir        string
	MasterName string
	Artifacts  []Artifact
}

// EncodeError reports a failed or timed-out encoder invocation. It is always
// treated as retryable by the worker.
type EncodeError struct {
	Step     string
	ExitCode int
	TimedOut bool
	// Stderr holds the last lines the process wrote to stderr.
	Stderr string
	Err    error
}

func (e *EncodeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s failed", e.Step)
	switch {
	case e.TimedOut:
		b.WriteString(": timed out")
	case e.ExitCode > 0:
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	case e.Err != nil:
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if tail := strings.TrimSpace(e.Stderr); tail != "" {
		fmt.Fprintf(&b, " (%s)", lastLine(tail))
	}
	return b.String()
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// IsEncodeError reports whether err wraps an *EncodeError.
func IsEncodeError(err error) bool {
	var encodeErr *EncodeError
	return errors.As(err, &encodeErr)
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
