// Package converters wraps the external media tools (ffmpeg, ffprobe) used to
// turn video sources into still frames and animated GIFs into animated WebP.
package converters

import (
	"errors"
	"strings"
	"time"
)

var ErrToolNotFound = errors.New("media tool not found")

// FileInfo contains metadata about a media file. The zero value means the
// file could not be probed.
type FileInfo struct {
	Width    int     // Width in pixels
	Height   int     // Height in pixels
	Duration float64 // Duration in seconds
	Size     int64   // File size in bytes
}

func (f FileInfo) IsZero() bool { return f == FileInfo{} }

// Options configures the external tool invocations.
type Options struct {
	FFmpegPath  string
	FFprobePath string
	// MaxFrameEdge bounds both edges of an extracted frame.
	MaxFrameEdge int
	// ToolTimeout is the deadline applied to every tool call.
	ToolTimeout time.Duration
	// TempDir receives extracted frames. Empty uses os.TempDir.
	TempDir string
}

func DefaultOptions() Options {
	return Options{
		FFmpegPath:   "ffmpeg",
		FFprobePath:  "ffprobe",
		MaxFrameEdge: 1920,
		ToolTimeout:  60 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.FFmpegPath == "" {
		o.FFmpegPath = d.FFmpegPath
	}
	if o.FFprobePath == "" {
		o.FFprobePath = d.FFprobePath
	}
	if o.MaxFrameEdge <= 0 {
		o.MaxFrameEdge = d.MaxFrameEdge
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = d.ToolTimeout
	}
	return o
}

// IsVideo reports whether mimeType is a video container the sampler accepts.
func IsVideo(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "video/")
}

// SupportedMimeTypes returns the source types the pipeline can derive from.
func SupportedMimeTypes() []string {
	return []string{
		// Videos
		"video/mp4",
		"video/mpeg",
		"video/quicktime",
		"video/x-msvideo",
		"video/webm",
		"video/x-matroska",
		// Images
		"image/jpeg",
		"image/png",
		"image/gif",
		"image/webp",
		"image/bmp",
		"image/tiff",
	}
}

// IsSupported reports whether mimeType, ignoring parameters and case, is one
// of SupportedMimeTypes.
func IsSupported(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	for _, s := range SupportedMimeTypes() {
		if s == mt {
			return true
		}
	}
	return false
}

// ClampTimestamp keeps a seek position inside a video of the given duration.
// An unknown duration (<= 0) leaves ts unchanged apart from the lower bound.
func ClampTimestamp(ts, duration float64) float64 {
	if ts < 0 {
		ts = 0
	}
	if duration <= 0 || ts < duration {
		return ts
	}
	// seek half way into very short clips so a frame still exists
	return duration / 2
}
