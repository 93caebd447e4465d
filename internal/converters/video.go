package converters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FFmpegConverter samples frames and probes video files with ffmpeg/ffprobe.
type FFmpegConverter struct {
	opts   Options
	logger *slog.Logger
}

// NewFFmpegConverter creates a converter. Zero-valued options fall back to
// DefaultOptions.
func NewFFmpegConverter(opts Options, logger *slog.Logger) *FFmpegConverter {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpegConverter{
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Available reports whether both tools can be found.
func (f *FFmpegConverter) Available() error {
	for _, bin := range []string{f.opts.FFmpegPath, f.opts.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrToolNotFound, bin, err)
		}
	}
	return nil
}

// ExtractFrame writes the frame at timestamp seconds to a new temporary PNG and
// returns its path. The frame is scaled down to fit MaxFrameEdge on both axes.
// The caller owns the returned file.
func (f *FFmpegConverter) ExtractFrame(ctx context.Context, videoPath string, timestamp float64) (string, error) {
	if videoPath == "" {
		return "", errors.New("extract frame: empty video path")
	}

	tmp, err := os.CreateTemp(f.opts.TempDir, "frame-*.png")
	if err != nil {
		return "", fmt.Errorf("create frame file: %w", err)
	}
	framePath := tmp.Name()
	_ = tmp.Close()

	// -ss before -i seeks on keyframes, which is fast and good enough for a preview
	args := []string{
		"-v", "error",
		"-ss", strconv.FormatFloat(ClampTimestamp(timestamp, 0), 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-vf", boundedScaleFilter(f.opts.MaxFrameEdge),
		"-an",
		"-y",
		framePath,
	}

	if _, err := f.run(ctx, f.opts.FFmpegPath, args...); err != nil {
		_ = os.Remove(framePath)
		return "", fmt.Errorf("extract frame at %.3fs: %w", timestamp, err)
	}

	info, err := os.Stat(framePath)
	if err != nil || info.Size() == 0 {
		_ = os.Remove(framePath)
		return "", fmt.Errorf("extract frame at %.3fs: no frame written", timestamp)
	}

	f.logger.Debug("extracted video frame", "video", videoPath, "timestamp", timestamp, "frame", framePath, "bytes", info.Size())
	return framePath, nil
}

// Probe returns dimensions and duration of the first video stream. Probing is
// best effort: any failure is logged and yields the zero FileInfo.
func (f *FFmpegConverter) Probe(ctx context.Context, input string) FileInfo {
	out, err := f.run(ctx, f.opts.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration",
		"-show_entries", "format=duration,size",
		"-of", "default=noprint_wrappers=1",
		input,
	)
	if err != nil {
		f.logger.Warn("probe failed", "input", input, "err", err)
		return FileInfo{}
	}

	info := parseProbeOutput(out)
	if info.Width == 0 || info.Height == 0 {
		f.logger.Warn("probe found no video stream", "input", input)
		return FileInfo{}
	}
	return info
}

// TranscodeAnimatedWebP re-encodes an animated source into a looping animated
// WebP of width x height. Crop fills the box and trims the overflow around the
// center; otherwise the frames are scaled to exactly width x height.
func (f *FFmpegConverter) TranscodeAnimatedWebP(ctx context.Context, input, output string, width, height int, crop bool, quality, effort int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("transcode animation: invalid size %dx%d", width, height)
	}

	filter := fmt.Sprintf("scale=%d:%d:flags=lanczos", width, height)
	if crop {
		filter = fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=increase:flags=lanczos,crop=%d:%d", width, height, width, height)
	}

	args := []string{
		"-v", "error",
		"-i", input,
		"-vf", filter,
		"-c:v", "libwebp",
		"-lossless", "0",
		"-q:v", strconv.Itoa(quality),
		"-compression_level", strconv.Itoa(effort),
		"-loop", "0",
		"-an",
		"-y",
		output,
	}

	if _, err := f.run(ctx, f.opts.FFmpegPath, args...); err != nil {
		return fmt.Errorf("transcode animation: %w", err)
	}
	return nil
}

func (f *FFmpegConverter) run(ctx context.Context, bin string, args ...string) (string, error) {
	if _, err := exec.LookPath(bin); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrToolNotFound, bin, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.opts.ToolTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%s: %w", bin, ctx.Err())
		}
		return "", fmt.Errorf("%s failed: %w\nOutput: %s", bin, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// boundedScaleFilter shrinks frames larger than edge on either axis and leaves
// smaller frames untouched.
func boundedScaleFilter(edge int) string {
	return fmt.Sprintf("scale='min(iw,%d)':'min(ih,%d)':force_original_aspect_ratio=decrease", edge, edge)
}

// parseProbeOutput reads ffprobe's key=value output. Stream and format both
// report a duration; the first positive one wins.
func parseProbeOutput(output string) FileInfo {
	var info FileInfo
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}

		switch key {
		case "width":
			if w, err := strconv.Atoi(value); err == nil {
				info.Width = w
			}
		case "height":
			if h, err := strconv.Atoi(value); err == nil {
				info.Height = h
			}
		case "duration":
			if d, err := strconv.ParseFloat(value, 64); err == nil && d > 0 && info.Duration == 0 {
				info.Duration = d
			}
		case "size":
			if s, err := strconv.ParseInt(value, 10, 64); err == nil {
				info.Size = s
			}
		}
	}
	return info
}
