package img

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-renditions/internal/media"
)

const (
	// OutputContentType is the single codec every rendition is encoded to.
	OutputContentType = "image/webp"
	OutputExtension   = "webp"
)

var (
	ErrDecode         = errors.New("decode source")
	ErrEncode         = errors.New("encode rendition")
	ErrUpscaleSkipped = errors.New("source not larger than profile")
	ErrSourceTooLarge = errors.New("source exceeds pixel budget")
)

// CodecConfig bounds codec resource usage for the whole process. It is built
// once at startup and handed to NewGenerator.
type CodecConfig struct {
	// MaxConcurrency caps simultaneous decode/encode jobs. Zero means NumCPU.
	MaxConcurrency int
	// MaxSourcePixels rejects sources with more pixels before decoding them.
	// Zero disables the check.
	MaxSourcePixels int64
	// TempDir holds scratch files for animated transcodes. Empty uses os.TempDir.
	TempDir string
}

// Animator transcodes multi-frame sources into looping animated WebP.
type Animator interface {
	TranscodeAnimatedWebP(ctx context.Context, input, output string, width, height int, crop bool, quality, effort int) error
}

// Source is an encoded image held either in memory or on disk.
type Source struct {
	Data     []byte
	Path     string
	MimeType string
}

func (s Source) bytes() ([]byte, error) {
	if len(s.Data) > 0 || s.Path == "" {
		return s.Data, nil
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	return data, nil
}

// Output is an encoded rendition with the dimensions read back from its own
// header.
type Output struct {
	Data        []byte
	Width       int
	Height      int
	ContentType string
	Animated    bool
}

// Generator produces WebP renditions for size profiles.
type Generator struct {
	codec    CodecConfig
	sem      *semaphore.Weighted
	animator Animator
}

// NewGenerator builds a generator. animator may be nil, in which case
// animated sources are encoded from their first frame.
func NewGenerator(codec CodecConfig, animator Animator) *Generator {
	if codec.MaxConcurrency <= 0 {
		codec.MaxConcurrency = runtime.NumCPU()
	}
	return &Generator{
		codec:    codec,
		sem:      semaphore.NewWeighted(int64(codec.MaxConcurrency)),
		animator: animator,
	}
}

// Generate renders src for profile p. Decode failures are returned wrapped in
// ErrDecode; fit profiles that would upscale return ErrUpscaleSkipped.
func (g *Generator) Generate(ctx context.Context, src Source, p media.Profile, animated bool) (*Output, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	data, err := src.bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if g.codec.MaxSourcePixels > 0 && int64(cfg.Width)*int64(cfg.Height) > g.codec.MaxSourcePixels {
		return nil, fmt.Errorf("%w: %dx%d", ErrSourceTooLarge, cfg.Width, cfg.Height)
	}
	if _, _, skip := TargetSize(p, cfg.Width, cfg.Height); skip {
		return nil, fmt.Errorf("%w: %s long edge %d, source %dx%d", ErrUpscaleSkipped, p.Name, p.Size, cfg.Width, cfg.Height)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if animated && g.animator != nil && format == "gif" && frameCount(data) > 1 {
		return g.generateAnimated(ctx, data, cfg, p)
	}
	return g.generateStatic(data, p)
}

func (g *Generator) generateStatic(data []byte, p media.Profile) (*Output, error) {
	src, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	thumb := resize(src, p)

	options, err := encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(p.Quality))
	if err != nil {
		return nil, fmt.Errorf("%w: options: %w", ErrEncode, err)
	}
	options.Method = p.Effort

	var buf bytes.Buffer
	if err := webp.Encode(&buf, thumb, options); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return readBack(buf.Bytes(), false)
}

func (g *Generator) generateAnimated(ctx context.Context, data []byte, cfg image.Config, p media.Profile) (*Output, error) {
	w, h, _ := TargetSize(p, cfg.Width, cfg.Height)

	dir, err := os.MkdirTemp(g.codec.TempDir, "rendition-anim-*")
	if err != nil {
		return nil, fmt.Errorf("%w: temp dir: %w", ErrEncode, err)
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "source.gif")
	output := filepath.Join(dir, "output."+OutputExtension)
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("%w: write source: %w", ErrEncode, err)
	}

	if err := g.animator.TranscodeAnimatedWebP(ctx, input, output, w, h, p.IsCrop(), p.Quality, p.Effort); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	encoded, err := os.ReadFile(output)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %w", ErrEncode, err)
	}
	return readBack(encoded, true)
}

// readBack reports the encoded buffer's own dimensions rather than the
// dimensions requested from the resizer.
func readBack(encoded []byte, animated bool) (*Output, error) {
	meta := ExtractMetadata(encoded)
	if meta.IsZero() {
		return nil, fmt.Errorf("%w: output header unreadable", ErrEncode)
	}
	return &Output{
		Data:        encoded,
		Width:       meta.Width,
		Height:      meta.Height,
		ContentType: OutputContentType,
		Animated:    animated,
	}, nil
}

func frameCount(data []byte) int {
	g, err := gif.DecodeAll(bytes.NewReader(data))
	if err != nil {
		return 0
	}
	return len(g.Image)
}

// IsAnimatable reports whether a MIME type can carry multiple frames that the
// generator preserves.
func IsAnimatable(mimeType string) bool {
	return strings.EqualFold(mimeType, "image/gif")
}
