package img

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Metadata is the header information of an encoded image. The zero value
// means the input could not be read.
type Metadata struct {
	Width  int
	Height int
	Format string
}

func (m Metadata) IsZero() bool { return m.Width == 0 && m.Height == 0 && m.Format == "" }

// LongEdge returns max(Width, Height).
func (m Metadata) LongEdge() int {
	if m.Width > m.Height {
		return m.Width
	}
	return m.Height
}

// ExtractMetadata reads width, height and format from an encoded image
// without decoding pixel data. It never fails: malformed, truncated, empty or
// unsupported input returns the zero Metadata.
func ExtractMetadata(data []byte) (meta Metadata) {
	defer func() {
		if r := recover(); r != nil {
			meta = Metadata{}
		}
	}()

	if len(data) == 0 {
		return Metadata{}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return Metadata{}
	}
	return Metadata{Width: cfg.Width, Height: cfg.Height, Format: normalizeFormat(format, data)}
}

// ExtractMetadataFile is ExtractMetadata for a file on disk. A missing or
// unreadable file returns the zero Metadata.
func ExtractMetadataFile(path string) Metadata {
	if path == "" {
		return Metadata{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}
	}
	return ExtractMetadata(data)
}

// DetectMimeType sniffs the content type of data.
func DetectMimeType(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return mimetype.Detect(data).String()
}

func normalizeFormat(format string, data []byte) string {
	format = strings.ToLower(format)
	if format != "" {
		return format
	}
	// DecodeConfig always names the format; this only guards odd registrations.
	ext := strings.TrimPrefix(mimetype.Detect(data).Extension(), ".")
	return strings.ToLower(ext)
}
