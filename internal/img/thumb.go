// internal/img/thumb.go
package img

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/tendant/simple-renditions/internal/media"
)

// TargetSize computes the output dimensions of profile p for a source of
// srcW x srcH pixels. Crop profiles always yield Size x Size. Fit profiles put
// the long edge at Size and round the short edge; skip is true when the
// source long edge is not larger than Size, since fit profiles never upscale.
func TargetSize(p media.Profile, srcW, srcH int) (w, h int, skip bool) {
	if p.IsCrop() {
		return p.Size, p.Size, false
	}
	if srcW <= 0 || srcH <= 0 {
		return 0, 0, true
	}

	long := max(srcW, srcH)
	if long <= p.Size {
		return srcW, srcH, true
	}

	if srcW >= srcH {
		return p.Size, scaleEdge(srcH, p.Size, srcW), false
	}
	return scaleEdge(srcW, p.Size, srcH), p.Size, false
}

// scaleEdge returns round(edge * target / long), never below one pixel.
func scaleEdge(edge, target, long int) int {
	v := int(math.Round(float64(edge) * float64(target) / float64(long)))
	if v < 1 {
		return 1
	}
	return v
}

// resize applies profile p to src. The caller has already ruled out skipped
// fit profiles.
func resize(src image.Image, p media.Profile) *image.NRGBA {
	if p.IsCrop() {
		return imaging.Fill(src, p.Size, p.Size, imaging.Center, imaging.Lanczos)
	}
	b := src.Bounds()
	w, h, _ := TargetSize(p, b.Dx(), b.Dy())
	return imaging.Resize(src, w, h, imaging.Lanczos)
}
