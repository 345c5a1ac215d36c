// Package reframe maps source frames onto the fixed 9:16 output canvas.
package reframe

import (
	"math"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// Config tunes framing.
type Config struct {
	// MinCropHeightRatio floors the crop height as a fraction of the source
	// height so a small face is not blown up to fill the canvas.
	MinCropHeightRatio float64
	// BlurBackground fills letterbox bars with a blurred copy of the frame
	// instead of black.
	BlurBackground bool
	// BlurSigma is the gaussian sigma applied to the downscaled background.
	BlurSigma float64
}

// DefaultConfig returns the built-in framing settings.
func DefaultConfig() Config {
	return Config{
		MinCropHeightRatio: 0.6,
		BlurBackground:     true,
		BlurSigma:          6,
	}
}

func (c Config) normalized() Config {
	if c.MinCropHeightRatio <= 0 || c.MinCropHeightRatio > 1 {
		c.MinCropHeightRatio = DefaultConfig().MinCropHeightRatio
	}
	if c.BlurSigma <= 0 {
		c.BlurSigma = DefaultConfig().BlurSigma
	}
	return c
}

// OutputSize returns the vertical canvas for a source: the source height
// rounded down to even, and the 9:16 width rounded up to even.
func OutputSize(src models.Size) models.Size {
	h := src.H &^ 1
	w := int(math.Round(float64(h) * 9 / 16))
	if w%2 == 1 {
		w++
	}
	return models.Size{W: max(w, 2), H: max(h, 2)}
}

// Decide picks the transform for one frame. A nil roi selects the
// letterbox fallback.
func Decide(roi *models.Rect, src, out models.Size, cfg Config) models.Decision {
	cfg = cfg.normalized()
	if roi == nil || roi.Empty() {
		return letterbox(src, out)
	}
	return models.Decision{Kind: models.DecisionCrop, Crop: cropAround(*roi, src, cfg)}
}

// cropAround returns the smallest 9:16 rectangle that contains roi,
// centred on it and kept inside the source. When even a full-height crop
// is narrower than roi, the full-height crop is centred on roi and its
// sides are clipped.
func cropAround(roi models.Rect, src models.Size, cfg Config) models.Rect {
	h := math.Max(float64(roi.H), float64(roi.W)*16/9)
	h = math.Max(h, cfg.MinCropHeightRatio*float64(src.H))
	h = math.Min(h, float64(src.H))
	w := h * 9 / 16
	if w > float64(src.W) {
		// Source narrower than 9:16: use its full width.
		w = float64(src.W)
		h = math.Min(float64(src.H), w*16/9)
	}
	cw, ch := int(math.Round(w)), int(math.Round(h))
	cx, cy := roi.Center()
	return models.Rect{
		X: clampStart(int(math.Round(cx-float64(cw)/2)), cw, src.W),
		Y: clampStart(int(math.Round(cy-float64(ch)/2)), ch, src.H),
		W: cw,
		H: ch,
	}
}

func clampStart(pos, n, limit int) int {
	if pos+n > limit {
		pos = limit - n
	}
	return max(pos, 0)
}

// letterbox scales the whole frame to the canvas width and pads top and
// bottom, or trims the middle when the scaled frame is taller than the canvas.
func letterbox(src, out models.Size) models.Decision {
	scale := float64(out.W) / float64(src.W)
	scaledH := int(math.Round(float64(src.H) * scale))
	d := models.Decision{Kind: models.DecisionLetterbox, Scale: scale, ScaledHeight: scaledH}
	if scaledH <= out.H {
		d.PadTop = (out.H - scaledH) / 2
		d.PadBottom = out.H - scaledH - d.PadTop
	} else {
		d.TrimTop = (scaledH - out.H) / 2
	}
	return d
}
