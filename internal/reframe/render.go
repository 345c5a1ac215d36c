package reframe

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// backgroundDiv is how much smaller than the canvas the blurred background
// is computed before being scaled back up.
const backgroundDiv = 8

// Renderer draws frames onto a reusable canvas. Not safe for concurrent use;
// each job owns one.
type Renderer struct {
	out    models.Size
	cfg    Config
	canvas *image.RGBA
	small  *image.RGBA
}

// NewRenderer creates a Renderer producing out-sized frames.
func NewRenderer(out models.Size, cfg Config) *Renderer {
	sw := max(out.W/backgroundDiv, 1)
	sh := max(out.H/backgroundDiv, 1)
	return &Renderer{
		out:    out,
		cfg:    cfg.normalized(),
		canvas: image.NewRGBA(image.Rect(0, 0, out.W, out.H)),
		small:  image.NewRGBA(image.Rect(0, 0, sw, sh)),
	}
}

// Size returns the canvas dimensions.
func (r *Renderer) Size() models.Size {
	return r.out
}

// Render applies d to src. The returned image is reused by the next call.
func (r *Renderer) Render(src *image.RGBA, d models.Decision) *image.RGBA {
	if d.Kind == models.DecisionCrop {
		crop := image.Rect(d.Crop.X, d.Crop.Y, d.Crop.X+d.Crop.W, d.Crop.Y+d.Crop.H).
			Add(src.Bounds().Min).Intersect(src.Bounds())
		draw.BiLinear.Scale(r.canvas, r.canvas.Bounds(), src, crop, draw.Src, nil)
		return r.canvas
	}

	if d.TrimTop > 0 {
		// The scaled frame overflows vertically: keep its middle band.
		b := src.Bounds()
		y0 := b.Min.Y + int(float64(d.TrimTop)/d.Scale)
		y1 := y0 + int(float64(r.out.H)/d.Scale)
		draw.BiLinear.Scale(r.canvas, r.canvas.Bounds(), src, image.Rect(b.Min.X, y0, b.Max.X, min(y1, b.Max.Y)), draw.Src, nil)
		return r.canvas
	}

	if r.cfg.BlurBackground {
		r.drawBackground(src)
	} else {
		draw.Draw(r.canvas, r.canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	}
	fg := image.Rect(0, d.PadTop, r.out.W, d.PadTop+d.ScaledHeight)
	draw.BiLinear.Scale(r.canvas, fg, src, src.Bounds(), draw.Src, nil)
	return r.canvas
}

// drawBackground fills the canvas with a blurred, cover-scaled copy of src.
func (r *Renderer) drawBackground(src *image.RGBA) {
	b := src.Bounds()
	// Widest centred region of src with the canvas aspect ratio.
	w := b.Dy() * r.out.W / r.out.H
	h := b.Dy()
	if w > b.Dx() {
		w = b.Dx()
		h = b.Dx() * r.out.H / r.out.W
	}
	x0 := b.Min.X + (b.Dx()-w)/2
	y0 := b.Min.Y + (b.Dy()-h)/2
	draw.ApproxBiLinear.Scale(r.small, r.small.Bounds(), src, image.Rect(x0, y0, x0+w, y0+h), draw.Src, nil)
	blurred := imaging.Blur(r.small, r.cfg.BlurSigma)
	draw.ApproxBiLinear.Scale(r.canvas, r.canvas.Bounds(), blurred, blurred.Bounds(), draw.Src, nil)
}
