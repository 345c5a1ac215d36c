// Package analysis derives a per-frame region-of-interest track for a scene
// from detections on a bounded set of sampled frames.
package analysis

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// Detection is one detected subject in source pixel coordinates.
type Detection struct {
	Box   models.Rect
	Score float64
}

// Detector finds people or faces in a frame. Boxes are in the frame's own
// pixel coordinates.
type Detector interface {
	Detect(img *image.RGBA) ([]Detection, error)
}

// FrameGrabber decodes a single frame by index. The returned frame may be
// smaller than the source; boxes are scaled back to source coordinates.
type FrameGrabber interface {
	GrabFrame(ctx context.Context, index int) (*image.RGBA, error)
}

// GrabberFunc adapts a function to FrameGrabber.
type GrabberFunc func(ctx context.Context, index int) (*image.RGBA, error)

func (f GrabberFunc) GrabFrame(ctx context.Context, index int) (*image.RGBA, error) {
	return f(ctx, index)
}

// Config tunes sampling and smoothing.
type Config struct {
	// MaxSamples caps detector runs per scene regardless of its length.
	MaxSamples int
	// SmoothingAlpha is the EMA weight of the newest centre, in (0,1].
	// Smaller values smooth harder.
	SmoothingAlpha float64
	// Padding grows each detection by this fraction of its size per side
	// so a face box keeps the head and shoulders.
	Padding float64
	// GroupSubjects replaces the best detection with the union of all
	// detections when that union still fits a full-height 9:16 crop.
	GroupSubjects bool
}

// DefaultConfig returns the built-in analyzer settings.
func DefaultConfig() Config {
	return Config{
		MaxSamples:     8,
		SmoothingAlpha: 0.15,
		Padding:        0.6,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxSamples <= 0 {
		c.MaxSamples = d.MaxSamples
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		c.SmoothingAlpha = d.SmoothingAlpha
	}
	if c.Padding < 0 {
		c.Padding = 0
	}
	return c
}

// Analyzer runs a Detector over sampled frames of each scene.
type Analyzer struct {
	detector Detector
	cfg      Config
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(detector Detector, cfg Config) *Analyzer {
	return &Analyzer{detector: detector, cfg: cfg.normalized()}
}

type sample struct {
	frame int
	box   models.Rect
	found bool
}

// Analyze returns one rectangle per frame of sc, or nil when no sample
// contained a detection.
func (a *Analyzer) Analyze(ctx context.Context, grab FrameGrabber, sc models.Scene, src models.Size) (models.ROITrack, error) {
	if sc.Len() <= 0 {
		return nil, fmt.Errorf("scene %d is empty", sc.Index)
	}
	frames := SampleFrames(sc, a.cfg.MaxSamples)
	samples := make([]sample, len(frames))
	anyFound := false
	for i, f := range frames {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := grab.GrabFrame(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("grab frame %d: %w", f, err)
		}
		dets, err := a.detector.Detect(img)
		if err != nil {
			return nil, fmt.Errorf("detect on frame %d: %w", f, err)
		}
		samples[i].frame = f
		box, ok := a.pick(toSource(dets, img.Bounds(), src), src)
		if ok {
			samples[i].box = box.Expand(a.cfg.Padding).Clamp(src)
			samples[i].found = true
			anyFound = true
		}
	}
	if !anyFound {
		return nil, nil
	}

	fillMissing(samples)
	track := interpolate(samples, sc)
	return Smooth(track, a.cfg.SmoothingAlpha, src), nil
}

// SampleFrames returns up to n frame indices evenly spread over sc, each at
// the centre of its slice.
func SampleFrames(sc models.Scene, n int) []int {
	length := sc.Len()
	if n > length {
		n = length
	}
	if n < 1 {
		n = 1
	}
	out := make([]int, n)
	for i := range out {
		out[i] = sc.StartFrame + ((2*i+1)*length)/(2*n)
	}
	return out
}

// pick chooses the region to follow in one sample: the highest-scoring
// detection, ties going to the larger box.
func (a *Analyzer) pick(dets []Detection, src models.Size) (models.Rect, bool) {
	best := -1
	for i, d := range dets {
		if d.Box.Empty() {
			continue
		}
		if best < 0 || d.Score > dets[best].Score ||
			(d.Score == dets[best].Score && d.Box.Area() > dets[best].Box.Area()) {
			best = i
		}
	}
	if best < 0 {
		return models.Rect{}, false
	}
	box := dets[best].Box
	if a.cfg.GroupSubjects && len(dets) > 1 {
		union := box
		for _, d := range dets {
			if !d.Box.Empty() {
				union = union.Union(d.Box)
			}
		}
		maxW := src.H * 9 / 16
		if union.W <= maxW {
			box = union
		}
	}
	return box, true
}

// toSource rescales boxes detected on a downscaled frame to source pixels.
func toSource(dets []Detection, frame image.Rectangle, src models.Size) []Detection {
	if frame.Dx() == src.W && frame.Dy() == src.H {
		return dets
	}
	sx := float64(src.W) / float64(frame.Dx())
	sy := float64(src.H) / float64(frame.Dy())
	out := make([]Detection, len(dets))
	for i, d := range dets {
		out[i] = Detection{
			Score: d.Score,
			Box: models.Rect{
				X: int(math.Round(float64(d.Box.X) * sx)),
				Y: int(math.Round(float64(d.Box.Y) * sy)),
				W: int(math.Round(float64(d.Box.W) * sx)),
				H: int(math.Round(float64(d.Box.H) * sy)),
			},
		}
	}
	return out
}

// fillMissing gives samples without a detection the box of the nearest
// detected sample; on equal distance the earlier sample wins.
func fillMissing(samples []sample) {
	found := make([]sample, 0, len(samples))
	for _, s := range samples {
		if s.found {
			found = append(found, s)
		}
	}
	for i := range samples {
		if samples[i].found {
			continue
		}
		bestDist := math.MaxInt
		for _, f := range found {
			d := f.frame - samples[i].frame
			if d < 0 {
				d = -d
			}
			if d < bestDist {
				bestDist = d
				samples[i].box = f.box
			}
		}
	}
}

// interpolate expands sample boxes to every frame of sc: linear between
// samples, constant before the first and after the last.
func interpolate(samples []sample, sc models.Scene) models.ROITrack {
	track := make(models.ROITrack, sc.Len())
	k := 0
	for f := sc.StartFrame; f < sc.EndFrame; f++ {
		for k+1 < len(samples) && samples[k+1].frame <= f {
			k++
		}
		cur := samples[k]
		switch {
		case f <= cur.frame || k+1 == len(samples):
			track[f-sc.StartFrame] = cur.box
		default:
			next := samples[k+1]
			t := float64(f-cur.frame) / float64(next.frame-cur.frame)
			track[f-sc.StartFrame] = lerp(cur.box, next.box, t)
		}
	}
	return track
}

func lerp(a, b models.Rect, t float64) models.Rect {
	mix := func(x, y int) int {
		return int(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return models.Rect{X: mix(a.X, b.X), Y: mix(a.Y, b.Y), W: mix(a.W, b.W), H: mix(a.H, b.H)}
}

// Smooth runs an exponential moving average over box centres forward and
// then backward, so the result lags neither direction of a pan. Box sizes
// are kept; boxes are shifted back inside src.
func Smooth(track models.ROITrack, alpha float64, src models.Size) models.ROITrack {
	if len(track) < 2 || alpha >= 1 {
		return track
	}
	cx := make([]float64, len(track))
	cy := make([]float64, len(track))
	for i, r := range track {
		cx[i], cy[i] = r.Center()
	}
	ema := func(v []float64) {
		for i := 1; i < len(v); i++ {
			v[i] = alpha*v[i] + (1-alpha)*v[i-1]
		}
		for i := len(v) - 2; i >= 0; i-- {
			v[i] = alpha*v[i] + (1-alpha)*v[i+1]
		}
	}
	ema(cx)
	ema(cy)

	out := make(models.ROITrack, len(track))
	for i, r := range track {
		out[i] = models.Rect{
			X: shift(int(math.Round(cx[i]-float64(r.W)/2)), r.W, src.W),
			Y: shift(int(math.Round(cy[i]-float64(r.H)/2)), r.H, src.H),
			W: r.W,
			H: r.H,
		}.Clamp(src)
	}
	return out
}

// shift moves an interval of length n starting at pos inside [0,limit).
func shift(pos, n, limit int) int {
	if pos+n > limit {
		pos = limit - n
	}
	return max(pos, 0)
}
