// Package scene partitions a video's frame sequence into scenes at visual
// discontinuities.
package scene

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"golang.org/x/image/draw"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

const binsPerChannel = 16

// ErrNoFrames is returned by Segment when the stream ends before its first frame.
var ErrNoFrames = errors.New("no decodable frames")

// Config holds the tunables of the cut detector.
type Config struct {
	// ThresholdFactor: a frame is a cut when its score exceeds the rolling
	// mean of recent scores times this factor.
	ThresholdFactor float64
	// MinThreshold is an absolute floor so static footage does not cut on noise.
	MinThreshold float64
	// Window is the number of preceding scores in the rolling mean.
	Window int
	// MinSceneFrames: shorter scenes are merged into the preceding one.
	MinSceneFrames int
	// AnalysisWidth is the width frames are decoded at for scoring.
	AnalysisWidth int
}

// DefaultConfig returns the built-in detector settings.
func DefaultConfig() Config {
	return Config{
		ThresholdFactor: 3.0,
		MinThreshold:    0.25,
		Window:          24,
		MinSceneFrames:  12,
		AnalysisWidth:   96,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.ThresholdFactor <= 0 {
		c.ThresholdFactor = d.ThresholdFactor
	}
	if c.MinThreshold <= 0 {
		c.MinThreshold = d.MinThreshold
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinSceneFrames <= 0 {
		c.MinSceneFrames = 1
	}
	if c.AnalysisWidth <= 0 {
		c.AnalysisWidth = d.AnalysisWidth
	}
	return c
}

// AnalysisSize returns the downscaled decode size for a source of size src,
// keeping the aspect ratio and even dimensions.
func (c Config) AnalysisSize(src models.Size) models.Size {
	c = c.normalized()
	w := min(c.AnalysisWidth, src.W)
	h := int(math.Round(float64(src.H) * float64(w) / float64(src.W)))
	w, h = w&^1, h&^1
	return models.Size{W: max(w, 2), H: max(h, 2)}
}

// FrameSource yields decoded frames in order until io.EOF.
type FrameSource interface {
	Size() models.Size
	Next(dst *image.RGBA) error
}

// Segment reads every frame of src and returns scenes covering all frames
// read. onFrame, when set, is called with the number of frames consumed.
func Segment(ctx context.Context, src FrameSource, cfg Config, onFrame func(int)) ([]models.Scene, error) {
	cfg = cfg.normalized()
	size := src.Size()
	buf := image.NewRGBA(image.Rect(0, 0, size.W, size.H))

	// Sources decoding above the analysis grid are scaled down before scoring.
	var grid *image.RGBA
	if g := cfg.AnalysisSize(size); g != size {
		grid = image.NewRGBA(image.Rect(0, 0, g.W, g.H))
	}

	var (
		scores []float64
		prev   *signature
		frame  int
	)
	for {
		if frame%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		err := src.Next(buf)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", frame, err)
		}
		scored := buf
		if grid != nil {
			draw.ApproxBiLinear.Scale(grid, grid.Bounds(), buf, buf.Bounds(), draw.Src, nil)
			scored = grid
		}
		sig := newSignature(scored)
		if prev == nil {
			scores = append(scores, 0)
		} else {
			scores = append(scores, prev.distance(sig))
		}
		prev = sig
		frame++
		if onFrame != nil {
			onFrame(frame)
		}
	}
	if frame == 0 {
		return nil, ErrNoFrames
	}

	return FromBoundaries(frame, Boundaries(scores, cfg), cfg.MinSceneFrames), nil
}

// Boundaries returns the frame indices that start a new scene. scores[i]
// is the difference between frame i-1 and frame i; scores[0] is ignored.
func Boundaries(scores []float64, cfg Config) []int {
	cfg = cfg.normalized()
	var (
		cuts   []int
		window = make([]float64, 0, cfg.Window)
		sum    float64
	)
	for i := 1; i < len(scores); i++ {
		s := scores[i]
		threshold := cfg.MinThreshold
		if len(window) > 0 {
			threshold = math.Max(threshold, sum/float64(len(window))*cfg.ThresholdFactor)
		}
		if s > threshold {
			cuts = append(cuts, i)
		}
		if len(window) == cfg.Window {
			sum -= window[0]
			window = window[1:]
		}
		window = append(window, s)
		sum += s
	}
	return cuts
}

// FromBoundaries turns cut positions into scenes over [0,total). Scenes
// shorter than minLen are merged into the preceding scene; a short first
// scene is merged into the one after it.
func FromBoundaries(total int, cuts []int, minLen int) []models.Scene {
	if total <= 0 {
		return nil
	}
	starts := []int{0}
	for _, c := range cuts {
		if c <= starts[len(starts)-1] || c >= total {
			continue
		}
		starts = append(starts, c)
	}

	// Drop any start whose scene would be too short; its frames fall into the
	// preceding scene.
	kept := []int{0}
	for i := 1; i < len(starts); i++ {
		end := total
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if end-starts[i] < minLen {
			continue
		}
		kept = append(kept, starts[i])
	}
	if len(kept) > 1 && kept[1]-kept[0] < minLen {
		kept = append(kept[:1], kept[2:]...)
	}

	scenes := make([]models.Scene, len(kept))
	for i, start := range kept {
		end := total
		if i+1 < len(kept) {
			end = kept[i+1]
		}
		scenes[i] = models.Scene{Index: i, StartFrame: start, EndFrame: end}
	}
	return scenes
}

type signature struct {
	hist   [3 * binsPerChannel]float64
	luma   []uint8
	pixels int
}

func newSignature(img *image.RGBA) *signature {
	b := img.Bounds()
	s := &signature{luma: make([]uint8, 0, b.Dx()*b.Dy())}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := img.PixOffset(b.Min.X, y)
		row := img.Pix[off : off+b.Dx()*4]
		for x := 0; x < len(row); x += 4 {
			r, g, bl := row[x], row[x+1], row[x+2]
			s.hist[int(r)*binsPerChannel/256]++
			s.hist[binsPerChannel+int(g)*binsPerChannel/256]++
			s.hist[2*binsPerChannel+int(bl)*binsPerChannel/256]++
			s.luma = append(s.luma, uint8((299*uint32(r)+587*uint32(g)+114*uint32(bl))/1000))
		}
	}
	s.pixels = len(s.luma)
	return s
}

// distance blends histogram L1 distance with mean absolute luma difference.
// Both terms are in [0,1]; hard cuts score high on both, gradual lighting
// changes mostly move the luma term.
func (s *signature) distance(o *signature) float64 {
	if s.pixels == 0 || s.pixels != o.pixels {
		return 1
	}
	var hist float64
	for i := range s.hist {
		hist += math.Abs(s.hist[i] - o.hist[i])
	}
	hist /= float64(2 * 3 * s.pixels)

	var diff int
	for i := range s.luma {
		d := int(s.luma[i]) - int(o.luma[i])
		if d < 0 {
			d = -d
		}
		diff += d
	}
	pix := float64(diff) / float64(255*s.pixels)
	return 0.5*hist + 0.5*pix
}
