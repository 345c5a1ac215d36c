// Package facedetect implements analysis.Detector with the pigo pixel
// intensity comparison cascade.
package facedetect

import (
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	pigo "github.com/esimov/pigo/core"

	"github.com/kiranshivaraju/reframe/internal/analysis"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// Config holds cascade tuning.
type Config struct {
	CascadePath string
	// MinSize and MaxSize bound the face size in pixels of the analysed frame.
	MinSize int
	MaxSize int
	// MinQuality drops weak detections; pigo scores are unbounded, 5 is a
	// commonly used cut-off.
	MinQuality  float64
	ShiftFactor float64
	ScaleFactor float64
	// IoU is the overlap above which detections are clustered together.
	IoU float64
}

// DefaultConfig returns settings that suit frames a few hundred pixels wide.
func DefaultConfig() Config {
	return Config{
		MinSize:     20,
		MaxSize:     1000,
		MinQuality:  5,
		ShiftFactor: 0.1,
		ScaleFactor: 1.1,
		IoU:         0.2,
	}
}

// Detector runs an unpacked cascade. It is safe for concurrent use; the
// classifier is read-only after unpacking.
type Detector struct {
	classifier *pigo.Pigo
	cfg        Config
}

var _ analysis.Detector = (*Detector)(nil)

// New loads the cascade file at cfg.CascadePath.
func New(cfg Config) (*Detector, error) {
	if cfg.CascadePath == "" {
		return nil, fmt.Errorf("face cascade path is not configured")
	}
	raw, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("read face cascade: %w", err)
	}
	return NewFromBytes(raw, cfg)
}

// NewFromBytes unpacks an in-memory cascade.
func NewFromBytes(cascade []byte, cfg Config) (d *Detector, err error) {
	defer func() {
		// pigo indexes straight into the buffer and panics on a truncated file.
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("unpack face cascade: %v", r)
		}
	}()
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("unpack face cascade: %w", err)
	}
	return &Detector{classifier: classifier, cfg: withDefaults(cfg)}, nil
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MinSize <= 0 {
		cfg.MinSize = d.MinSize
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = d.MaxSize
	}
	if cfg.MinQuality <= 0 {
		cfg.MinQuality = d.MinQuality
	}
	if cfg.ShiftFactor <= 0 {
		cfg.ShiftFactor = d.ShiftFactor
	}
	if cfg.ScaleFactor <= 1 {
		cfg.ScaleFactor = d.ScaleFactor
	}
	if cfg.IoU <= 0 {
		cfg.IoU = d.IoU
	}
	return cfg
}

// Detect returns clustered face boxes in img coordinates.
func (d *Detector) Detect(img *image.RGBA) ([]analysis.Detection, error) {
	b := img.Bounds()
	cols, rows := b.Dx(), b.Dy()
	if cols == 0 || rows == 0 {
		return nil, nil
	}
	params := pigo.CascadeParams{
		MinSize:     d.cfg.MinSize,
		MaxSize:     min(d.cfg.MaxSize, min(cols, rows)),
		ShiftFactor: d.cfg.ShiftFactor,
		ScaleFactor: d.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: grayscale(img),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}
	dets := d.classifier.RunCascade(params, 0.0)
	dets = d.classifier.ClusterDetections(dets, d.cfg.IoU)
	return toDetections(dets, d.cfg.MinQuality), nil
}

func grayscale(img *image.RGBA) []uint8 {
	gray := imaging.Grayscale(img)
	out := make([]uint8, len(gray.Pix)/4)
	for i := range out {
		out[i] = gray.Pix[i*4]
	}
	return out
}

// toDetections converts centre/scale detections to boxes, dropping those
// below minQuality.
func toDetections(dets []pigo.Detection, minQuality float64) []analysis.Detection {
	out := make([]analysis.Detection, 0, len(dets))
	for _, det := range dets {
		if float64(det.Q) < minQuality || det.Scale <= 0 {
			continue
		}
		half := det.Scale / 2
		out = append(out, analysis.Detection{
			Box: models.Rect{
				X: det.Col - half,
				Y: det.Row - half,
				W: det.Scale,
				H: det.Scale,
			},
			Score: float64(det.Q),
		})
	}
	return out
}
