package facedetect

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	pigo "github.com/esimov/pigo/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

func TestToDetections(t *testing.T) {
	dets := []pigo.Detection{
		{Row: 100, Col: 200, Scale: 60, Q: 12.5},
		{Row: 50, Col: 50, Scale: 20, Q: 2},
		{Row: 10, Col: 10, Scale: 0, Q: 40},
	}
	got := toDetections(dets, 5)
	require.Len(t, got, 1)
	assert.Equal(t, models.Rect{X: 170, Y: 70, W: 60, H: 60}, got[0].Box)
	assert.InDelta(t, 12.5, got[0].Score, 1e-6)
}

func TestGrayscale(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	img.Set(1, 1, color.RGBA{A: 255})
	g := grayscale(img)
	require.Len(t, g, 6)
	assert.Equal(t, uint8(255), g[0])
	assert.Equal(t, uint8(0), g[4])
}

func TestNew_Errors(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{CascadePath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorContains(t, err, "read face cascade")

	_, err = NewFromBytes([]byte{1, 2, 3}, DefaultConfig())
	assert.Error(t, err)
}

// TestDetect_Cascade runs the real cascade when FACE_CASCADE_PATH points at
// pigo's facefinder file. A blank frame must yield no faces.
func TestDetect_Cascade(t *testing.T) {
	path := os.Getenv("FACE_CASCADE_PATH")
	if path == "" {
		t.Skip("FACE_CASCADE_PATH not set")
	}
	cfg := DefaultConfig()
	cfg.CascadePath = path
	d, err := New(cfg)
	require.NoError(t, err)

	dets, err := d.Detect(image.NewRGBA(image.Rect(0, 0, 320, 180)))
	require.NoError(t, err)
	assert.Empty(t, dets)
}
