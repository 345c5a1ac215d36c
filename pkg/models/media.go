package models

import (
	"fmt"
	"math"
)

// MediaInfo is what the probe learns about a source file.
type MediaInfo struct {
	Duration   float64 `json:"duration"`
	FPS        float64 `json:"fps"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	FrameCount int     `json:"frame_count"`
	HasAudio   bool    `json:"has_audio"`
	AudioCodec string  `json:"audio_codec,omitempty"`
}

// Size is a width/height pair in pixels.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.W, s.H)
}

// Scene is the half-open frame range [StartFrame, EndFrame).
type Scene struct {
	Index      int `json:"index"`
	StartFrame int `json:"start_frame"`
	EndFrame   int `json:"end_frame"`
}

// Len returns the number of frames in the scene.
func (s Scene) Len() int {
	return s.EndFrame - s.StartFrame
}

// Contains reports whether frame lies inside the scene.
func (s Scene) Contains(frame int) bool {
	return frame >= s.StartFrame && frame < s.EndFrame
}

// Rect is an axis-aligned rectangle in source pixel coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) Area() int {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// Center returns the rectangle centre as floats to avoid drift when smoothing.
func (r Rect) Center() (float64, float64) {
	return float64(r.X) + float64(r.W)/2, float64(r.Y) + float64(r.H)/2
}

// Union returns the smallest rectangle covering both r and o.
func (r Rect) Union(o Rect) Rect {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	x0 := min(r.X, o.X)
	y0 := min(r.Y, o.Y)
	x1 := max(r.X+r.W, o.X+o.W)
	y1 := max(r.Y+r.H, o.Y+o.H)
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Clamp intersects r with the frame bounds.
func (r Rect) Clamp(bounds Size) Rect {
	x0 := max(r.X, 0)
	y0 := max(r.Y, 0)
	x1 := min(r.X+r.W, bounds.W)
	y1 := min(r.Y+r.H, bounds.H)
	if x1 <= x0 || y1 <= y0 {
		return Rect{}
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

// Expand grows r by ratio of its size on every side.
func (r Rect) Expand(ratio float64) Rect {
	if ratio <= 0 {
		return r
	}
	dx := int(math.Round(float64(r.W) * ratio))
	dy := int(math.Round(float64(r.H) * ratio))
	return Rect{X: r.X - dx, Y: r.Y - dy, W: r.W + 2*dx, H: r.H + 2*dy}
}

// ROITrack holds one rectangle per frame of a scene. A nil track means the
// scene has no salient subject and falls back to letterboxing.
type ROITrack []Rect

// DecisionKind selects how a frame is mapped onto the vertical canvas.
type DecisionKind string

const (
	DecisionCrop      DecisionKind = "crop"
	DecisionLetterbox DecisionKind = "letterbox"
)

// Decision is the per-frame transform choice.
type Decision struct {
	Kind DecisionKind `json:"kind"`

	// Crop is set for DecisionCrop: a 9:16 rectangle clamped to the source.
	Crop Rect `json:"crop,omitempty"`

	// Letterbox parameters: the full frame is scaled to the canvas width.
	Scale        float64 `json:"scale,omitempty"`
	ScaledHeight int     `json:"scaled_height,omitempty"`
	PadTop       int     `json:"pad_top,omitempty"`
	PadBottom    int     `json:"pad_bottom,omitempty"`
	// TrimTop is non-zero when the scaled frame is taller than the canvas
	// and is centre-cropped instead of padded.
	TrimTop int `json:"trim_top,omitempty"`
}
