package reframe

import (
	"fmt"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// Plan holds per-scene tracks and answers the decision for any frame.
type Plan struct {
	src    models.Size
	out    models.Size
	cfg    Config
	scenes []models.Scene
	tracks []models.ROITrack
	cur    int
}

// NewPlan builds a plan; tracks[i] belongs to scenes[i] and is nil for
// fallback scenes.
func NewPlan(src models.Size, scenes []models.Scene, tracks []models.ROITrack, cfg Config) (*Plan, error) {
	if len(scenes) != len(tracks) {
		return nil, fmt.Errorf("plan: %d scenes but %d tracks", len(scenes), len(tracks))
	}
	for i, sc := range scenes {
		if tracks[i] != nil && len(tracks[i]) != sc.Len() {
			return nil, fmt.Errorf("plan: scene %d has %d frames but track has %d", sc.Index, sc.Len(), len(tracks[i]))
		}
	}
	return &Plan{src: src, out: OutputSize(src), cfg: cfg, scenes: scenes, tracks: tracks}, nil
}

// OutputSize returns the canvas size shared by every frame.
func (p *Plan) OutputSize() models.Size {
	return p.out
}

// Decision returns the transform for frame. Frames past the last scene,
// which happen when the decoder yields more frames than probed, reuse the
// last scene's final decision.
func (p *Plan) Decision(frame int) models.Decision {
	if len(p.scenes) == 0 {
		return Decide(nil, p.src, p.out, p.cfg)
	}
	// Frames arrive in order; scan forward from the last hit.
	if p.cur >= len(p.scenes) || frame < p.scenes[p.cur].StartFrame {
		p.cur = 0
	}
	for p.cur < len(p.scenes)-1 && frame >= p.scenes[p.cur].EndFrame {
		p.cur++
	}
	sc := p.scenes[p.cur]
	track := p.tracks[p.cur]
	if track == nil {
		return Decide(nil, p.src, p.out, p.cfg)
	}
	i := min(max(frame-sc.StartFrame, 0), len(track)-1)
	roi := track[i]
	return Decide(&roi, p.src, p.out, p.cfg)
}

// Fallbacks counts scenes rendered with the letterbox fallback.
func (p *Plan) Fallbacks() int {
	n := 0
	for _, t := range p.tracks {
		if t == nil {
			n++
		}
	}
	return n
}
