package pipeline

import (
	"context"
	"image"

	"github.com/kiranshivaraju/reframe/internal/media"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// FrameStream is a sequential frame decoder.
type FrameStream interface {
	Size() models.Size
	Next(dst *image.RGBA) error
	Close() error
}

// VideoSink receives rendered frames.
type VideoSink interface {
	WriteFrame(img *image.RGBA) error
	Frames() int
	Close() error
}

// Toolkit is the media tooling the pipeline drives. FFmpegToolkit is the
// production implementation; tests substitute synthetic frames.
type Toolkit interface {
	Probe(ctx context.Context, path string) (models.MediaInfo, error)
	OpenFrames(ctx context.Context, path string, size models.Size) (FrameStream, error)
	GrabFrame(ctx context.Context, path string, index int, fps float64, size models.Size) (*image.RGBA, error)
	NewEncoder(ctx context.Context, out string, size models.Size, fps float64) (VideoSink, error)
	ExtractAudio(ctx context.Context, in, workdir string, info models.MediaInfo) (string, error)
	Mux(ctx context.Context, video, audio, out string, frames int, fps float64) error
}

// FFmpegToolkit adapts media.Tools to Toolkit.
type FFmpegToolkit struct {
	tools *media.Tools
	opts  media.EncodeOptions
}

var _ Toolkit = (*FFmpegToolkit)(nil)

// NewFFmpegToolkit creates a Toolkit encoding with opts.
func NewFFmpegToolkit(tools *media.Tools, opts media.EncodeOptions) *FFmpegToolkit {
	return &FFmpegToolkit{tools: tools, opts: opts}
}

func (t *FFmpegToolkit) Probe(ctx context.Context, path string) (models.MediaInfo, error) {
	return t.tools.Probe(ctx, path)
}

func (t *FFmpegToolkit) OpenFrames(ctx context.Context, path string, size models.Size) (FrameStream, error) {
	r, err := t.tools.OpenFrames(ctx, path, size)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (t *FFmpegToolkit) GrabFrame(ctx context.Context, path string, index int, fps float64, size models.Size) (*image.RGBA, error) {
	return t.tools.GrabFrame(ctx, path, index, fps, size)
}

func (t *FFmpegToolkit) NewEncoder(ctx context.Context, out string, size models.Size, fps float64) (VideoSink, error) {
	e, err := t.tools.NewEncoder(ctx, out, size, fps, t.opts)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (t *FFmpegToolkit) ExtractAudio(ctx context.Context, in, workdir string, info models.MediaInfo) (string, error) {
	return t.tools.ExtractAudio(ctx, in, workdir, info)
}

func (t *FFmpegToolkit) Mux(ctx context.Context, video, audio, out string, frames int, fps float64) error {
	return t.tools.Mux(ctx, video, audio, out, frames, fps)
}
