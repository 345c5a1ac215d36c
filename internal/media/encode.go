package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// EncodeOptions tunes the x264 encode of the transformed video track.
type EncodeOptions struct {
	Preset string
	CRF    int
}

// Encoder accepts raw RGBA frames on ffmpeg's stdin and writes a video-only file.
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr bytes.Buffer
	size   models.Size
	frames int
	closed bool
}

// NewEncoder starts an ffmpeg process writing an H.264 stream of size frames to out.
func (t *Tools) NewEncoder(ctx context.Context, out string, size models.Size, fps float64, opts EncodeOptions) (*Encoder, error) {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, t.FFmpeg, encoderArgs(out, size, fps, opts)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	e := &Encoder{cmd: cmd, stdin: stdin, size: size}
	cmd.Stderr = &e.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg encoder: %w", err)
	}
	return e, nil
}

func encoderArgs(out string, size models.Size, fps float64, opts EncodeOptions) []string {
	preset := strings.TrimSpace(opts.Preset)
	if preset == "" {
		preset = "fast"
	}
	crf := opts.CRF
	if crf <= 0 {
		crf = 23
	}
	return []string{
		"-y", "-v", "error",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", size.String(),
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-i", "-",
		"-an",
		"-c:v", "libx264",
		"-preset", preset,
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		out,
	}
}

// WriteFrame sends one frame; its bounds must equal the encoder size.
func (e *Encoder) WriteFrame(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != e.size.W || b.Dy() != e.size.H {
		return fmt.Errorf("frame %dx%d does not match encoder %s", b.Dx(), b.Dy(), e.size)
	}
	rowBytes := e.size.W * 4
	if img.Stride == rowBytes {
		start := img.PixOffset(b.Min.X, b.Min.Y)
		if _, err := e.stdin.Write(img.Pix[start : start+rowBytes*e.size.H]); err != nil {
			return e.writeErr(err)
		}
	} else {
		for y := b.Min.Y; y < b.Max.Y; y++ {
			off := img.PixOffset(b.Min.X, y)
			if _, err := e.stdin.Write(img.Pix[off : off+rowBytes]); err != nil {
				return e.writeErr(err)
			}
		}
	}
	e.frames++
	return nil
}

func (e *Encoder) writeErr(err error) error {
	return fmt.Errorf("write frame %d: %w: %s", e.frames, err, strings.TrimSpace(e.stderr.String()))
}

// Frames returns the number of frames written.
func (e *Encoder) Frames() int {
	return e.frames
}

// Close flushes the encoder and waits for ffmpeg to finish the file.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encode: %w: %s", err, strings.TrimSpace(e.stderr.String()))
	}
	return nil
}
