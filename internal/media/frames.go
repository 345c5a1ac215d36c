package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// FrameReader streams decoded frames of a video as raw RGBA.
type FrameReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	size   models.Size
	frame  int
	eof    bool
}

// OpenFrames starts decoding path. Frames are scaled to size by ffmpeg, so
// callers pass the probed resolution for full-size frames or a smaller size
// for cheap analysis passes.
func (t *Tools) OpenFrames(ctx context.Context, path string, size models.Size) (*FrameReader, error) {
	if size.W <= 0 || size.H <= 0 {
		return nil, fmt.Errorf("open frames: invalid size %s", size)
	}
	args := []string{
		"-v", "error", "-nostdin",
		"-i", path,
		"-an", "-sn",
		"-vf", fmt.Sprintf("scale=%d:%d", size.W, size.H),
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-",
	}
	cmd := exec.CommandContext(ctx, t.FFmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	r := &FrameReader{cmd: cmd, stdout: stdout, size: size}
	cmd.Stderr = &r.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg decoder: %w", err)
	}
	return r, nil
}

// Size returns the dimensions of every frame produced by the reader.
func (r *FrameReader) Size() models.Size {
	return r.size
}

// Index returns the number of frames read so far.
func (r *FrameReader) Index() int {
	return r.frame
}

// Next reads one frame into dst, which must match Size. It returns io.EOF
// once the stream is exhausted.
func (r *FrameReader) Next(dst *image.RGBA) error {
	b := dst.Bounds()
	if b.Dx() != r.size.W || b.Dy() != r.size.H {
		return fmt.Errorf("frame buffer %dx%d does not match stream %s", b.Dx(), b.Dy(), r.size)
	}
	rowBytes := r.size.W * 4
	for y := 0; y < r.size.H; y++ {
		off := y * dst.Stride
		if _, err := io.ReadFull(r.stdout, dst.Pix[off:off+rowBytes]); err != nil {
			if y == 0 && errors.Is(err, io.EOF) {
				r.eof = true
				return io.EOF
			}
			return fmt.Errorf("read frame %d: %w", r.frame, err)
		}
	}
	r.frame++
	return nil
}

// Close stops the decoder and reports a decode failure if ffmpeg exited
// with an error before the stream was fully read.
func (r *FrameReader) Close() error {
	_ = r.stdout.Close()
	err := r.cmd.Wait()
	if err == nil {
		return nil
	}
	// Closing before EOF breaks ffmpeg's pipe; that exit is ours, not a decode failure.
	if !r.eof {
		return nil
	}
	return fmt.Errorf("ffmpeg decode: %w: %s", err, strings.TrimSpace(r.stderr.String()))
}

// GrabFrame decodes the single frame at index (counted at fps) of path,
// scaled to size.
func (t *Tools) GrabFrame(ctx context.Context, path string, index int, fps float64, size models.Size) (*image.RGBA, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("grab frame: invalid fps %v", fps)
	}
	ts := float64(index) / fps
	args := []string{
		"-v", "error", "-nostdin",
		"-ss", strconv.FormatFloat(ts, 'f', 6, 64),
		"-i", path,
		"-an", "-sn",
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", size.W, size.H),
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-",
	}
	cmd := exec.CommandContext(ctx, t.FFmpeg, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("grab frame %d: %w: %s", index, err, strings.TrimSpace(stderr.String()))
	}
	want := size.W * size.H * 4
	if stdout.Len() < want {
		return nil, fmt.Errorf("grab frame %d: short read (%d of %d bytes)", index, stdout.Len(), want)
	}
	img := image.NewRGBA(image.Rect(0, 0, size.W, size.H))
	copy(img.Pix, stdout.Bytes()[:want])
	return img, nil
}
