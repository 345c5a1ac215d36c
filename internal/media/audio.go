package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

const audioAssetName = "audio.mka"

// ExtractAudio copies the first audio track of in, unmodified, into workdir.
// It returns "" without error when the source has no audio.
func (t *Tools) ExtractAudio(ctx context.Context, in, workdir string, info models.MediaInfo) (string, error) {
	if !info.HasAudio {
		return "", nil
	}
	out := filepath.Join(workdir, audioAssetName)
	_ = os.Remove(out)
	args := []string{
		"-y", "-v", "error", "-nostdin",
		"-i", in,
		"-map", "0:a:0",
		"-vn", "-sn",
		"-c:a", "copy",
		out,
	}
	if err := t.run(ctx, args...); err != nil {
		return "", fmt.Errorf("extract audio: %w", err)
	}
	return out, nil
}

// Mux writes the final MP4 from the transformed video and optional audio.
// The video frame count is authoritative: audio is padded with silence or
// trimmed so both tracks last frames/fps seconds.
func (t *Tools) Mux(ctx context.Context, video, audio, out string, frames int, fps float64) error {
	if frames <= 0 || fps <= 0 {
		return fmt.Errorf("mux: invalid timing (%d frames at %v fps)", frames, fps)
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	tmp := out + ".tmp.mp4"
	_ = os.Remove(tmp)

	if err := t.run(ctx, muxArgs(video, audio, tmp, frames, fps)...); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("mux: %w", err)
	}
	_ = os.Remove(out)
	return os.Rename(tmp, out)
}

func muxArgs(video, audio, out string, frames int, fps float64) []string {
	duration := strconv.FormatFloat(float64(frames)/fps, 'f', 6, 64)
	args := []string{"-y", "-v", "error", "-nostdin", "-i", video}
	if audio == "" {
		args = append(args, "-map", "0:v:0", "-c:v", "copy")
	} else {
		args = append(args,
			"-i", audio,
			"-map", "0:v:0", "-map", "1:a:0",
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", "192k",
			"-af", "apad",
		)
	}
	args = append(args,
		"-t", duration,
		"-f", "mp4",
		"-movflags", "+faststart",
		out,
	)
	return args
}

func (t *Tools) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, t.FFmpeg, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
