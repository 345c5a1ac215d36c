package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// ErrUnreadableMedia is returned when the container cannot be opened or has
// no decodable video frames.
var ErrUnreadableMedia = errors.New("unreadable media")

// Tools locates the ffmpeg and ffprobe binaries.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

// NewTools returns Tools using the given binaries, falling back to PATH lookup names.
func NewTools(ffmpegPath, ffprobePath string) *Tools {
	ffmpegPath = strings.TrimSpace(ffmpegPath)
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath = strings.TrimSpace(ffprobePath)
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Tools{FFmpeg: ffmpegPath, FFprobe: ffprobePath}
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  probeFormat   `json:"format"`
}

type probeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	NBFrames     string `json:"nb_frames"`
	Duration     string `json:"duration"`
}

type probeFormat struct {
	Duration   string `json:"duration"`
	FormatName string `json:"format_name"`
}

// Probe inspects path and returns duration, frame rate, resolution and audio presence.
func (t *Tools) Probe(ctx context.Context, path string) (models.MediaInfo, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return models.MediaInfo{}, fmt.Errorf("%w: empty path", ErrUnreadableMedia)
	}

	cmd := exec.CommandContext(ctx, t.FFprobe,
		"-v", "error", "-hide_banner",
		"-show_format", "-show_streams",
		"-of", "json", "--", path)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return models.MediaInfo{}, fmt.Errorf("%w: ffprobe: %s", ErrUnreadableMedia, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return models.MediaInfo{}, fmt.Errorf("ffprobe: %w", err)
	}
	return parseProbe(output)
}

func parseProbe(raw []byte) (models.MediaInfo, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return models.MediaInfo{}, fmt.Errorf("%w: parse ffprobe output: %v", ErrUnreadableMedia, err)
	}

	var info models.MediaInfo
	var video *probeStream
	for i := range out.Streams {
		s := &out.Streams[i]
		switch strings.ToLower(s.CodecType) {
		case "video":
			if video == nil {
				video = s
			}
		case "audio":
			if !info.HasAudio {
				info.HasAudio = true
				info.AudioCodec = s.CodecName
			}
		}
	}
	if video == nil {
		return models.MediaInfo{}, fmt.Errorf("%w: no video stream", ErrUnreadableMedia)
	}

	info.Width = video.Width
	info.Height = video.Height
	info.FPS = parseRate(video.AvgFrameRate)
	if info.FPS <= 0 {
		info.FPS = parseRate(video.RFrameRate)
	}
	info.Duration = parseSeconds(out.Format.Duration)
	if info.Duration <= 0 {
		info.Duration = parseSeconds(video.Duration)
	}

	if n, err := strconv.Atoi(strings.TrimSpace(video.NBFrames)); err == nil && n > 0 {
		info.FrameCount = n
	} else if info.FPS > 0 && info.Duration > 0 {
		info.FrameCount = int(math.Round(info.Duration * info.FPS))
	}

	if info.Width <= 0 || info.Height <= 0 {
		return models.MediaInfo{}, fmt.Errorf("%w: invalid resolution %dx%d", ErrUnreadableMedia, info.Width, info.Height)
	}
	if info.FPS <= 0 {
		return models.MediaInfo{}, fmt.Errorf("%w: unknown frame rate", ErrUnreadableMedia)
	}
	if info.FrameCount <= 0 {
		return models.MediaInfo{}, fmt.Errorf("%w: zero decodable frames", ErrUnreadableMedia)
	}
	return info, nil
}

// parseRate parses ffprobe rationals such as "30000/1001" or plain decimals.
func parseRate(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	num, den, found := strings.Cut(value, "/")
	if !found {
		return parseSeconds(value)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || v < 0 {
		return 0
	}
	return v
}
