// Package pipeline runs the six transformation stages for one job in order:
// probe, scene detection, content analysis, frame processing, audio
// extraction and the final merge.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/kiranshivaraju/reframe/internal/analysis"
	"github.com/kiranshivaraju/reframe/internal/media"
	"github.com/kiranshivaraju/reframe/internal/reframe"
	"github.com/kiranshivaraju/reframe/internal/scene"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// Stage names used in StageError and metrics.
const (
	StageProbe    = "media probe"
	StageScenes   = "scene detection"
	StageAnalysis = "content analysis"
	StageFrames   = "frame processing"
	StageAudio    = "audio extraction"
	StageMerge    = "final merge"
)

// StageError tags a failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Config groups the tunables of every stage.
type Config struct {
	Scene    scene.Config
	Analysis analysis.Config
	Reframe  reframe.Config
	// DetectWidth is the width frames are decoded at for the detector.
	DetectWidth int
}

// ProgressFunc receives ordered progress updates.
type ProgressFunc func(models.Progress)

// Observer receives per-stage timings. The metrics package implements it.
type Observer interface {
	ObserveStage(stage string, durationSeconds float64, err error)
	ObserveRender(scenes, fallbacks, frames int)
}

// Request names the files of one run.
type Request struct {
	InputPath  string
	OutputPath string
	// WorkDir holds intermediates; the caller owns its lifetime.
	WorkDir string
}

// Processor executes the pipeline.
type Processor struct {
	tools    Toolkit
	analyzer *analysis.Analyzer
	cfg      Config
	observer Observer
	logger   *slog.Logger
}

// NewProcessor creates a Processor. observer may be nil.
func NewProcessor(tools Toolkit, detector analysis.Detector, cfg Config, observer Observer) *Processor {
	if cfg.DetectWidth <= 0 {
		cfg.DetectWidth = 640
	}
	return &Processor{
		tools:    tools,
		analyzer: analysis.NewAnalyzer(detector, cfg.Analysis),
		cfg:      cfg,
		observer: observer,
		logger:   slog.Default(),
	}
}

// run carries the state of one Process call.
type run struct {
	p        *Processor
	req      Request
	progress ProgressFunc
	last     models.Progress
	logger   *slog.Logger
}

// report forwards progress only when it moves forward.
func (r *run) report(step, percent int, msg string) {
	if percent > 100 {
		percent = 100
	}
	next := models.Progress{Step: step, Percent: percent, Message: msg}
	if !r.last.Before(next) {
		return
	}
	r.last = next
	if r.progress != nil {
		r.progress(next)
	}
}

// stage runs fn and wraps its error with the stage name. fn may return a
// *StageError to attribute the failure to another stage.
func (r *run) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	var se *StageError
	if errors.As(err, &se) {
		name = se.Stage
	}
	if r.p.observer != nil {
		r.p.observer.ObserveStage(name, time.Since(start).Seconds(), err)
	}
	if se != nil {
		return se
	}
	if err != nil {
		return &StageError{Stage: name, Err: err}
	}
	r.logger.Debug("stage finished", "stage", name, "duration", time.Since(start).String())
	return nil
}

// Process runs every stage for req and returns the result on success.
func (p *Processor) Process(ctx context.Context, req Request, progress ProgressFunc) (models.Result, error) {
	start := time.Now()
	r := &run{p: p, req: req, progress: progress, logger: p.logger.With("input", filepath.Base(req.InputPath))}

	var info models.MediaInfo
	r.report(models.StepSceneDetection, 0, "Probing media")
	if err := r.stage(StageProbe, func() error {
		var err error
		info, err = p.tools.Probe(ctx, req.InputPath)
		return err
	}); err != nil {
		return models.Result{}, err
	}
	src := models.Size{W: info.Width, H: info.Height}
	r.logger.Info("media probed",
		"resolution", src.String(),
		"fps", info.FPS,
		"frames", info.FrameCount,
		"duration", fmt.Sprintf("%.2fs", info.Duration),
		"audio", info.HasAudio,
	)

	var scenes []models.Scene
	if err := r.stage(StageScenes, func() error {
		var err error
		scenes, err = p.detectScenes(ctx, r, info)
		return err
	}); err != nil {
		return models.Result{}, err
	}
	totalFrames := scenes[len(scenes)-1].EndFrame
	if totalFrames != info.FrameCount {
		r.logger.Warn("decoded frame count differs from probe",
			"probed", info.FrameCount, "decoded", totalFrames)
	}
	r.report(models.StepSceneDetection, 100, fmt.Sprintf("Detected %d scenes", len(scenes)))

	var tracks []models.ROITrack
	if err := r.stage(StageAnalysis, func() error {
		var err error
		tracks, err = p.analyze(ctx, r, info, scenes)
		return err
	}); err != nil {
		return models.Result{}, err
	}

	plan, err := reframe.NewPlan(src, scenes, tracks, p.cfg.Reframe)
	if err != nil {
		return models.Result{}, &StageError{Stage: StageFrames, Err: err}
	}
	videoPath := filepath.Join(req.WorkDir, "video.mp4")
	var frames int
	if err := r.stage(StageFrames, func() error {
		var err error
		frames, err = p.render(ctx, r, info, plan, totalFrames, videoPath)
		return err
	}); err != nil {
		return models.Result{}, err
	}
	if p.observer != nil {
		p.observer.ObserveRender(len(scenes), plan.Fallbacks(), frames)
	}

	var audio string
	r.report(models.StepAudioExtraction, 0, "Extracting audio")
	if err := r.stage(StageAudio, func() error {
		var err error
		audio, err = p.tools.ExtractAudio(ctx, req.InputPath, req.WorkDir, info)
		return err
	}); err != nil {
		return models.Result{}, err
	}
	if audio == "" {
		r.report(models.StepAudioExtraction, 100, "No audio track")
	} else {
		r.report(models.StepAudioExtraction, 100, "Audio extracted")
	}

	r.report(models.StepFinalMerge, 0, "Merging video and audio")
	if err := r.stage(StageMerge, func() error {
		return p.tools.Mux(ctx, videoPath, audio, req.OutputPath, frames, info.FPS)
	}); err != nil {
		return models.Result{}, err
	}
	r.report(models.StepFinalMerge, 100, "Done")

	elapsed := time.Since(start)
	r.logger.Info("pipeline finished",
		"scenes", len(scenes),
		"fallback_scenes", plan.Fallbacks(),
		"frames", frames,
		"elapsed", elapsed.Round(time.Millisecond).String(),
		"started", humanize.Time(start),
	)
	return models.Result{
		OutputPath:            req.OutputPath,
		ScenesDetected:        len(scenes),
		TotalFrames:           frames,
		ProcessingTimeSeconds: math.Round(elapsed.Seconds()*100) / 100,
		OutputResolution:      plan.OutputSize().String(),
	}, nil
}

func (p *Processor) detectScenes(ctx context.Context, r *run, info models.MediaInfo) ([]models.Scene, error) {
	size := p.cfg.Scene.AnalysisSize(models.Size{W: info.Width, H: info.Height})
	stream, err := p.tools.OpenFrames(ctx, r.req.InputPath, size)
	if err != nil {
		return nil, err
	}
	scenes, err := scene.Segment(ctx, stream, p.cfg.Scene, func(n int) {
		r.report(models.StepSceneDetection, percentOf(n, info.FrameCount), "Detecting scenes")
	})
	if cerr := stream.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if errors.Is(err, scene.ErrNoFrames) {
		// The container probed fine but holds nothing to decode.
		return nil, &StageError{Stage: StageProbe, Err: fmt.Errorf("%w: zero decodable frames", media.ErrUnreadableMedia)}
	}
	if err != nil {
		return nil, err
	}
	return scenes, nil
}

func (p *Processor) analyze(ctx context.Context, r *run, info models.MediaInfo, scenes []models.Scene) ([]models.ROITrack, error) {
	src := models.Size{W: info.Width, H: info.Height}
	detectSize := scaledToWidth(src, p.cfg.DetectWidth)
	grab := analysis.GrabberFunc(func(ctx context.Context, index int) (*image.RGBA, error) {
		return p.tools.GrabFrame(ctx, r.req.InputPath, index, info.FPS, detectSize)
	})

	tracks := make([]models.ROITrack, len(scenes))
	r.report(models.StepContentAnalysis, 0, "Analyzing content")
	for i, sc := range scenes {
		track, err := p.analyzer.Analyze(ctx, grab, sc, src)
		if err != nil {
			return nil, fmt.Errorf("scene %d: %w", sc.Index, err)
		}
		tracks[i] = track
		r.report(models.StepContentAnalysis, percentOf(i+1, len(scenes)),
			fmt.Sprintf("Analyzed scene %d of %d", i+1, len(scenes)))
	}
	return tracks, nil
}

func (p *Processor) render(ctx context.Context, r *run, info models.MediaInfo, plan *reframe.Plan, total int, out string) (int, error) {
	src := models.Size{W: info.Width, H: info.Height}
	stream, err := p.tools.OpenFrames(ctx, r.req.InputPath, src)
	if err != nil {
		return 0, err
	}
	streamOpen := true
	defer func() {
		if streamOpen {
			_ = stream.Close()
		}
	}()

	sink, err := p.tools.NewEncoder(ctx, out, plan.OutputSize(), info.FPS)
	if err != nil {
		return 0, err
	}
	renderer := reframe.NewRenderer(plan.OutputSize(), p.cfg.Reframe)
	frame := image.NewRGBA(image.Rect(0, 0, src.W, src.H))

	r.report(models.StepFrameProcessing, 0, "Processing frames")
	for i := 0; ; i++ {
		if i%32 == 0 {
			if err := ctx.Err(); err != nil {
				_ = sink.Close()
				return 0, err
			}
		}
		err := stream.Next(frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = sink.Close()
			return 0, err
		}
		if err := sink.WriteFrame(renderer.Render(frame, plan.Decision(i))); err != nil {
			_ = sink.Close()
			return 0, err
		}
		r.report(models.StepFrameProcessing, percentOf(i+1, total), "Processing frames")
	}
	if err := sink.Close(); err != nil {
		return 0, err
	}
	streamOpen = false
	if err := stream.Close(); err != nil {
		return 0, err
	}
	if sink.Frames() == 0 {
		return 0, errors.New("no frames rendered")
	}
	r.report(models.StepFrameProcessing, 100, fmt.Sprintf("Rendered %d frames", sink.Frames()))
	return sink.Frames(), nil
}

// percentOf maps done/total to 0..99; 100 is reserved for the stage's
// completion message.
func percentOf(done, total int) int {
	if total <= 0 {
		return 0
	}
	return min(done*100/total, 99)
}

func scaledToWidth(src models.Size, width int) models.Size {
	if width <= 0 || width >= src.W {
		return src
	}
	h := int(math.Round(float64(src.H) * float64(width) / float64(src.W)))
	return models.Size{W: width &^ 1, H: max(h&^1, 2)}
}
