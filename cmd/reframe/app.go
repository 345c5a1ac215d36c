package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/reframe/internal/analysis"
	"github.com/kiranshivaraju/reframe/internal/analysis/facedetect"
	"github.com/kiranshivaraju/reframe/internal/config"
	"github.com/kiranshivaraju/reframe/internal/jobs"
	"github.com/kiranshivaraju/reframe/internal/media"
	"github.com/kiranshivaraju/reframe/internal/metrics"
	"github.com/kiranshivaraju/reframe/internal/pipeline"
	"github.com/kiranshivaraju/reframe/internal/queue"
	"github.com/kiranshivaraju/reframe/internal/reframe"
	"github.com/kiranshivaraju/reframe/internal/scene"
	"github.com/kiranshivaraju/reframe/internal/storage"
	"github.com/kiranshivaraju/reframe/internal/store"
	"github.com/kiranshivaraju/reframe/internal/webhook"
)

const (
	shutdownTimeout = 30 * time.Second
	statsInterval   = 15 * time.Second
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg      *config.Config
	store    store.Store
	queue    queue.Queue
	layout   *storage.Layout
	service  *jobs.Service
	observer *metrics.Observer

	closers []func() error
}

// newApp opens the store and the queue and builds the job service.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, observer: metrics.NewObserver()}

	layout, err := storage.New(cfg.Storage.Root)
	if err != nil {
		return nil, fmt.Errorf("prepare storage: %w", err)
	}
	a.layout = layout

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	slog.Info("database ready", "driver", cfg.Database.Driver)

	if cfg.Redis.URL == "" {
		a.queue = queue.NewMemoryQueue()
		slog.Warn("REDIS_URL not set, using in-process queue")
	} else {
		rq, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Queue.Name, cfg.Queue.Lease)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create redis queue: %w", err)
		}
		if err := rq.Ping(ctx); err != nil {
			_ = rq.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.queue = rq
		slog.Info("redis queue connected", "queue", cfg.Queue.Name)
	}
	a.closers = append(a.closers, a.queue.Close)

	a.service = jobs.NewService(jobs.ServiceConfig{
		Store:          a.store,
		Queue:          a.queue,
		Layout:         layout,
		Fetcher:        storage.NewFetcher(layout, cfg.Storage.URLFetchTimeout, cfg.Storage.MaxUploadBytes),
		MaxUploadBytes: cfg.Storage.MaxUploadBytes,
		Observer:       a.observer,
	})
	return a, nil
}

// inProcessQueue reports whether jobs can only be consumed by this process.
func (a *app) inProcessQueue() bool {
	return a.cfg.Redis.URL == ""
}

// newWorker builds the pipeline and returns a worker with its notifier.
// The caller runs both and closes the notifier once the worker returns.
func (a *app) newWorker() (*jobs.Worker, *webhook.Notifier, error) {
	proc, err := newProcessor(a.cfg, a.observer)
	if err != nil {
		return nil, nil, err
	}
	notifier := webhook.NewNotifier(webhook.Config{
		Timeout:   a.cfg.Webhook.Timeout,
		QueueSize: a.cfg.Webhook.QueueSize,
	}, a.store, a.observer)

	worker := jobs.NewWorker(jobs.WorkerConfig{
		Concurrency:    a.cfg.Worker.Concurrency,
		ExtendInterval: a.cfg.Queue.Lease / 3,
		RecoverOnStart: a.inProcessQueue(),
	}, a.store, a.queue, a.layout, proc, notifier, a.observer)
	return worker, notifier, nil
}

// Close releases the store and the queue in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

// newProcessor wires the ffmpeg toolkit and the face detector into a
// pipeline configured from cfg.Pipeline.
func newProcessor(cfg *config.Config, observer pipeline.Observer) (*pipeline.Processor, error) {
	p := cfg.Pipeline

	dcfg := facedetect.DefaultConfig()
	dcfg.CascadePath = p.FaceCascadePath
	detector, err := facedetect.New(dcfg)
	if err != nil {
		return nil, fmt.Errorf("load face detector (set FACE_CASCADE_PATH): %w", err)
	}

	tools := media.NewTools(cfg.Media.FFmpegPath, cfg.Media.FFprobePath)
	toolkit := pipeline.NewFFmpegToolkit(tools, media.EncodeOptions{
		Preset: p.Encoder.Preset,
		CRF:    p.Encoder.CRF,
	})

	return pipeline.NewProcessor(toolkit, detector, pipelineConfig(p), observer), nil
}

func pipelineConfig(p config.PipelineConfig) pipeline.Config {
	return pipeline.Config{
		Scene: scene.Config{
			ThresholdFactor: p.Scene.ThresholdFactor,
			MinThreshold:    p.Scene.MinThreshold,
			Window:          p.Scene.Window,
			MinSceneFrames:  p.Scene.MinFrames,
			AnalysisWidth:   p.Scene.AnalysisWidth,
		},
		Analysis: analysis.Config{
			MaxSamples:     p.Analysis.MaxSamples,
			SmoothingAlpha: p.Analysis.SmoothingAlpha,
			Padding:        p.Analysis.Padding,
			GroupSubjects:  p.Analysis.GroupSubjects,
		},
		Reframe: reframe.Config{
			MinCropHeightRatio: p.Reframe.MinCropRatio,
			BlurBackground:     p.Reframe.BlurBackground,
			BlurSigma:          p.Reframe.BlurSigma,
		},
		DetectWidth: p.DetectWidth,
	}
}
