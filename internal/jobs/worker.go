package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/reframe/internal/pipeline"
	"github.com/kiranshivaraju/reframe/internal/queue"
	"github.com/kiranshivaraju/reframe/internal/storage"
	"github.com/kiranshivaraju/reframe/internal/store"
	"github.com/kiranshivaraju/reframe/internal/webhook"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// errShutdown marks a run interrupted by worker shutdown. The job is handed
// back to the queue instead of being failed.
var errShutdown = errors.New("worker shutting down")

// Processor runs the transformation pipeline for one job.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (models.Result, error)
}

// Notifier queues webhook notifications without blocking.
type Notifier interface {
	Notify(url string, p webhook.Payload) bool
}

// WorkerConfig holds worker tunables.
type WorkerConfig struct {
	Concurrency int
	// ReclaimInterval is how often expired queue leases are requeued.
	ReclaimInterval time.Duration
	// ExtendInterval is how often a running job renews its lease.
	ExtendInterval time.Duration
	// RecoverOnStart requeues every pending job and resets every processing
	// one before consuming. Set it when the queue does not outlive the
	// process, so the store is the only record of unfinished work.
	RecoverOnStart bool
}

// Worker consumes the queue and executes jobs.
type Worker struct {
	cfg       WorkerConfig
	store     store.Store
	queue     queue.Queue
	layout    *storage.Layout
	processor Processor
	notifier  Notifier
	observer  Observer
	logger    *slog.Logger
}

// NewWorker creates a Worker. notifier and observer may be nil.
func NewWorker(cfg WorkerConfig, st store.Store, q queue.Queue, layout *storage.Layout, proc Processor, notifier Notifier, observer Observer) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = time.Minute
	}
	if cfg.ExtendInterval <= 0 {
		cfg.ExtendInterval = time.Minute
	}
	return &Worker{
		cfg:       cfg,
		store:     st,
		queue:     q,
		layout:    layout,
		processor: proc,
		notifier:  notifier,
		observer:  observer,
		logger:    slog.Default().With("component", "worker"),
	}
}

// Run processes jobs until ctx is cancelled. In-flight jobs are interrupted
// and returned to the queue.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.RecoverOnStart {
		if err := w.requeueUnfinished(ctx); err != nil {
			return fmt.Errorf("recover unfinished jobs: %w", err)
		}
	}
	w.reclaim(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.ReclaimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.reclaim(ctx)
			}
		}
	}()

	w.logger.Info("worker started", "concurrency", w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for {
		id, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(ctx, id)
	}
}

// handle executes one delivery, renewing its lease while it runs.
func (w *Worker) handle(ctx context.Context, id uuid.UUID) {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cfg.ExtendInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.queue.Extend(ctx, id); err != nil {
					w.logger.Warn("failed to extend lease", "job_id", id, "error", err)
				}
			}
		}
	}()

	err := w.Execute(ctx, id)
	close(stop)
	if errors.Is(err, errShutdown) {
		// Left unacknowledged; the lease expires and the job is reclaimed.
		return
	}
	if err != nil {
		w.logger.Error("job execution failed", "job_id", id, "error", err)
	}
	if err := w.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		w.logger.Warn("failed to ack job", "job_id", id, "error", err)
	}
}

// reclaim requeues jobs whose worker vanished without acknowledging them.
func (w *Worker) reclaim(ctx context.Context) {
	n, err := w.queue.Reclaim(ctx, w.resetAbandoned)
	if err != nil {
		w.logger.Warn("lease reclaim failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("reclaimed abandoned jobs", "count", n)
	}
}

// requeueUnfinished rebuilds the queue from the store. Processing rows
// belong to a previous process and go back to pending; they are enqueued
// ahead of the pending jobs, each group oldest first.
func (w *Worker) requeueUnfinished(ctx context.Context) error {
	stale, err := w.jobIDs(ctx, models.JobStatusProcessing)
	if err != nil {
		return err
	}
	pending, err := w.jobIDs(ctx, models.JobStatusPending)
	if err != nil {
		return err
	}

	for _, id := range stale {
		if err := w.resetAbandoned(ctx, id); err != nil {
			return fmt.Errorf("reset job %s: %w", id, err)
		}
	}
	// Both lists are newest first.
	ids := slices.Concat(pending, stale)
	slices.Reverse(ids)

	for _, id := range ids {
		if err := w.queue.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("enqueue job %s: %w", id, err)
		}
	}
	if len(ids) > 0 {
		w.logger.Info("requeued unfinished jobs", "count", len(ids), "reset", len(stale))
	}
	return nil
}

// jobIDs lists every job in status, newest first.
func (w *Worker) jobIDs(ctx context.Context, status string) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for page := 1; ; page++ {
		batch, total, err := w.store.ListJobs(ctx, store.JobFilter{Status: status, Page: page, Limit: store.MaxLimit})
		if err != nil {
			return nil, fmt.Errorf("list %s jobs: %w", status, err)
		}
		for _, job := range batch {
			ids = append(ids, job.ID)
		}
		if len(batch) == 0 || len(ids) >= total {
			return ids, nil
		}
	}
}

func (w *Worker) resetAbandoned(ctx context.Context, id uuid.UUID) error {
	err := w.store.ResetProcessing(ctx, id)
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// Execute runs job id once. Deliveries of unknown or non-pending jobs are
// no-ops, so duplicate deliveries are harmless.
func (w *Worker) Execute(ctx context.Context, id uuid.UUID) error {
	logger := w.logger.With("job_id", id)

	job, err := w.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("job no longer exists, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status() != models.JobStatusPending {
		logger.Info("job is not pending, skipping", "status", job.Status())
		return nil
	}

	start := time.Now()
	if err := storage.Readable(job.InputPath); err != nil {
		logger.Warn("input missing", "input", job.InputPath, "error", err)
		if w.observer != nil {
			w.observer.JobStarted()
		}
		return w.finish(ctx, job, start, models.Result{}, &pipeline.StageError{
			Stage: pipeline.StageProbe, Err: errors.New("input missing"),
		})
	}

	if err := w.store.MarkProcessing(ctx, id); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			logger.Info("job claimed elsewhere, skipping", "error", err)
			return nil
		}
		return fmt.Errorf("mark processing: %w", err)
	}
	if w.observer != nil {
		w.observer.JobStarted()
	}
	logger.Info("job started")

	res, runErr := w.run(ctx, job)
	if runErr != nil && ctx.Err() != nil {
		if err := w.store.ResetProcessing(context.WithoutCancel(ctx), id); err != nil {
			logger.Warn("failed to reset interrupted job", "error", err)
		}
		if w.observer != nil {
			w.observer.JobFinished("", time.Since(start).Seconds())
		}
		logger.Info("job interrupted by shutdown")
		return errShutdown
	}
	return w.finish(ctx, job, start, res, runErr)
}

// run executes the pipeline in a locked work directory, turning panics into errors.
func (w *Worker) run(ctx context.Context, job *models.Job) (res models.Result, err error) {
	wd, err := w.layout.AcquireWorkDir(job.ID)
	if err != nil {
		return models.Result{}, fmt.Errorf("prepare work directory: %w", err)
	}
	defer func() {
		if rerr := wd.Release(); rerr != nil {
			w.logger.Warn("failed to release work directory", "job_id", job.ID, "error", rerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in pipeline", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	progress := func(p models.Progress) {
		if err := w.store.UpdateProgress(ctx, job.ID, p); err != nil {
			w.logger.Debug("progress update dropped", "job_id", job.ID, "error", err)
		}
	}
	return w.processor.Process(ctx, pipeline.Request{
		InputPath:  job.InputPath,
		OutputPath: job.OutputPath,
		WorkDir:    wd.Path,
	}, progress)
}

// finish commits the outcome and hands the webhook to the notifier.
func (w *Worker) finish(ctx context.Context, job *models.Job, start time.Time, res models.Result, runErr error) error {
	logger := w.logger.With("job_id", job.ID)
	ctx = context.WithoutCancel(ctx)

	var (
		status  string
		payload webhook.Payload
		err     error
	)
	if runErr == nil {
		status = models.JobStatusCompleted
		payload = webhook.CompletedPayload(job.ID, res)
		err = w.store.Complete(ctx, job.ID, res)
	} else {
		status = models.JobStatusFailed
		payload = webhook.FailedPayload(job.ID, runErr.Error())
		err = w.store.Fail(ctx, job.ID, runErr.Error())
	}

	elapsed := time.Since(start).Seconds()
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Deleted mid-run: the output stays on disk, unrecorded and unannounced.
		logger.Info("job deleted while running, outcome not recorded",
			"outcome", status, "output_path", job.OutputPath)
		if w.observer != nil {
			w.observer.JobFinished("", elapsed)
		}
		return nil
	case err != nil:
		if w.observer != nil {
			w.observer.JobFinished("", elapsed)
		}
		return fmt.Errorf("commit %s: %w", status, err)
	}

	if w.observer != nil {
		w.observer.JobFinished(status, elapsed)
	}
	if runErr != nil {
		logger.Warn("job failed", "error", runErr)
	} else {
		logger.Info("job completed",
			"scenes", res.ScenesDetected,
			"frames", res.TotalFrames,
			"resolution", res.OutputResolution,
			"processing_time", res.ProcessingTimeSeconds,
		)
	}
	if w.notifier != nil && job.WebhookURL != "" {
		w.notifier.Notify(job.WebhookURL, payload)
	}
	return nil
}
