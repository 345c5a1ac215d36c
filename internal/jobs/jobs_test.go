package jobs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/reframe/internal/jobs"
	"github.com/kiranshivaraju/reframe/internal/pipeline"
	"github.com/kiranshivaraju/reframe/internal/queue"
	"github.com/kiranshivaraju/reframe/internal/storage"
	"github.com/kiranshivaraju/reframe/internal/store"
	"github.com/kiranshivaraju/reframe/internal/webhook"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// --- fakes ---

type processFunc func(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (models.Result, error)

type fakeProcessor struct {
	mu    sync.Mutex
	calls int
	fn    processFunc
}

func (p *fakeProcessor) Process(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (models.Result, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, req, progress)
}

func (p *fakeProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// succeed writes a small output file and reports every step.
func succeed(_ context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (models.Result, error) {
	for step := 1; step <= models.TotalSteps; step++ {
		progress(models.Progress{Step: step, Percent: 50, Message: "working"})
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return models.Result{}, err
	}
	if err := os.WriteFile(req.OutputPath, []byte("vertical"), 0o644); err != nil {
		return models.Result{}, err
	}
	return models.Result{
		OutputPath:            req.OutputPath,
		ScenesDetected:        2,
		TotalFrames:           240,
		ProcessingTimeSeconds: 3.21,
		OutputResolution:      "608x1080",
	}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	urls     []string
}

func (n *fakeNotifier) Notify(url string, p webhook.Payload) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.payloads = append(n.payloads, p)
	return true
}

func (n *fakeNotifier) Payloads() []webhook.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]webhook.Payload(nil), n.payloads...)
}

type recordingObserver struct {
	mu        sync.Mutex
	submitted []string
	started   int
	finished  []string
}

func (o *recordingObserver) JobSubmitted(origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.submitted = append(o.submitted, origin)
}

func (o *recordingObserver) JobStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *recordingObserver) JobFinished(status string, _ float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, status)
}

// --- fixture ---

type env struct {
	svc      *jobs.Service
	worker   *jobs.Worker
	store    store.Store
	queue    *queue.MemoryQueue
	layout   *storage.Layout
	proc     *fakeProcessor
	notifier *fakeNotifier
	observer *recordingObserver
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "reframe.db")
	st, err := store.OpenSQLite(context.Background(), dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, store.RunMigrations(store.DriverSQLite, dbPath))

	layout, err := storage.New(filepath.Join(dir, "files"))
	require.NoError(t, err)

	e := &env{
		store:    st,
		queue:    queue.NewMemoryQueue(),
		layout:   layout,
		proc:     &fakeProcessor{fn: succeed},
		notifier: &fakeNotifier{},
		observer: &recordingObserver{},
	}
	e.svc = jobs.NewService(jobs.ServiceConfig{
		Store:          st,
		Queue:          e.queue,
		Layout:         layout,
		MaxUploadBytes: 1 << 20,
		Observer:       e.observer,
	})
	e.worker = jobs.NewWorker(jobs.WorkerConfig{Concurrency: 2}, st, e.queue, layout, e.proc, e.notifier, e.observer)
	return e
}

func (e *env) upload(t *testing.T, webhookURL string) *models.Job {
	t.Helper()
	job, err := e.svc.Upload(context.Background(), "clip.mp4", strings.NewReader("fake video"), webhookURL)
	require.NoError(t, err)
	return job
}

// --- submission ---

func TestUpload(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, "https://hooks.example/done")

	assert.Equal(t, models.JobStatusPending, job.Status())
	assert.Equal(t, e.layout.InputPath(job.ID, ".mp4"), job.InputPath)
	assert.Equal(t, e.layout.OutputPath(job.ID), job.OutputPath)
	assert.NotEmpty(t, job.InputDigest)

	n, err := e.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{jobs.OriginUpload}, e.observer.submitted)

	got, err := e.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/done", got.WebhookURL)
}

func TestUpload_Validation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Upload(ctx, "notes.txt", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, jobs.ErrValidation)

	_, err = e.svc.Upload(ctx, "clip.MOV", strings.NewReader("x"), "ftp://hooks.example")
	var verr *jobs.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "webhook_url", verr.Field)

	_, err = e.svc.Upload(ctx, "clip.mp4", strings.NewReader("x"), "/relative/hook")
	assert.ErrorIs(t, err, jobs.ErrValidation)

	_, err = e.svc.Upload(ctx, "clip.mp4", strings.NewReader(strings.Repeat("x", 2<<20)), "")
	assert.ErrorIs(t, err, storage.ErrTooLarge)

	n, _ := e.queue.Len(ctx)
	assert.Zero(t, n, "rejected submissions enqueue nothing")
}

func TestSubmit_MissingInput(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Submit(context.Background(), jobs.SubmitParams{InputPath: filepath.Join(t.TempDir(), "gone.mp4")})
	assert.ErrorIs(t, err, jobs.ErrValidation)
}

func TestSubmitURL_NotConfigured(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.SubmitURL(context.Background(), "https://example.com/a.mp4", "")
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Get(context.Background(), uuid.New())
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

// --- execution ---

func TestExecute_Success(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "https://hooks.example/done")

	require.NoError(t, e.worker.Execute(ctx, job.ID))

	got, err := e.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusCompleted, got.Status())
	res, ok := got.CompletedResult()
	require.True(t, ok)
	assert.Equal(t, 2, res.ScenesDetected)
	assert.Equal(t, "608x1080", res.OutputResolution)
	_, hasProgress := got.CurrentProgress()
	assert.False(t, hasProgress)
	_, hasError := got.FailureReason()
	assert.False(t, hasError)

	payloads := e.notifier.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, models.JobStatusCompleted, payloads[0].Status)
	assert.Equal(t, job.ID, payloads[0].JobID)
	assert.Equal(t, []string{models.JobStatusCompleted}, e.observer.finished)

	path, err := e.svc.OutputFile(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.OutputPath, path)

	// The work directory is released after the run.
	_, err = os.Stat(e.layout.WorkDir(job.ID))
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_ProgressIsMonotonic(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")

	var seen []models.Progress
	e.proc.fn = func(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (models.Result, error) {
		for _, p := range []models.Progress{
			{Step: 1, Percent: 10}, {Step: 3, Percent: 20}, {Step: 2, Percent: 99}, {Step: 3, Percent: 5}, {Step: 3, Percent: 60},
		} {
			progress(p)
			got, err := e.store.GetJob(ctx, job.ID)
			require.NoError(t, err)
			cur, _ := got.CurrentProgress()
			seen = append(seen, cur)
		}
		return succeed(ctx, req, func(models.Progress) {})
	}
	require.NoError(t, e.worker.Execute(ctx, job.ID))

	require.Len(t, seen, 5)
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, seen[i].Overall(), seen[i-1].Overall())
	}
	assert.Equal(t, models.Progress{Step: 3, Percent: 60}, models.Progress{Step: seen[4].Step, Percent: seen[4].Percent})
}

func TestExecute_StageFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "https://hooks.example/done")
	e.proc.fn = func(context.Context, pipeline.Request, pipeline.ProgressFunc) (models.Result, error) {
		return models.Result{}, &pipeline.StageError{Stage: pipeline.StageScenes, Err: errors.New("decoder crashed")}
	}

	require.NoError(t, e.worker.Execute(ctx, job.ID))

	got, err := e.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	reason, ok := got.FailureReason()
	require.True(t, ok)
	assert.Equal(t, "scene detection: decoder crashed", reason)
	_, hasResult := got.CompletedResult()
	assert.False(t, hasResult)

	payloads := e.notifier.Payloads()
	require.Len(t, payloads, 1)
	assert.Equal(t, models.JobStatusFailed, payloads[0].Status)
	assert.Equal(t, reason, payloads[0].Error)
	assert.Nil(t, payloads[0].Result)
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")
	e.proc.fn = func(context.Context, pipeline.Request, pipeline.ProgressFunc) (models.Result, error) {
		panic("index out of range")
	}

	require.NoError(t, e.worker.Execute(ctx, job.ID))
	got, err := e.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	reason, ok := got.FailureReason()
	require.True(t, ok)
	assert.Contains(t, reason, "index out of range")
	assert.Empty(t, e.notifier.Payloads(), "no webhook without a url")
}

func TestExecute_MissingInputFailsAtProbe(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")
	require.NoError(t, os.Remove(job.InputPath))

	require.NoError(t, e.worker.Execute(ctx, job.ID))
	assert.Zero(t, e.proc.Calls())

	got, err := e.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	reason, _ := got.FailureReason()
	assert.Equal(t, "media probe: input missing", reason)
}

func TestExecute_DuplicateDeliveryIsNoop(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")

	require.NoError(t, e.worker.Execute(ctx, job.ID))
	require.NoError(t, e.worker.Execute(ctx, job.ID))
	assert.Equal(t, 1, e.proc.Calls())
	assert.NoError(t, e.worker.Execute(ctx, uuid.New()))
}

func TestExecute_DeletedMidRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "https://hooks.example/done")

	e.proc.fn = func(ctx context.Context, req pipeline.Request, progress pipeline.ProgressFunc) (models.Result, error) {
		progress(models.Progress{Step: 2, Percent: 10})
		require.NoError(t, e.svc.Delete(ctx, job.ID))
		return succeed(ctx, req, progress)
	}

	require.NoError(t, e.worker.Execute(ctx, job.ID))

	_, err := e.svc.Get(ctx, job.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.Empty(t, e.notifier.Payloads())
	assert.Equal(t, []string{""}, e.observer.finished)
	out, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err, "output stays on disk")
	assert.Equal(t, "vertical", string(out))
}

func TestExecute_ShutdownReturnsJobToPending(t *testing.T) {
	e := newEnv(t)
	job := e.upload(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	e.proc.fn = func(ctx context.Context, _ pipeline.Request, _ pipeline.ProgressFunc) (models.Result, error) {
		cancel()
		<-ctx.Done()
		return models.Result{}, &pipeline.StageError{Stage: pipeline.StageFrames, Err: ctx.Err()}
	}

	assert.Error(t, e.worker.Execute(ctx, job.ID))
	got, err := e.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status())
	assert.Empty(t, e.notifier.Payloads())
}

func TestRun_ProcessesQueue(t *testing.T) {
	e := newEnv(t)
	a := e.upload(t, "")
	b := e.upload(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range []uuid.UUID{a.ID, b.ID} {
			job, err := e.svc.Get(context.Background(), id)
			if err != nil || job.Status() != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, e.queue.Inflight(), "every delivery is acknowledged")
}

func TestRun_RequeuesUnfinishedJobsOnStart(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pending := e.upload(t, "")
	stale := e.upload(t, "")
	require.NoError(t, e.store.MarkProcessing(ctx, stale.ID))

	// A restarted process starts with an empty in-process queue over the
	// same database.
	q := queue.NewMemoryQueue()
	w := jobs.NewWorker(jobs.WorkerConfig{Concurrency: 1, RecoverOnStart: true},
		e.store, q, e.layout, e.proc, e.notifier, e.observer)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	require.Eventually(t, func() bool {
		for _, id := range []uuid.UUID{pending.ID, stale.ID} {
			job, err := e.svc.Get(ctx, id)
			if err != nil || job.Status() != models.JobStatusCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 2, e.proc.Calls())
	assert.Zero(t, q.Inflight())
}

func TestRun_WithoutRecoveryIgnoresStoredJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")

	q := queue.NewMemoryQueue()
	w := jobs.NewWorker(jobs.WorkerConfig{Concurrency: 1}, e.store, q, e.layout, e.proc, e.notifier, e.observer)

	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	got, err := e.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status())
	assert.Zero(t, e.proc.Calls())
}

// --- retry, delete, download ---

func TestRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orig := e.upload(t, "https://hooks.example/first")
	require.NoError(t, e.worker.Execute(ctx, orig.ID))
	before, err := e.svc.Get(ctx, orig.ID)
	require.NoError(t, err)

	retry, err := e.svc.Retry(ctx, orig.ID, "")
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, retry.ID)
	require.NotNil(t, retry.CreatedFrom)
	assert.Equal(t, orig.ID, *retry.CreatedFrom)
	assert.Equal(t, orig.InputPath, retry.InputPath)
	assert.Equal(t, orig.InputDigest, retry.InputDigest)
	assert.Equal(t, "https://hooks.example/first", retry.WebhookURL)
	assert.Equal(t, models.JobStatusPending, retry.Status())

	after, err := e.svc.Get(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "retry must not touch the original")

	override, err := e.svc.Retry(ctx, orig.ID, "https://hooks.example/second")
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/second", override.WebhookURL)
	assert.Contains(t, e.observer.submitted, jobs.OriginRetry)
}

func TestRetry_Errors(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.Retry(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	job := e.upload(t, "")
	_, err = e.svc.Retry(ctx, job.ID, "not a url")
	assert.ErrorIs(t, err, jobs.ErrValidation)

	require.NoError(t, os.Remove(job.InputPath))
	_, total, err := e.svc.List(ctx, store.JobFilter{})
	require.NoError(t, err)

	_, err = e.svc.Retry(ctx, job.ID, "")
	var perr *jobs.PreconditionError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, jobs.ErrPreconditionFailed)

	_, totalAfter, err := e.svc.List(ctx, store.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, total, totalAfter, "failed retry creates no job")
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")
	require.NoError(t, e.worker.Execute(ctx, job.ID))

	require.NoError(t, e.svc.Delete(ctx, job.ID))
	_, err := os.Stat(job.InputPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, e.svc.Delete(ctx, job.ID), jobs.ErrNotFound)
}

func TestDelete_KeepsSharedInput(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	orig := e.upload(t, "")
	retry, err := e.svc.Retry(ctx, orig.ID, "")
	require.NoError(t, err)

	require.NoError(t, e.svc.Delete(ctx, orig.ID))
	assert.NoError(t, storage.Readable(orig.InputPath), "input still used by the retry")

	require.NoError(t, e.svc.Delete(ctx, retry.ID))
	_, err = os.Stat(orig.InputPath)
	assert.True(t, os.IsNotExist(err))
}

func TestOutputFile_NotComplete(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")

	_, err := e.svc.OutputFile(ctx, job.ID)
	var perr *jobs.PreconditionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, models.JobStatusPending, perr.Status)

	_, err = e.svc.OutputFile(ctx, uuid.New())
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func TestList(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.upload(t, "")
	e.upload(t, "")

	list, total, err := e.svc.List(ctx, store.JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 1)

	_, _, err = e.svc.List(ctx, store.JobFilter{Status: "queued"})
	assert.ErrorIs(t, err, jobs.ErrValidation)
}

func TestStats(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	job := e.upload(t, "")
	e.upload(t, "")
	require.NoError(t, e.worker.Execute(ctx, job.ID))

	stats, err := e.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.JobsByStatus[models.JobStatusCompleted])
	assert.Equal(t, 1, stats.JobsByStatus[models.JobStatusPending])
	assert.Equal(t, 2, stats.QueueDepth)
	assert.NoError(t, e.svc.Ready(ctx))
}
