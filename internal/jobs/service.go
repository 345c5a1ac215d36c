// Package jobs owns the job lifecycle: submission, lookup, retry, deletion
// and asynchronous execution by workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/reframe/internal/metrics"
	"github.com/kiranshivaraju/reframe/internal/queue"
	"github.com/kiranshivaraju/reframe/internal/storage"
	"github.com/kiranshivaraju/reframe/internal/store"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// SupportedExtensions lists the accepted input container extensions.
var SupportedExtensions = []string{".mp4", ".mov", ".avi", ".mkv", ".webm"}

// Submission origins, used as metric labels.
const (
	OriginUpload = "upload"
	OriginURL    = "url"
	OriginRetry  = "retry"
)

// Observer receives job lifecycle events. The metrics package implements it.
type Observer interface {
	JobSubmitted(origin string)
	JobStarted()
	JobFinished(status string, durationSeconds float64)
}

// SubmitParams describes a new job whose input is already stored.
type SubmitParams struct {
	// ID is used when the input was saved under a preallocated id.
	ID          uuid.UUID
	InputPath   string
	InputDigest string
	WebhookURL  string
	CreatedFrom *uuid.UUID
	Origin      string
}

// Service is the API-facing side of the orchestrator.
type Service struct {
	store    store.Store
	queue    queue.Queue
	layout   *storage.Layout
	fetcher  *storage.Fetcher
	maxBytes int64
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig wires a Service. Fetcher and Observer are optional.
type ServiceConfig struct {
	Store          store.Store
	Queue          queue.Queue
	Layout         *storage.Layout
	Fetcher        *storage.Fetcher
	MaxUploadBytes int64
	Observer       Observer
}

func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:    cfg.Store,
		queue:    cfg.Queue,
		layout:   cfg.Layout,
		fetcher:  cfg.Fetcher,
		maxBytes: cfg.MaxUploadBytes,
		observer: cfg.Observer,
		logger:   slog.Default().With("component", "jobs"),
		now:      time.Now,
	}
}

// Submit validates p, records a pending job and enqueues it.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (*models.Job, error) {
	if err := validateExtension(p.InputPath); err != nil {
		return nil, err
	}
	if err := validateWebhookURL(p.WebhookURL); err != nil {
		return nil, err
	}
	if err := storage.Readable(p.InputPath); err != nil {
		return nil, &ValidationError{Field: "file", Message: "input file is not readable"}
	}
	if p.InputDigest == "" {
		digest, err := storage.Digest(p.InputPath)
		if err != nil {
			return nil, fmt.Errorf("digest input: %w", err)
		}
		p.InputDigest = digest
	}

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	now := s.now().UTC()
	job := &models.Job{
		ID:          id,
		State:       models.Pending{},
		InputPath:   p.InputPath,
		OutputPath:  s.layout.OutputPath(id),
		InputDigest: p.InputDigest,
		WebhookURL:  p.WebhookURL,
		CreatedFrom: p.CreatedFrom,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if err := s.queue.Enqueue(ctx, id); err != nil {
		// Never leave a pending job that nothing will pick up.
		if ferr := s.store.Fail(context.WithoutCancel(ctx), id, "enqueue: "+err.Error()); ferr != nil {
			s.logger.Error("failed to mark unqueued job failed", "job_id", id, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	origin := p.Origin
	if origin == "" {
		origin = OriginUpload
	}
	if s.observer != nil {
		s.observer.JobSubmitted(origin)
	}
	s.logger.Info("job submitted", "job_id", id, "origin", origin, "input", filepath.Base(p.InputPath))
	return job, nil
}

// Upload stores r as the input of a new job and submits it.
func (s *Service) Upload(ctx context.Context, filename string, r io.Reader, webhookURL string) (*models.Job, error) {
	if err := validateExtension(filename); err != nil {
		return nil, err
	}
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}

	id := uuid.New()
	path, digest, err := s.layout.SaveInput(id, filepath.Ext(filename), r, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("save upload: %w", err)
	}
	job, err := s.Submit(ctx, SubmitParams{
		ID: id, InputPath: path, InputDigest: digest, WebhookURL: webhookURL, Origin: OriginUpload,
	})
	if err != nil {
		_ = storage.RemoveFile(path)
		return nil, err
	}
	return job, nil
}

// SubmitURL downloads sourceURL and submits it.
func (s *Service) SubmitURL(ctx context.Context, sourceURL, webhookURL string) (*models.Job, error) {
	if s.fetcher == nil {
		return nil, errors.New("url submission is not configured")
	}
	if err := validateHTTPURL("url", sourceURL); err != nil {
		return nil, err
	}
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}

	id := uuid.New()
	path, digest, err := s.fetcher.Fetch(ctx, id, sourceURL)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	job, err := s.Submit(ctx, SubmitParams{
		ID: id, InputPath: path, InputDigest: digest, WebhookURL: webhookURL, Origin: OriginURL,
	})
	if err != nil {
		_ = storage.RemoveFile(path)
		return nil, err
	}
	return job, nil
}

// Get returns the current snapshot of a job.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// List returns a page of jobs, newest first.
func (s *Service) List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error) {
	if filter.Status != "" && !store.ValidStatus(filter.Status) {
		return nil, 0, &ValidationError{Field: "status", Message: "must be one of pending, processing, completed, failed"}
	}
	return s.store.ListJobs(ctx, filter)
}

// Retry submits a new job over the input of job id. The original job is
// never modified. webhookURL overrides the original's webhook when set.
func (s *Service) Retry(ctx context.Context, id uuid.UUID, webhookURL string) (*models.Job, error) {
	orig, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if webhookURL == "" {
		webhookURL = orig.WebhookURL
	}
	if err := validateWebhookURL(webhookURL); err != nil {
		return nil, err
	}
	if err := storage.Readable(orig.InputPath); err != nil {
		return nil, &PreconditionError{Status: orig.Status(), Reason: "input file no longer exists"}
	}

	return s.Submit(ctx, SubmitParams{
		InputPath:   orig.InputPath,
		InputDigest: orig.InputDigest,
		WebhookURL:  webhookURL,
		CreatedFrom: &orig.ID,
		Origin:      OriginRetry,
	})
}

// Delete removes the job record and its files. A running job keeps running;
// its final commit finds no record and is dropped.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete job: %w", err)
	}

	if err := storage.RemoveFile(job.OutputPath); err != nil {
		s.logger.Warn("failed to remove output", "job_id", id, "error", err)
	}
	refs, err := s.store.CountInputRefs(ctx, job.InputPath, id)
	if err != nil {
		s.logger.Warn("failed to count input references, keeping input", "job_id", id, "error", err)
		return nil
	}
	if refs == 0 {
		if err := storage.RemoveFile(job.InputPath); err != nil {
			s.logger.Warn("failed to remove input", "job_id", id, "error", err)
		}
	}
	s.logger.Info("job deleted", "job_id", id, "status", job.Status())
	return nil
}

// OutputFile returns the path of a completed job's output.
func (s *Service) OutputFile(ctx context.Context, id uuid.UUID) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	res, ok := job.CompletedResult()
	if !ok {
		return "", &PreconditionError{Status: job.Status(), Reason: "job is not complete"}
	}
	if err := storage.Readable(res.OutputPath); err != nil {
		return "", fmt.Errorf("output file missing: %w", ErrNotFound)
	}
	return res.OutputPath, nil
}

// Stats reports job counts for the metrics collector.
func (s *Service) Stats(ctx context.Context) (metrics.Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	depth, err := s.queue.Len(ctx)
	if err != nil {
		return metrics.Stats{}, err
	}
	return metrics.Stats{JobsByStatus: counts, QueueDepth: depth}, nil
}

// Ready checks the store for readiness probes.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func validateExtension(name string) error {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(SupportedExtensions, ext) {
		return &ValidationError{
			Field:   "file",
			Message: fmt.Sprintf("unsupported file type %q; supported: %s", ext, strings.Join(SupportedExtensions, ", ")),
		}
	}
	return nil
}

func validateWebhookURL(raw string) error {
	if raw == "" {
		return nil
	}
	return validateHTTPURL("webhook_url", raw)
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: field, Message: "must be an absolute http(s) URL"}
	}
	return nil
}
