package store

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// Store is the job persistence interface. Status changes are compare-and-set:
// each transition only applies while the job is in an allowed source state.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error

	// MarkProcessing moves a pending job to processing.
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	// UpdateProgress stores p if it orders after the stored progress of a
	// processing job. Stale updates are dropped without error.
	UpdateProgress(ctx context.Context, id uuid.UUID, p models.Progress) error
	// Complete moves a processing job to completed with its result.
	Complete(ctx context.Context, id uuid.UUID, result models.Result) error
	// Fail moves a pending or processing job to failed.
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	// ResetProcessing returns an abandoned processing job to pending so it
	// can be executed again.
	ResetProcessing(ctx context.Context, id uuid.UUID) error

	RecordWebhook(ctx context.Context, id uuid.UUID, delivery models.WebhookDelivery) error
	// CountInputRefs counts jobs other than exclude that reference inputPath.
	CountInputRefs(ctx context.Context, inputPath string, exclude uuid.UUID) (int, error)
	CountByStatus(ctx context.Context) (map[string]int, error)

	Close() error
}

// JobFilter selects a page of jobs, newest first.
type JobFilter struct {
	Status string
	Page   int
	Limit  int
}

// Page size bounds for ListJobs.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

func (f JobFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusPending},
}

// sourcesOf returns the states from which target may be entered.
func sourcesOf(target string) []string {
	var from []string
	for src, targets := range validTransitions {
		if slices.Contains(targets, target) {
			from = append(from, src)
		}
	}
	slices.Sort(from)
	return from
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	switch s {
	case models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed:
		return true
	}
	return false
}
