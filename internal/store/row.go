package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// jobRow is the flat column layout shared by both backends.
type jobRow struct {
	ID              uuid.UUID
	Status          string
	InputPath       string
	OutputPath      string
	InputDigest     string
	WebhookURL      string
	CreatedFrom     *uuid.UUID
	ProgressStep    int
	ProgressPercent int
	ProgressMessage string
	Result          []byte
	ErrorMessage    *string
	WebhookSent     *bool
	WebhookStatus   *int
	WebhookError    *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const jobColumns = `id, status, input_path, output_path, input_digest, webhook_url, created_from,
	progress_step, progress_percent, progress_message, result, error_message,
	webhook_sent, webhook_status, webhook_error, started_at, completed_at, created_at, updated_at`

func (r *jobRow) toModel() (*models.Job, error) {
	j := &models.Job{
		ID:          r.ID,
		InputPath:   r.InputPath,
		OutputPath:  r.OutputPath,
		InputDigest: r.InputDigest,
		WebhookURL:  r.WebhookURL,
		CreatedFrom: r.CreatedFrom,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	switch r.Status {
	case models.JobStatusPending:
		j.State = models.Pending{}
	case models.JobStatusProcessing:
		j.State = models.Processing{Progress: models.Progress{
			Step:    r.ProgressStep,
			Percent: r.ProgressPercent,
			Message: r.ProgressMessage,
		}}
	case models.JobStatusCompleted:
		var res models.Result
		if len(r.Result) > 0 {
			if err := json.Unmarshal(r.Result, &res); err != nil {
				return nil, fmt.Errorf("decode result of job %s: %w", r.ID, err)
			}
		}
		j.State = models.Completed{Result: res}
	case models.JobStatusFailed:
		msg := ""
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		j.State = models.Failed{Error: msg}
	default:
		return nil, fmt.Errorf("job %s has unknown status %q", r.ID, r.Status)
	}
	if r.WebhookSent != nil {
		d := &models.WebhookDelivery{Sent: *r.WebhookSent}
		if r.WebhookStatus != nil {
			d.Status = *r.WebhookStatus
		}
		if r.WebhookError != nil {
			d.Error = *r.WebhookError
		}
		j.Webhook = d
	}
	return j, nil
}

func encodeResult(res models.Result) ([]byte, error) {
	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}
