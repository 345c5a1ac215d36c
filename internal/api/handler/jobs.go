// Package handler implements the HTTP endpoints for job submission, status,
// download, retry and deletion.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/reframe/internal/api/response"
	"github.com/kiranshivaraju/reframe/internal/jobs"
	"github.com/kiranshivaraju/reframe/internal/storage"
	"github.com/kiranshivaraju/reframe/internal/store"
	"github.com/kiranshivaraju/reframe/pkg/models"
)

// multipartMemory is how much of a multipart body is buffered in memory
// before spilling to temporary files.
const multipartMemory = 32 << 20

// JobService defines the orchestrator operations the handlers depend on.
type JobService interface {
	Upload(ctx context.Context, filename string, r io.Reader, webhookURL string) (*models.Job, error)
	SubmitURL(ctx context.Context, sourceURL, webhookURL string) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	Retry(ctx context.Context, id uuid.UUID, webhookURL string) (*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	OutputFile(ctx context.Context, id uuid.UUID) (string, error)
}

type submitResponse struct {
	JobID       uuid.UUID  `json:"job_id"`
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	CreatedFrom *uuid.UUID `json:"created_from,omitempty"`
}

func queued(job *models.Job) submitResponse {
	return submitResponse{
		JobID:       job.ID,
		Status:      "queued",
		Message:     "Video queued for processing",
		CreatedFrom: job.CreatedFrom,
	}
}

type progressResponse struct {
	Step           int    `json:"step"`
	TotalSteps     int    `json:"total_steps"`
	Percent        int    `json:"percent"`
	OverallPercent int    `json:"overall_percent"`
	Message        string `json:"message"`
}

type resultResponse struct {
	models.Result
	WebhookSent   *bool  `json:"webhook_sent,omitempty"`
	WebhookStatus int    `json:"webhook_status,omitempty"`
	WebhookError  string `json:"webhook_error,omitempty"`
}

type jobResponse struct {
	JobID         uuid.UUID         `json:"job_id"`
	Status        string            `json:"status"`
	Progress      *progressResponse `json:"progress,omitempty"`
	Result        *resultResponse   `json:"result,omitempty"`
	Error         string            `json:"error,omitempty"`
	WebhookSent   *bool             `json:"webhook_sent,omitempty"`
	WebhookStatus int               `json:"webhook_status,omitempty"`
	WebhookError  string            `json:"webhook_error,omitempty"`
	CreatedFrom   *uuid.UUID        `json:"created_from,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// toJobResponse renders exactly the fields the job's state carries.
func toJobResponse(job *models.Job) jobResponse {
	resp := jobResponse{
		JobID:       job.ID,
		Status:      job.Status(),
		CreatedFrom: job.CreatedFrom,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	switch st := job.State.(type) {
	case models.Processing:
		p := st.Progress
		resp.Progress = &progressResponse{
			Step:           p.Step,
			TotalSteps:     models.TotalSteps,
			Percent:        p.Percent,
			OverallPercent: p.Overall(),
			Message:        p.Message,
		}
	case models.Completed:
		res := &resultResponse{Result: st.Result}
		if job.Webhook != nil {
			sent := job.Webhook.Sent
			res.WebhookSent = &sent
			res.WebhookStatus = job.Webhook.Status
			res.WebhookError = job.Webhook.Error
		}
		resp.Result = res
	case models.Failed:
		resp.Error = st.Error
		if job.Webhook != nil {
			sent := job.Webhook.Sent
			resp.WebhookSent = &sent
			resp.WebhookStatus = job.Webhook.Status
			resp.WebhookError = job.Webhook.Error
		}
	}
	return resp
}

// NewUploadHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The video is the multipart "file" part; webhook_url may be a form field
// or a query parameter.
func NewUploadHandler(svc JobService, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+multipartMemory)
		}
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Upload exceeds the size limit", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart/form-data body", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "file is required",
				map[string]string{"field": "file"})
			return
		}
		defer file.Close()

		webhookURL := r.FormValue("webhook_url")
		job, err := svc.Upload(r.Context(), filename(header), file, webhookURL)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, queued(job))
	}
}

func filename(h *multipart.FileHeader) string {
	if h == nil {
		return ""
	}
	return h.Filename
}

// NewSubmitURLHandler returns an http.HandlerFunc for POST /api/v1/jobs/url.
func NewSubmitURLHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			URL        string `json:"url"`
			WebhookURL string `json:"webhook_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.URL == "" {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "url is required",
				map[string]string{"field": "url"})
			return
		}

		job, err := svc.SubmitURL(r.Context(), req.URL, req.WebhookURL)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, queued(job))
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		job, err := svc.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, toJobResponse(job))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, err := queryInt(q.Get("page"), 1)
		if err != nil || page < 1 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "page must be a positive integer",
				map[string]string{"field": "page"})
			return
		}
		limit, err := queryInt(q.Get("limit"), store.DefaultLimit)
		if err != nil || limit < 1 {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer",
				map[string]string{"field": "limit"})
			return
		}
		limit = min(limit, store.MaxLimit)

		list, total, err := svc.List(r.Context(), store.JobFilter{Status: q.Get("status"), Page: page, Limit: limit})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		items := make([]jobResponse, 0, len(list))
		for _, job := range list {
			items = append(items, toJobResponse(job))
		}
		response.Collection(w, items, response.NewPaginationMeta(page, limit, total))
	}
}

// NewDownloadHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/download.
func NewDownloadHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		path, err := svc.OutputFile(r.Context(), id)
		if err != nil {
			var pre *jobs.PreconditionError
			if errors.As(err, &pre) {
				response.Error(w, http.StatusConflict, "JOB_NOT_COMPLETE",
					"Job not complete. Current status: "+pre.Status, map[string]string{"status": pre.Status})
				return
			}
			writeServiceError(w, r, err)
			return
		}

		f, err := os.Open(path)
		if err != nil {
			writeServiceError(w, r, fmt.Errorf("open output: %w", err))
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			writeServiceError(w, r, fmt.Errorf("stat output: %w", err))
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="vertical_%s.mp4"`, id))
		http.ServeContent(w, r, "", info.ModTime(), f)
	}
}

// NewRetryHandler returns an http.HandlerFunc for
// POST /api/v1/jobs/{jobID}/retry. An optional JSON body may override the
// webhook_url.
func NewRetryHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		var req struct {
			WebhookURL string `json:"webhook_url"`
		}
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
				return
			}
		}

		job, err := svc.Retry(r.Context(), id, req.WebhookURL)
		if err != nil {
			var pre *jobs.PreconditionError
			if errors.As(err, &pre) {
				response.Error(w, http.StatusPreconditionFailed, "INPUT_MISSING",
					"Cannot retry: "+pre.Reason, map[string]string{"status": pre.Status})
				return
			}
			writeServiceError(w, r, err)
			return
		}
		response.Accepted(w, queued(job))
	}
}

// NewDeleteHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
func NewDeleteHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobID(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), id); err != nil {
			writeServiceError(w, r, err)
			return
		}
		response.JSON(w, map[string]string{
			"job_id":  id.String(),
			"message": fmt.Sprintf("Job %s deleted", id),
		})
	}
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id must be a UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// writeServiceError maps orchestrator errors onto the error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *jobs.ValidationError
	var pre *jobs.PreconditionError
	switch {
	case errors.As(err, &verr):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Message,
			map[string]string{"field": verr.Field})
	case errors.Is(err, jobs.ErrValidation):
		response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.As(err, &pre):
		response.Error(w, http.StatusPreconditionFailed, "PRECONDITION_FAILED", pre.Reason,
			map[string]string{"status": pre.Status})
	case errors.Is(err, storage.ErrTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), nil)
	case errors.Is(err, storage.ErrFetch):
		response.Error(w, http.StatusBadGateway, "SOURCE_FETCH_FAILED", err.Error(), nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
