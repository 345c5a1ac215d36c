package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// Pipeline steps reported in Progress.Step.
const (
	StepSceneDetection  = 1
	StepContentAnalysis = 2
	StepFrameProcessing = 3
	StepAudioExtraction = 4
	StepFinalMerge      = 5

	TotalSteps = 5
)

// Progress is the position of a running job inside the five-step pipeline.
type Progress struct {
	Step    int    `json:"step"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// Before reports whether p orders strictly before o within one run.
func (p Progress) Before(o Progress) bool {
	if p.Step != o.Step {
		return p.Step < o.Step
	}
	return p.Percent < o.Percent
}

// Overall maps (step, percent) onto a single 0..100 scale that never decreases within a run.
func (p Progress) Overall() int {
	if p.Step < 1 {
		return 0
	}
	v := ((p.Step-1)*100 + p.Percent) / TotalSteps
	if v > 100 {
		v = 100
	}
	return v
}

// Result describes a completed transformation.
type Result struct {
	OutputPath            string  `json:"output_file"`
	ScenesDetected        int     `json:"scenes_detected"`
	TotalFrames           int     `json:"total_frames"`
	ProcessingTimeSeconds float64 `json:"processing_time"`
	OutputResolution      string  `json:"output_resolution"`
}

// WebhookDelivery records the outcome of the single webhook attempt for a job.
type WebhookDelivery struct {
	Sent   bool   `json:"webhook_sent"`
	Status int    `json:"webhook_status,omitempty"`
	Error  string `json:"webhook_error,omitempty"`
}

// JobState is the tagged lifecycle state of a Job. Exactly one of the
// concrete types below is held at any time.
type JobState interface {
	Status() string
	isJobState()
}

type Pending struct{}

type Processing struct {
	Progress Progress
}

type Completed struct {
	Result Result
}

type Failed struct {
	Error string
}

func (Pending) Status() string    { return JobStatusPending }
func (Processing) Status() string { return JobStatusProcessing }
func (Completed) Status() string  { return JobStatusCompleted }
func (Failed) Status() string     { return JobStatusFailed }

func (Pending) isJobState()    {}
func (Processing) isJobState() {}
func (Completed) isJobState()  {}
func (Failed) isJobState()     {}

// Job is one reframing request. The orchestrator is its only writer.
type Job struct {
	ID          uuid.UUID        `json:"id"`
	State       JobState         `json:"-"`
	InputPath   string           `json:"input_path"`
	OutputPath  string           `json:"output_path"`
	InputDigest string           `json:"input_digest,omitempty"`
	WebhookURL  string           `json:"webhook_url,omitempty"`
	CreatedFrom *uuid.UUID       `json:"created_from,omitempty"`
	Webhook     *WebhookDelivery `json:"webhook,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Status returns the lowercase status string of the job's current state.
func (j *Job) Status() string {
	if j.State == nil {
		return JobStatusPending
	}
	return j.State.Status()
}

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	switch j.State.(type) {
	case Completed, Failed:
		return true
	}
	return false
}

// CurrentProgress returns the progress of a processing job.
func (j *Job) CurrentProgress() (Progress, bool) {
	p, ok := j.State.(Processing)
	return p.Progress, ok
}

// CompletedResult returns the result of a completed job.
func (j *Job) CompletedResult() (Result, bool) {
	c, ok := j.State.(Completed)
	return c.Result, ok
}

// FailureReason returns the error message of a failed job.
func (j *Job) FailureReason() (string, bool) {
	f, ok := j.State.(Failed)
	return f.Error, ok
}
