// Package webhook delivers job outcome notifications. Each job gets a single
// fire-and-forget POST; failures are recorded on the job, never retried.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/reframe/pkg/models"
)

// Delivery outcomes reported to the Observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)

// Payload is the JSON body posted to the webhook URL.
type Payload struct {
	JobID  uuid.UUID      `json:"job_id"`
	Status string         `json:"status"`
	Result *models.Result `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// CompletedPayload builds the success notification for id.
func CompletedPayload(id uuid.UUID, res models.Result) Payload {
	return Payload{JobID: id, Status: models.JobStatusCompleted, Result: &res}
}

// FailedPayload builds the failure notification for id.
func FailedPayload(id uuid.UUID, reason string) Payload {
	return Payload{JobID: id, Status: models.JobStatusFailed, Error: reason}
}

// Recorder stores the delivery outcome on the job.
type Recorder interface {
	RecordWebhook(ctx context.Context, id uuid.UUID, d models.WebhookDelivery) error
}

// Observer receives delivery outcomes. The metrics package implements it.
type Observer interface {
	WebhookDelivered(outcome string)
}

// Config holds notifier tunables.
type Config struct {
	Timeout   time.Duration
	QueueSize int
}

type request struct {
	url     string
	payload Payload
}

// Notifier posts payloads from a bounded channel on its own goroutine so
// workers never wait on a slow receiver.
type Notifier struct {
	client   *http.Client
	recorder Recorder
	observer Observer
	queue    chan request
	logger   *slog.Logger

	once sync.Once
	done chan struct{}
}

// NewNotifier creates a Notifier. recorder and observer may be nil.
func NewNotifier(cfg Config, recorder Recorder, observer Observer) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	return &Notifier{
		client:   &http.Client{Timeout: cfg.Timeout},
		recorder: recorder,
		observer: observer,
		queue:    make(chan request, cfg.QueueSize),
		logger:   slog.Default().With("component", "webhook"),
		done:     make(chan struct{}),
	}
}

// Notify queues p for delivery to url without blocking. It reports false
// when the queue is full and the notification was dropped.
func (n *Notifier) Notify(url string, p Payload) bool {
	if url == "" {
		return true
	}
	select {
	case n.queue <- request{url: url, payload: p}:
		return true
	default:
		n.logger.Warn("webhook queue full, dropping notification", "job_id", p.JobID)
		n.observe(OutcomeDropped)
		return false
	}
}

// Run drains the queue until Close is called and the queue is empty.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for req := range n.queue {
		n.deliver(context.WithoutCancel(ctx), req)
	}
}

// Close stops accepting notifications and waits for queued ones to finish.
func (n *Notifier) Close() {
	n.once.Do(func() { close(n.queue) })
	<-n.done
}

func (n *Notifier) deliver(ctx context.Context, req request) {
	d := n.send(ctx, req)
	logger := n.logger.With("job_id", req.payload.JobID, "status", req.payload.Status)
	switch {
	case d.Sent:
		logger.Info("webhook delivered", "http_status", d.Status)
	case d.Status != 0:
		logger.Warn("webhook rejected", "http_status", d.Status)
	default:
		logger.Warn("webhook delivery failed", "error", d.Error)
	}
	if n.recorder == nil {
		return
	}
	if err := n.recorder.RecordWebhook(ctx, req.payload.JobID, d); err != nil {
		logger.Warn("failed to record webhook outcome", "error", err)
	}
}

func (n *Notifier) send(ctx context.Context, req request) models.WebhookDelivery {
	body, err := json.Marshal(req.payload)
	if err != nil {
		n.observe(OutcomeFailed)
		return models.WebhookDelivery{Error: fmt.Sprintf("encode payload: %v", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.url, bytes.NewReader(body))
	if err != nil {
		n.observe(OutcomeFailed)
		return models.WebhookDelivery{Error: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(httpReq)
	if err != nil {
		n.observe(OutcomeFailed)
		return models.WebhookDelivery{Error: err.Error()}
	}
	resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		n.observe(OutcomeDelivered)
		return models.WebhookDelivery{Sent: true, Status: resp.StatusCode}
	}
	n.observe(OutcomeRejected)
	return models.WebhookDelivery{
		Status: resp.StatusCode,
		Error:  fmt.Sprintf("webhook returned HTTP %d", resp.StatusCode),
	}
}

func (n *Notifier) observe(outcome string) {
	if n.observer != nil {
		n.observer.WebhookDelivered(outcome)
	}
}
