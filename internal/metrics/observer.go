package metrics

// Observer records pipeline, job and webhook events into the Prometheus
// metrics declared in metrics.go.
type Observer struct{}

// NewObserver creates an Observer.
func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) ObserveStage(stage string, durationSeconds float64, err error) {
	StageDuration.WithLabelValues(stage).Observe(durationSeconds)
	if err != nil {
		StageErrors.WithLabelValues(stage).Inc()
	}
}

func (o *Observer) ObserveRender(scenes, fallbacks, frames int) {
	ScenesDetected.Observe(float64(scenes))
	FallbackScenesTotal.Add(float64(fallbacks))
	FramesRenderedTotal.Add(float64(frames))
}

func (o *Observer) JobSubmitted(origin string) {
	JobsSubmittedTotal.WithLabelValues(origin).Inc()
}

func (o *Observer) JobStarted() {
	JobsInProgress.Inc()
}

func (o *Observer) JobFinished(status string, durationSeconds float64) {
	JobsInProgress.Dec()
	if status == "" {
		return
	}
	JobsFinishedTotal.WithLabelValues(status).Inc()
	JobDuration.WithLabelValues(status).Observe(durationSeconds)
}

func (o *Observer) WebhookDelivered(outcome string) {
	WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}
