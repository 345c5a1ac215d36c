package metrics

// InitializeMetrics pre-populates the expected label combinations so every
// series is exported from the first scrape.
func InitializeMetrics() {
	for _, origin := range []string{"upload", "url", "retry"} {
		JobsSubmittedTotal.WithLabelValues(origin)
	}
	for _, status := range []string{"pending", "processing", "completed", "failed"} {
		JobsByStatus.WithLabelValues(status)
	}
	for _, status := range []string{"completed", "failed"} {
		JobsFinishedTotal.WithLabelValues(status)
		JobDuration.WithLabelValues(status)
	}
	for _, stage := range []string{"media probe", "scene detection", "content analysis", "frame processing", "audio extraction", "final merge"} {
		StageDuration.WithLabelValues(stage)
		StageErrors.WithLabelValues(stage)
	}
	for _, outcome := range []string{"delivered", "rejected", "failed", "dropped"} {
		WebhookDeliveriesTotal.WithLabelValues(outcome)
	}
}
