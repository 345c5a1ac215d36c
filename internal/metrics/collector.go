package metrics

import (
	"context"
	"log/slog"
	"time"
)

// Stats is a point-in-time view of stored jobs and the queue.
type Stats struct {
	JobsByStatus map[string]int
	QueueDepth   int
}

// StatsProvider supplies Stats to the Collector.
type StatsProvider interface {
	Stats(ctx context.Context) (Stats, error)
}

// Collector periodically refreshes gauges that are derived from the store
// and the queue rather than from events.
type Collector struct {
	provider StatsProvider
	interval time.Duration
}

// NewCollector creates a Collector polling provider every interval.
func NewCollector(provider StatsProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Collector{provider: provider, interval: interval}
}

// Run collects until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collect(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if c.provider == nil {
		return
	}
	stats, err := c.provider.Stats(ctx)
	if err != nil {
		slog.Warn("metrics collection failed", "error", err)
		return
	}
	for _, status := range []string{"pending", "processing", "completed", "failed"} {
		JobsByStatus.WithLabelValues(status).Set(float64(stats.JobsByStatus[status]))
	}
	QueueDepth.Set(float64(stats.QueueDepth))
}
