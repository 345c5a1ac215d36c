package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type fakeStats struct {
	stats Stats
	err   error
}

func (f *fakeStats) Stats(context.Context) (Stats, error) {
	return f.stats, f.err
}

func TestCollector_SetsGauges(t *testing.T) {
	provider := &fakeStats{stats: Stats{
		JobsByStatus: map[string]int{"pending": 3, "completed": 7},
		QueueDepth:   2,
	}}
	c := NewCollector(provider, time.Hour)
	c.collect(context.Background())

	assert.Equal(t, 3.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("pending")))
	assert.Equal(t, 7.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(JobsByStatus.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth))

	provider.err = errors.New("db down")
	provider.stats = Stats{QueueDepth: 99}
	c.collect(context.Background())
	assert.Equal(t, 2.0, testutil.ToFloat64(QueueDepth), "gauges keep their last value on error")
}

func TestCollector_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewCollector(&fakeStats{}, time.Millisecond).Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("collector did not stop")
	}
}

func TestObserver(t *testing.T) {
	o := NewObserver()

	before := testutil.ToFloat64(StageErrors.WithLabelValues("final merge"))
	o.ObserveStage("final merge", 0.5, errors.New("boom"))
	o.ObserveStage("final merge", 0.5, nil)
	assert.Equal(t, before+1, testutil.ToFloat64(StageErrors.WithLabelValues("final merge")))

	o.JobStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(JobsInProgress))
	completed := testutil.ToFloat64(JobsFinishedTotal.WithLabelValues("completed"))
	o.JobFinished("completed", 12)
	assert.Equal(t, 0.0, testutil.ToFloat64(JobsInProgress))
	assert.Equal(t, completed+1, testutil.ToFloat64(JobsFinishedTotal.WithLabelValues("completed")))

	rendered := testutil.ToFloat64(FramesRenderedTotal)
	o.ObserveRender(2, 1, 300)
	assert.Equal(t, rendered+300, testutil.ToFloat64(FramesRenderedTotal))
}

func TestInitializeMetrics(t *testing.T) {
	InitializeMetrics()
	assert.GreaterOrEqual(t, testutil.CollectAndCount(StageDuration), 6)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(JobsSubmittedTotal), 3)
}
