package models_test

import (
	"testing"

	"github.com/kiranshivaraju/reframe/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestProgress_OverallNeverDecreases(t *testing.T) {
	var prev models.Progress
	last := -1
	for step := 1; step <= models.TotalSteps; step++ {
		for pct := 0; pct <= 100; pct += 10 {
			p := models.Progress{Step: step, Percent: pct}
			if step > 1 || pct > 0 {
				assert.True(t, prev.Before(p), "expected %+v before %+v", prev, p)
			}
			assert.GreaterOrEqual(t, p.Overall(), last)
			last = p.Overall()
			prev = p
		}
	}
	assert.Equal(t, 100, last)
}

func TestJob_StateAccessors(t *testing.T) {
	j := &models.Job{State: models.Pending{}}
	assert.Equal(t, models.JobStatusPending, j.Status())
	assert.False(t, j.IsTerminal())

	j.State = models.Processing{Progress: models.Progress{Step: 2, Percent: 40}}
	p, ok := j.CurrentProgress()
	assert.True(t, ok)
	assert.Equal(t, 2, p.Step)
	_, ok = j.CompletedResult()
	assert.False(t, ok)

	j.State = models.Completed{Result: models.Result{ScenesDetected: 3}}
	assert.True(t, j.IsTerminal())
	r, ok := j.CompletedResult()
	assert.True(t, ok)
	assert.Equal(t, 3, r.ScenesDetected)
	_, ok = j.FailureReason()
	assert.False(t, ok)

	j.State = models.Failed{Error: "content analysis: boom"}
	assert.Equal(t, models.JobStatusFailed, j.Status())
	msg, ok := j.FailureReason()
	assert.True(t, ok)
	assert.Equal(t, "content analysis: boom", msg)
}

func TestRect_UnionClampExpand(t *testing.T) {
	a := models.Rect{X: 10, Y: 10, W: 20, H: 20}
	b := models.Rect{X: 50, Y: 0, W: 10, H: 10}
	assert.Equal(t, models.Rect{X: 10, Y: 0, W: 50, H: 30}, a.Union(b))
	assert.Equal(t, a, a.Union(models.Rect{}))

	clamped := models.Rect{X: -5, Y: 90, W: 20, H: 20}.Clamp(models.Size{W: 100, H: 100})
	assert.Equal(t, models.Rect{X: 0, Y: 90, W: 15, H: 10}, clamped)
	assert.True(t, models.Rect{X: 200, Y: 0, W: 5, H: 5}.Clamp(models.Size{W: 100, H: 100}).Empty())

	assert.Equal(t, models.Rect{X: 8, Y: 8, W: 24, H: 24}, a.Expand(0.1))
}

func TestScene_LenContains(t *testing.T) {
	s := models.Scene{StartFrame: 10, EndFrame: 25}
	assert.Equal(t, 15, s.Len())
	assert.True(t, s.Contains(10))
	assert.False(t, s.Contains(25))
}
