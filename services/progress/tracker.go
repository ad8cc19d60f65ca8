// Package progress maps arbitrary per-job step counts onto an equal-weighted
// 0-100% scale. Every step contributes the same visual weight regardless of
// its true size, and the reported percentage is monotone non-decreasing even
// when a step's size is unknowable ahead of time.
package progress

import (
	"etl-engine/services/events"
)

// Tracker reports progress for one job run.
type Tracker struct {
	jobID      string
	totalSteps int
	stepIndex  int
	phase      string
	last       float64
	sink       events.Sink
}

// NewTracker creates a tracker for a run of totalSteps equally weighted
// steps. totalSteps must be >= 1; anything lower is clamped.
func NewTracker(jobID string, totalSteps int, sink events.Sink) *Tracker {
	if totalSteps < 1 {
		totalSteps = 1
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Tracker{
		jobID:      jobID,
		totalSteps: totalSteps,
		sink:       sink,
	}
}

func (t *Tracker) stepWeight() float64 {
	return 100.0 / float64(t.totalSteps)
}

// StartStep moves the tracker to the 0-based step index and emits a
// step-boundary event at the step's lower bound. Indexes never move
// backwards.
func (t *Tracker) StartStep(index int, phase string) {
	if index < t.stepIndex {
		index = t.stepIndex
	}
	if index > t.totalSteps-1 {
		index = t.totalSteps - 1
	}
	t.stepIndex = index
	t.phase = phase
	t.report(float64(t.stepIndex) * t.stepWeight())
}

// Advance reports progress within the current step. frac is a 0-1 ratio
// when the step's total is known; nil means "unknown total", which jumps
// straight to the step's upper boundary.
func (t *Tracker) Advance(frac *float64) float64 {
	return t.report(t.compute(frac))
}

// Complete pins progress to exactly 100 and emits the final boundary.
func (t *Tracker) Complete() float64 {
	t.stepIndex = t.totalSteps - 1
	return t.report(100.0)
}

// Current returns the last reported percentage.
func (t *Tracker) Current() float64 {
	return t.last
}

func (t *Tracker) compute(frac *float64) float64 {
	weight := t.stepWeight()
	base := float64(t.stepIndex) * weight

	if frac == nil {
		return base + weight
	}

	f := *frac
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return base + f*weight
}

// report clamps to the monotone envelope and emits the event.
func (t *Tracker) report(pct float64) float64 {
	if pct < t.last {
		pct = t.last
	}
	if pct > 100 {
		pct = 100
	}
	t.last = pct

	t.sink.Emit(events.Event{
		JobID:       t.jobID,
		Phase:       t.phase,
		Status:      "RUNNING",
		ProgressPct: pct,
	})
	return pct
}
