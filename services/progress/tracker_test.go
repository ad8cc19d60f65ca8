package progress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"etl-engine/services/events"
)

type captureSink struct {
	events []events.Event
}

func (c *captureSink) Emit(ev events.Event) {
	c.events = append(c.events, ev)
}

func frac(f float64) *float64 { return &f }

func TestEqualWeightSteps(t *testing.T) {
	tr := NewTracker("job-1", 4, nil)

	tr.StartStep(0, "discovery")
	require.Equal(t, 0.0, tr.Current())

	require.Equal(t, 12.5, tr.Advance(frac(0.5)))
	require.Equal(t, 25.0, tr.Advance(nil))

	tr.StartStep(1, "pull_requests")
	require.Equal(t, 50.0, tr.Advance(frac(1.0)))

	tr.StartStep(3, "wrap_up")
	require.Equal(t, 100.0, tr.Complete())
}

func TestStartStepReportsLowerBound(t *testing.T) {
	tr := NewTracker("job-1", 4, nil)

	tr.StartStep(1, "sync")
	require.Equal(t, 25.0, tr.Current())

	tr.StartStep(2, "wrap_up")
	require.Equal(t, 50.0, tr.Current())

	// The jump-to-boundary shortcut belongs to Advance(nil), not StartStep.
	require.Equal(t, 75.0, tr.Advance(nil))
}

func TestUnknownTotalJumpsToStepBoundary(t *testing.T) {
	tr := NewTracker("job-1", 2, nil)

	tr.StartStep(0, "discovery")
	require.Equal(t, 50.0, tr.Advance(nil))

	tr.StartStep(1, "sync")
	require.Equal(t, 100.0, tr.Advance(nil))
	require.Equal(t, 100.0, tr.Complete())
}

func TestMonotoneAcrossStepCounts(t *testing.T) {
	for total := 1; total <= 20; total++ {
		tr := NewTracker("job-1", total, nil)

		last := -1.0
		for step := 0; step < total; step++ {
			tr.StartStep(step, "step")
			for _, f := range []*float64{frac(0.2), frac(0.9), frac(0.4), nil} {
				pct := tr.Advance(f)
				require.GreaterOrEqual(t, pct, last, "totalSteps=%d step=%d", total, step)
				require.LessOrEqual(t, pct, 100.0)
				last = pct
			}
		}
		require.Equal(t, 100.0, tr.Complete())
	}
}

func TestStepIndexNeverMovesBackwards(t *testing.T) {
	tr := NewTracker("job-1", 3, nil)

	tr.StartStep(2, "late")
	require.InDelta(t, 200.0/3.0, tr.Current(), 1e-9)

	tr.StartStep(0, "early")
	require.InDelta(t, 200.0/3.0, tr.Current(), 1e-9)
}

func TestEmitsRunningEvents(t *testing.T) {
	sink := &captureSink{}
	tr := NewTracker("job-1", 2, sink)

	tr.StartStep(0, "discovery")
	tr.Advance(frac(0.5))
	tr.Complete()

	require.Len(t, sink.events, 3)
	for _, ev := range sink.events {
		require.Equal(t, "job-1", ev.JobID)
		require.Equal(t, "RUNNING", ev.Status)
	}
	require.Equal(t, 100.0, sink.events[2].ProgressPct)
}

func TestClampsDegenerateInput(t *testing.T) {
	tr := NewTracker("job-1", 0, nil)
	require.Equal(t, 1, tr.totalSteps)

	tr.StartStep(0, "only")
	require.Equal(t, 0.0, tr.Advance(frac(-2)))
	require.Equal(t, 100.0, tr.Advance(frac(9)))
}
