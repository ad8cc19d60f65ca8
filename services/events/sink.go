package events

import "time"

// Event is the status payload emitted on job start, step boundaries and
// terminal states.
type Event struct {
	JobID       string    `json:"job_id"`
	Phase       string    `json:"phase"`
	Status      string    `json:"status"`
	ProgressPct float64   `json:"progress_pct"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives engine status events. Implementations must be
// fire-and-forget: Emit may drop events under pressure but must never block
// extraction.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards all events. Used in tests and in the worker binary.
type NopSink struct{}

func (NopSink) Emit(Event) {}
