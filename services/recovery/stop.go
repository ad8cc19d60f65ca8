package recovery

import (
	"sync"
	"sync/atomic"
)

// StopFlag is the cooperative cancellation token threaded through the
// extraction loop. Stop never preempts: the loop observes the flag at the
// next page boundary, saves a checkpoint tagged as manually interrupted,
// and yields.
type StopFlag struct {
	requested atomic.Bool
}

func NewStopFlag() *StopFlag {
	return &StopFlag{}
}

// Stop requests a cooperative stop. Safe to call from any goroutine.
func (f *StopFlag) Stop() {
	f.requested.Store(true)
}

// Requested reports whether a stop has been requested.
func (f *StopFlag) Requested() bool {
	return f.requested.Load()
}

// Reset clears the flag before a new run.
func (f *StopFlag) Reset() {
	f.requested.Store(false)
}

// StopRegistry hands out one StopFlag per job id so the HTTP surface can
// signal a run owned by the scheduler goroutine.
type StopRegistry struct {
	mu    sync.Mutex
	flags map[string]*StopFlag
}

func NewStopRegistry() *StopRegistry {
	return &StopRegistry{flags: make(map[string]*StopFlag)}
}

// Flag returns the job's stop flag, creating it on first use.
func (r *StopRegistry) Flag(jobID string) *StopFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flags[jobID]
	if !ok {
		f = NewStopFlag()
		r.flags[jobID] = f
	}
	return f
}
