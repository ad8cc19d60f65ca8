package recovery

// Outcome classifies how a run ended; the orchestrator translates it into
// the job's terminal registry state.
type Outcome int

const (
	// OutcomeCompleted is a full successful run: FINISHED, checkpoint cleared.
	OutcomeCompleted Outcome = iota
	// OutcomeYield means the run checkpointed and stepped aside (rate limit,
	// manual stop): PENDING without counting a failure.
	OutcomeYield
	// OutcomeFailed is a run failure that counts against the retry ceiling:
	// PENDING with retry_count incremented, or FAILED past the ceiling.
	OutcomeFailed
	// OutcomeFatal is corruption or a critical violation: FAILED immediately,
	// manual intervention required.
	OutcomeFatal
)

// Result is the terminal report of one extraction run.
type Result struct {
	Outcome Outcome
	Reason  string
	Err     error
}

func completed() Result {
	return Result{Outcome: OutcomeCompleted}
}

func yield(reason string) Result {
	return Result{Outcome: OutcomeYield, Reason: reason}
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Err: err}
}

func fatal(err error) Result {
	return Result{Outcome: OutcomeFatal, Err: err}
}
