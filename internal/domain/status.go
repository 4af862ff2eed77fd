package domain

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionStopped   ExecutionStatus = "stopped"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionQueued: {
		ExecutionRunning, // start
	},
	ExecutionRunning: {
		ExecutionPaused,    // pause
		ExecutionStopped,   // stop
		ExecutionCompleted, // every job settled
		ExecutionFailed,    // stalled sweep
	},
	ExecutionPaused: {
		ExecutionRunning, // resume
		ExecutionStopped, // stop
	},
	ExecutionCompleted: {
		ExecutionRunning, // job retried after completion
	},
	ExecutionStopped: {},
	ExecutionFailed:  {},
}

// IsTerminal reports whether the status is one of completed, stopped or failed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionStopped || s == ExecutionFailed
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	_, ok := executionTransitions[s]
	return ok
}

// ValidateExecutionTransition returns a ConflictError when from → to is not allowed.
func ValidateExecutionTransition(from, to ExecutionStatus) error {
	for _, allowed := range executionTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return NewConflictError("execution", "", "cannot move execution from %s to %s", from, to)
}

// NonTerminalExecutionStatuses lists the statuses that still own their jobs.
func NonTerminalExecutionStatuses() []ExecutionStatus {
	return []ExecutionStatus{ExecutionQueued, ExecutionRunning, ExecutionPaused}
}

// JobStatus is the state of a single job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobBlocked   JobStatus = "blocked"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued: {
		JobRunning, // dispatch
		JobBlocked, // operator bulk update
		JobFailed,  // operator bulk update
		JobQueued,  // retry of a never-dispatched job
	},
	JobRunning: {
		JobCompleted, // agent success
		JobFailed,    // agent failure
		JobBlocked,   // agent needs input
		JobQueued,    // agent unavailable, claim reverted; or interrupted by restart
	},
	JobCompleted: {JobQueued},
	JobFailed:    {JobQueued},
	JobBlocked: {
		JobQueued, // retry
		JobFailed, // operator bulk update
		JobBlocked,
	},
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// IsTerminal reports whether the job has reached an outcome.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobBlocked
}

// ValidateJobTransition returns a ConflictError when from → to is not allowed.
func ValidateJobTransition(from, to JobStatus) error {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return NewConflictError("job", "", "cannot move job from %s to %s", from, to)
}

// SessionStatus is the state of one attempt.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// IsTerminal reports whether the session can no longer change.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// JobResult is the ground-truth evaluation of a completed job.
type JobResult string

const (
	ResultNone JobResult = ""
	ResultPass JobResult = "pass"
	ResultFail JobResult = "fail"
)
