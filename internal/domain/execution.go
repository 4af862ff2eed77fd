package domain

import (
	"fmt"
	"time"
)

// Execution is one run of a batch. It owns the aggregate job counters.
type Execution struct {
	ID          string          `db:"id"          json:"id"`
	BatchID     string          `db:"batch_id"    json:"batch_id"`
	Status      ExecutionStatus `db:"status"      json:"status"`
	Concurrency int             `db:"concurrency" json:"concurrency"`
	// AgentTimeoutMs bounds each agent call made for this execution.
	AgentTimeoutMs int64 `db:"agent_timeout_ms" json:"agent_timeout_ms"`

	TotalJobs     int `db:"total_jobs"     json:"total_jobs"`
	QueuedJobs    int `db:"queued_jobs"    json:"queued_jobs"`
	RunningJobs   int `db:"running_jobs"   json:"running_jobs"`
	CompletedJobs int `db:"completed_jobs" json:"completed_jobs"`
	ErrorJobs     int `db:"error_jobs"     json:"error_jobs"`
	PassedJobs    int `db:"passed_jobs"    json:"passed_jobs"`
	FailedJobs    int `db:"failed_jobs"    json:"failed_jobs"`

	StopReason string `db:"stop_reason" json:"stop_reason,omitempty"`

	CreatedAt      time.Time  `db:"created_at"       json:"created_at"`
	StartedAt      *time.Time `db:"started_at"       json:"started_at,omitempty"`
	PausedAt       *time.Time `db:"paused_at"        json:"paused_at,omitempty"`
	StoppedAt      *time.Time `db:"stopped_at"       json:"stopped_at,omitempty"`
	CompletedAt    *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	LastActivityAt time.Time  `db:"last_activity_at" json:"last_activity_at"`

	// Version guards conditional updates; every successful write increments it.
	Version int64 `db:"version" json:"version"`
}

// AgentTimeout returns the per-call agent timeout.
func (e *Execution) AgentTimeout() time.Duration {
	return time.Duration(e.AgentTimeoutMs) * time.Millisecond
}

// Transition moves the execution to status `to` and stamps the matching timestamp.
func (e *Execution) Transition(to ExecutionStatus, now time.Time) error {
	if err := ValidateExecutionTransition(e.Status, to); err != nil {
		return NewConflictError("execution", e.ID, "cannot move from %s to %s", e.Status, to)
	}

	switch to {
	case ExecutionRunning:
		if e.StartedAt == nil {
			e.StartedAt = &now
		}
		e.PausedAt = nil
		e.CompletedAt = nil
	case ExecutionPaused:
		e.PausedAt = &now
	case ExecutionStopped:
		e.StoppedAt = &now
		e.CompletedAt = &now
	case ExecutionCompleted, ExecutionFailed:
		e.CompletedAt = &now
	case ExecutionQueued:
	}

	e.Status = to
	e.LastActivityAt = now
	return nil
}

// Settled reports whether no job is waiting or in flight.
func (e *Execution) Settled() bool {
	return e.QueuedJobs == 0 && e.RunningJobs == 0
}

// HasCapacity reports whether another job may be dispatched.
func (e *Execution) HasCapacity() bool {
	return e.RunningJobs < e.Concurrency
}

// Count adds delta to the counter bucket that holds job. Callers remove a job
// with -1 before mutating it and add it back with +1 afterwards.
func (e *Execution) Count(job *Job, delta int) {
	switch job.Status {
	case JobQueued:
		e.QueuedJobs += delta
	case JobRunning:
		e.RunningJobs += delta
	case JobCompleted:
		e.CompletedJobs += delta
		switch job.Result {
		case ResultPass:
			e.PassedJobs += delta
		case ResultFail:
			e.FailedJobs += delta
		case ResultNone:
		}
	case JobFailed, JobBlocked:
		e.ErrorJobs += delta
	}
}

// CheckCounters verifies that the buckets add up to the total.
func (e *Execution) CheckCounters() error {
	sum := e.QueuedJobs + e.RunningJobs + e.CompletedJobs + e.ErrorJobs
	if sum != e.TotalJobs {
		return fmt.Errorf("execution %s counters out of balance: %d queued + %d running + %d completed + %d error != %d total",
			e.ID, e.QueuedJobs, e.RunningJobs, e.CompletedJobs, e.ErrorJobs, e.TotalJobs)
	}
	if e.QueuedJobs < 0 || e.RunningJobs < 0 || e.CompletedJobs < 0 || e.ErrorJobs < 0 {
		return fmt.Errorf("execution %s has a negative counter", e.ID)
	}
	if e.PassedJobs+e.FailedJobs > e.CompletedJobs {
		return fmt.Errorf("execution %s has more evaluated than completed jobs", e.ID)
	}
	return nil
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	c := *e
	c.StartedAt = cloneTime(e.StartedAt)
	c.PausedAt = cloneTime(e.PausedAt)
	c.StoppedAt = cloneTime(e.StoppedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
