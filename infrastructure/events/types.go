// Package events defines the execution event envelope shared by the SSE
// stream and the cross-instance Redis relay.
package events

import (
	"time"

	"github.com/google/uuid"
)

// DefaultChannel is the Redis Pub/Sub channel for execution events.
const DefaultChannel = "batch-runner:events"

// EventType represents the type of execution event.
type EventType string

const (
	ExecutionStarted   EventType = "started"
	ExecutionPaused    EventType = "paused"
	ExecutionResumed   EventType = "resumed"
	ExecutionStopped   EventType = "stopped"
	ExecutionCompleted EventType = "completed"
	ExecutionFailed    EventType = "failed"
	ConcurrencyChanged EventType = "concurrency-changed"
	JobProgress        EventType = "job-progress"
	JobStatus          EventType = "job-status"
)

// Event is the envelope for every execution event.
type Event struct {
	EventID     uuid.UUID `json:"event_id"`
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id"`
	JobID       string    `json:"job_id,omitempty"`
	// Origin identifies the publishing instance so relays can skip their own events.
	Origin    string    `json:"origin,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ConcurrencyChangedPayload contains data for concurrency-changed events.
type ConcurrencyChangedPayload struct {
	Old int `json:"old"`
	New int `json:"new"`
}

// StoppedPayload contains data for stopped and failed events.
type StoppedPayload struct {
	Reason string `json:"reason"`
}

// ResumedPayload contains data for resumed events.
type ResumedPayload struct {
	Requeued int `json:"requeued"`
}

// JobProgressPayload contains data for job-progress events.
type JobProgressPayload struct {
	Percentage  float64 `json:"percentage"`
	CurrentStep string  `json:"current_step"`
	CurrentURL  string  `json:"current_url,omitempty"`
}

// JobStatusPayload contains data for job-status events.
type JobStatusPayload struct {
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// New creates an event with a fresh id and the current UTC time.
func New(eventType EventType, executionID string, payload any) Event {
	return Event{
		EventID:     uuid.New(),
		Type:        eventType,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
		Payload:     payload,
	}
}

// ForJob creates a job-scoped event.
func ForJob(eventType EventType, executionID, jobID string, payload any) Event {
	e := New(eventType, executionID, payload)
	e.JobID = jobID
	return e
}
