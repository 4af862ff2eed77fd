// Package agent is the boundary to the external site-automation agent.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks a transient refusal by the agent (overloaded, rate
// limited or unreachable). The job was not started and may be resubmitted.
var ErrUnavailable = errors.New("agent unavailable")

// Request describes one job attempt.
type Request struct {
	ExecutionID string
	JobID       string
	SessionID   string
	SiteName    string
	SiteURL     string
	Goal        string
	// Fields lists the ground-truth field names the agent should extract.
	Fields  []string
	Timeout time.Duration
}

// Progress is an intermediate report from a running attempt.
type Progress struct {
	RunID        string
	Percentage   float64
	Step         string
	CurrentURL   string
	StreamingURL string
}

// ProgressFunc receives progress reports. It must not block for long.
type ProgressFunc func(Progress)

// Result is the payload of a successful attempt.
type Result struct {
	RunID                string
	ExtractedData        map[string]any
	FieldsExtracted      int
	FieldsMissing        int
	CompletionPercentage float64
	Screenshots          []string
	StreamingURL         string
}

// Client submits jobs to the agent.
type Client interface {
	// Submit runs one attempt and blocks until it finishes or ctx ends.
	// Failures are *domain.AgentError values, or wrap ErrUnavailable when the
	// agent refused the work.
	Submit(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error)
	// Cancel asks the agent to abandon a run. Best effort.
	Cancel(ctx context.Context, runID string) error
}
