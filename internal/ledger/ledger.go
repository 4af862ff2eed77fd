// Package ledger keeps the append-only attempt history of every job.
//
// Each job has sessions numbered 1..N with no gaps, at most one of which is
// pending or running. Terminal sessions are never modified.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

// ErrSessionClosed is returned when a terminal session would be modified.
var ErrSessionClosed = domain.NewConflictError("session", "", "session is already closed")

// Outcome is the terminal payload recorded on a session.
type Outcome struct {
	ExtractedData        map[string]any
	FieldsExtracted      int
	FieldsMissing        int
	CompletionPercentage float64
	Screenshots          []string
	StreamingURL         string
}

// OpenSession appends a pending session numbered max+1. It fails with a
// ConflictError when the job already has a non-terminal session.
func OpenSession(ctx context.Context, tx gateway.Tx, jobID string, now time.Time) (*domain.Session, error) {
	active, err := tx.ActiveSession(ctx, jobID)
	switch {
	case err == nil:
		return nil, domain.NewConflictError("job", jobID, "session %d is still %s", active.SessionNumber, active.Status)
	case !domain.IsNotFound(err):
		return nil, fmt.Errorf("check active session: %w", err)
	}

	last, err := tx.MaxSessionNumber(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read session number: %w", err)
	}

	session := &domain.Session{
		ID:            uuid.NewString(),
		JobID:         jobID,
		SessionNumber: last + 1,
		Status:        domain.SessionPending,
		CreatedAt:     now,
	}
	if err = tx.InsertSession(ctx, session); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// Acquire returns the job's pending session, opening one if none exists, and
// marks it running. A pending session left by a reverted claim is reused.
func Acquire(ctx context.Context, tx gateway.Tx, jobID string, now time.Time) (*domain.Session, error) {
	session, err := tx.ActiveSession(ctx, jobID)
	switch {
	case err == nil:
		if session.Status != domain.SessionPending {
			return nil, domain.NewConflictError("job", jobID, "session %d is already running", session.SessionNumber)
		}
	case domain.IsNotFound(err):
		if session, err = OpenSession(ctx, tx, jobID, now); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("check active session: %w", err)
	}

	session.Status = domain.SessionRunning
	session.StartedAt = &now
	if err = tx.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return session, nil
}

// Release returns a running session to pending so the next claim reuses it.
func Release(ctx context.Context, tx gateway.Tx, session *domain.Session) error {
	if session.Status.IsTerminal() {
		return ErrSessionClosed
	}
	session.Status = domain.SessionPending
	session.StartedAt = nil
	return tx.UpdateSession(ctx, session)
}

// Complete closes a session successfully.
func Complete(ctx context.Context, tx gateway.Tx, session *domain.Session, out Outcome, now time.Time) error {
	if session.Status.IsTerminal() {
		return ErrSessionClosed
	}

	session.Status = domain.SessionCompleted
	session.ExtractedData = out.ExtractedData
	session.FieldsExtracted = out.FieldsExtracted
	session.FieldsMissing = out.FieldsMissing
	session.CompletionPercentage = out.CompletionPercentage
	session.Screenshots = out.Screenshots
	if out.StreamingURL != "" {
		session.StreamingURL = out.StreamingURL
	}
	session.CompletedAt = &now
	return tx.UpdateSession(ctx, session)
}

// Fail closes a session with an agent failure.
func Fail(ctx context.Context, tx gateway.Tx, session *domain.Session, agentErr *domain.AgentError, now time.Time) error {
	if session.Status.IsTerminal() {
		return ErrSessionClosed
	}

	session.Status = domain.SessionFailed
	session.FailureReason = agentErr.Category
	session.ErrorMessage = agentErr.Message
	session.CompletedAt = &now
	return tx.UpdateSession(ctx, session)
}

// FailActive closes the job's open session, if any, with the given reason.
func FailActive(ctx context.Context, tx gateway.Tx, jobID string, agentErr *domain.AgentError, now time.Time) error {
	session, err := tx.ActiveSession(ctx, jobID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check active session: %w", err)
	}
	return Fail(ctx, tx, session, agentErr, now)
}

// Retry opens a fresh attempt for a job and puts it back in the queue. It is
// the only way a terminal job re-enters the queue.
func Retry(ctx context.Context, tx gateway.Tx, job *domain.Job, now time.Time) (*domain.Session, error) {
	session, err := OpenSession(ctx, tx, job.ID, now)
	if err != nil {
		return nil, err
	}

	if err = job.Transition(domain.JobQueued, now); err != nil {
		return nil, err
	}
	job.RetryCount++

	if err = tx.UpdateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	return session, nil
}
