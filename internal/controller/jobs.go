package controller

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/ledger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/registry"
)

const (
	cancelledMessage = "agent call cancelled"
	operatorMessage  = "marked %s by operator"
	maxPercentage    = 100
)

// claimNext reserves the oldest queued job when the execution is running
// and below its limit.
func (a *actor) claimNext() (*dispatcher.Claim, error) {
	var claim *dispatcher.Claim
	ch, err := a.persist("claim", func(ctx context.Context, ch *change) error {
		if ch.exec.Status != domain.ExecutionRunning || !ch.exec.HasCapacity() {
			return errNoChange
		}
		job, err := registry.NextQueued(ctx, ch, a.id)
		if err != nil {
			return err
		}
		if job == nil {
			return errNoChange
		}

		session, err := ledger.Acquire(ctx, ch, job.ID, ch.now)
		if err != nil {
			return err
		}
		if err = registry.Move(ctx, ch, ch.exec, job, domain.JobRunning, ch.now, nil); err != nil {
			return err
		}
		ch.emitJob(job)

		claim = &dispatcher.Claim{
			ExecutionID: a.id,
			JobID:       job.ID,
			SessionID:   session.ID,
			Request: agent.Request{
				ExecutionID: a.id,
				JobID:       job.ID,
				SessionID:   session.ID,
				SiteName:    job.SiteName,
				SiteURL:     job.SiteURL,
				Goal:        a.goal,
				Fields:      job.GroundTruthFields(),
				Timeout:     ch.exec.AgentTimeout(),
			},
		}
		return nil
	})
	if err != nil || ch == nil {
		return nil, err
	}

	a.startCall()
	a.logger.Debug("Job dispatched",
		infralogger.String("job_id", claim.JobID),
		infralogger.String("session_id", claim.SessionID),
		infralogger.Int("running", ch.exec.RunningJobs),
		infralogger.Int("concurrency", ch.exec.Concurrency),
	)
	return claim, nil
}

// progress records an intermediate report for a job that is still running.
func (a *actor) progress(claim *dispatcher.Claim, p agent.Progress) {
	_, err := a.persist("progress", func(ctx context.Context, ch *change) error {
		session, err := ch.GetSession(ctx, claim.SessionID)
		if err != nil {
			return err
		}
		job, err := ch.GetJob(ctx, claim.JobID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() || job.Status != domain.JobRunning || !job.BelongsTo(a.id) {
			return errNoChange
		}

		job.ProgressPercentage = min(max(p.Percentage, 0), maxPercentage)
		job.CurrentStep = p.Step
		if p.CurrentURL != "" {
			job.CurrentURL = p.CurrentURL
		}
		job.UpdatedAt = ch.now
		if err = ch.UpdateJob(ctx, job); err != nil {
			return err
		}

		if (p.RunID != "" && session.RunID != p.RunID) || (p.StreamingURL != "" && session.StreamingURL != p.StreamingURL) {
			if p.RunID != "" {
				session.RunID = p.RunID
			}
			if p.StreamingURL != "" {
				session.StreamingURL = p.StreamingURL
			}
			if err = ch.UpdateSession(ctx, session); err != nil {
				return err
			}
		}

		ch.exec.LastActivityAt = ch.now
		ch.events = append(ch.events, infraevents.ForJob(infraevents.JobProgress, a.id, job.ID,
			infraevents.JobProgressPayload{
				Percentage:  job.ProgressPercentage,
				CurrentStep: job.CurrentStep,
				CurrentURL:  job.CurrentURL,
			}))
		return nil
	})
	if err != nil {
		a.logger.Debug("Progress not recorded", infralogger.String("job_id", claim.JobID), infralogger.Error(err))
	}
}

// complete applies the outcome of an agent call. A second outcome for the
// same session is ignored.
func (a *actor) complete(claim *dispatcher.Claim, result *agent.Result, callErr error) {
	a.finishCall()

	// Calls cancelled by Shutdown leave their jobs running for Recover.
	if a.closing && errors.Is(callErr, context.Canceled) {
		return
	}

	_, err := a.persist("complete", func(ctx context.Context, ch *change) error {
		session, err := ch.GetSession(ctx, claim.SessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return errNoChange
		}
		job, err := ch.GetJob(ctx, claim.JobID)
		if err != nil {
			return err
		}
		current := job.Status == domain.JobRunning && job.BelongsTo(a.id)

		if callErr == nil {
			return a.succeed(ctx, ch, job, session, result, current)
		}
		return a.fail(ctx, ch, job, session, classify(callErr), current)
	})
	if err != nil {
		a.logger.Error("Failed to record agent result",
			infralogger.String("job_id", claim.JobID),
			infralogger.String("session_id", claim.SessionID),
			infralogger.Error(err))
	}
}

func (a *actor) succeed(
	ctx context.Context, ch *change, job *domain.Job, session *domain.Session, result *agent.Result, current bool,
) error {
	if result == nil {
		result = &agent.Result{}
	}
	out := ledger.Outcome{
		ExtractedData:        result.ExtractedData,
		FieldsExtracted:      result.FieldsExtracted,
		FieldsMissing:        result.FieldsMissing,
		CompletionPercentage: result.CompletionPercentage,
		Screenshots:          result.Screenshots,
		StreamingURL:         result.StreamingURL,
	}
	if result.RunID != "" {
		session.RunID = result.RunID
	}
	if err := ledger.Complete(ctx, ch, session, out, ch.now); err != nil {
		return err
	}
	if !current {
		return nil
	}

	verdict := job.Evaluate(result.ExtractedData)
	err := registry.Move(ctx, ch, ch.exec, job, domain.JobCompleted, ch.now, func(j *domain.Job) {
		j.Result = verdict
		j.ProgressPercentage = maxPercentage
		j.ErrorMessage = ""
	})
	if err != nil {
		return err
	}
	ch.emitJob(job)
	ch.outcome(domain.JobCompleted, string(verdict))
	return ch.settle()
}

func (a *actor) fail(
	ctx context.Context, ch *change, job *domain.Job, session *domain.Session, agentErr *domain.AgentError, current bool,
) error {
	if err := ledger.Fail(ctx, ch, session, agentErr, ch.now); err != nil {
		return err
	}
	if !current {
		return nil
	}

	to := domain.JobFailed
	if agentErr.Recoverable {
		to = domain.JobBlocked
	}
	err := registry.Move(ctx, ch, ch.exec, job, to, ch.now, func(j *domain.Job) {
		j.ErrorMessage = agentErr.Message
	})
	if err != nil {
		return err
	}
	ch.emitJob(job)
	ch.outcome(to, string(agentErr.Category))
	return ch.settle()
}

func classify(err error) *domain.AgentError {
	if errors.Is(err, context.Canceled) {
		return domain.NewAgentError(domain.AgentUnknown, cancelledMessage, err)
	}
	return domain.AgentErrorFor(err)
}

// release reverts a claim the agent refused. The session goes back to
// pending so the next claim reuses it. An exhausted job fails instead.
func (a *actor) release(claim *dispatcher.Claim, cause error, exhausted bool) {
	a.finishCall()

	_, err := a.persist("release", func(ctx context.Context, ch *change) error {
		session, err := ch.GetSession(ctx, claim.SessionID)
		if err != nil {
			return err
		}
		if session.Status.IsTerminal() {
			return errNoChange
		}
		job, err := ch.GetJob(ctx, claim.JobID)
		if err != nil {
			return err
		}
		current := job.Status == domain.JobRunning && job.BelongsTo(a.id)

		if exhausted {
			agentErr := domain.NewAgentError(domain.AgentNetwork, "agent unavailable: "+cause.Error(), cause)
			return a.fail(ctx, ch, job, session, agentErr, current)
		}

		if err = ledger.Release(ctx, ch, session); err != nil {
			return err
		}
		if !current {
			return nil
		}
		if err = registry.Move(ctx, ch, ch.exec, job, domain.JobQueued, ch.now, nil); err != nil {
			return err
		}
		ch.emitJob(job)
		return nil
	})
	if err != nil {
		a.logger.Error("Failed to release claim", infralogger.String("job_id", claim.JobID), infralogger.Error(err))
	}
}

// RetryJob opens a new session for the job and queues it again. A completed
// execution reopens to running. Stopped and failed executions stay terminal
// and count the job as queued until a new execution of the batch takes it
// over. A job whose batch was never started is queued without an execution.
func (c *Controller) RetryJob(ctx context.Context, jobID string) (job *domain.Job, err error) {
	ctx, span := c.startSpan(ctx, "controller.retry_job", attribute.String("job.id", jobID))
	defer func() { endSpan(span, err) }()

	execID, err := c.executionOf(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if execID == "" {
		return c.retryUnowned(ctx, jobID)
	}
	return command(ctx, c, execID, func(a *actor) (*domain.Job, error) {
		var retried *domain.Job
		_, err := a.persist("retry", func(ctx context.Context, ch *change) error {
			var err error
			retried, err = a.retryInTx(ctx, ch, jobID)
			return err
		})
		if err != nil {
			return nil, err
		}
		return retried, nil
	})
}

// executionOf returns the id of the execution owning the job, or "" when
// the job has never been attached.
func (c *Controller) executionOf(ctx context.Context, jobID string) (string, error) {
	job, err := c.gw.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.ExecutionID == nil {
		return "", nil
	}
	return *job.ExecutionID, nil
}

func (c *Controller) retryUnowned(ctx context.Context, jobID string) (*domain.Job, error) {
	var retried *domain.Job
	err := c.gw.InTx(ctx, func(tx gateway.Tx) error {
		job, err := tx.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.ExecutionID != nil {
			return domain.NewConflictError("job", jobID, "job was attached to execution %s", *job.ExecutionID)
		}
		if _, err = ledger.Retry(ctx, tx, job, c.now()); err != nil {
			return err
		}
		retried = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("Retried job outside any execution", infralogger.String("job_id", jobID))
	return retried, nil
}

func (a *actor) retryInTx(ctx context.Context, ch *change, jobID string) (*domain.Job, error) {
	if ch.exec.Status == domain.ExecutionCompleted {
		if err := ch.transition(domain.ExecutionRunning); err != nil {
			return nil, err
		}
		ch.emit(infraevents.ExecutionStarted, nil)
	}

	job, err := ch.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.BelongsTo(a.id) {
		return nil, domain.NewConflictError("job", jobID, "job belongs to another execution")
	}

	ch.exec.Count(job, -1)
	if _, err = ledger.Retry(ctx, ch, job, ch.now); err != nil {
		return nil, err
	}
	ch.exec.Count(job, +1)
	ch.exec.LastActivityAt = ch.now
	ch.emitJob(job)
	return job, nil
}

// markInTx moves a queued or blocked job to blocked or failed by hand.
func (a *actor) markInTx(ctx context.Context, ch *change, jobID string, status domain.JobStatus) (*domain.Job, error) {
	job, err := ch.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.BelongsTo(a.id) {
		return nil, domain.NewConflictError("job", jobID, "job belongs to another execution")
	}
	if job.Status != domain.JobQueued && job.Status != domain.JobBlocked {
		return nil, domain.NewConflictError("job", jobID, "cannot mark a %s job as %s", job.Status, status)
	}

	agentErr := domain.NewAgentError(domain.AgentUnknown, fmt.Sprintf(operatorMessage, status), nil)
	if err = ledger.FailActive(ctx, ch, job.ID, agentErr, ch.now); err != nil {
		return nil, err
	}
	err = registry.Move(ctx, ch, ch.exec, job, status, ch.now, func(j *domain.Job) {
		j.ErrorMessage = agentErr.Message
	})
	if err != nil {
		return nil, err
	}
	ch.emitJob(job)
	ch.outcome(status, "operator")
	return job, ch.settle()
}
