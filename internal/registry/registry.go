// Package registry manages the jobs owned by an execution: intake, queue
// order and status changes with their counter bookkeeping.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/ledger"
)

const supersededMessage = "superseded by a new execution"

// CreateBatch stores a batch and one queued job per site. Job creation times
// are spaced by a microsecond so queue order follows the input order.
func CreateBatch(
	ctx context.Context, gw gateway.Gateway, name, goal string, sites []domain.Site, now time.Time,
) (*domain.Batch, []*domain.Job, error) {
	if err := domain.ValidateBatchInput(name, sites); err != nil {
		return nil, nil, err
	}

	batch := &domain.Batch{ID: uuid.NewString(), Name: name, Goal: goal, CreatedAt: now}
	jobs := make([]*domain.Job, 0, len(sites))
	for i, site := range sites {
		created := now.Add(time.Duration(i) * time.Microsecond)
		siteName := site.Name
		if siteName == "" {
			siteName = site.URL
		}
		jobs = append(jobs, &domain.Job{
			ID:          uuid.NewString(),
			BatchID:     batch.ID,
			SiteName:    siteName,
			SiteURL:     site.URL,
			Status:      domain.JobQueued,
			GroundTruth: site.GroundTruth,
			CreatedAt:   created,
			UpdatedAt:   created,
		})
	}

	err := gw.InTx(ctx, func(tx gateway.Tx) error {
		if err := tx.InsertBatch(ctx, batch); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, job := range jobs {
			if err := tx.InsertJob(ctx, job); err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return batch, jobs, nil
}

// Attach moves every job of the execution's batch into the execution, reset
// to queued. A running session left by an earlier execution is failed; a
// pending one is kept for the next claim. Jobs still queued or running in an
// earlier execution move to that execution's error bucket so its counters
// keep matching the jobs it owns. It returns the number of attached jobs and
// sets the execution's counters.
func Attach(ctx context.Context, tx gateway.Tx, exec *domain.Execution, now time.Time) (int, error) {
	jobs, err := tx.ListBatchJobs(ctx, exec.BatchID)
	if err != nil {
		return 0, fmt.Errorf("list batch jobs: %w", err)
	}

	superseded := domain.NewAgentError(domain.AgentUnknown, supersededMessage, nil)
	previous := make(map[string]*domain.Execution)
	for _, job := range jobs {
		if err = supersedeSession(ctx, tx, job.ID, superseded, now); err != nil {
			return 0, err
		}
		if err = release(ctx, tx, previous, exec.ID, job); err != nil {
			return 0, err
		}
		if err = job.Transition(domain.JobQueued, now); err != nil {
			return 0, err
		}
		job.ExecutionID = &exec.ID
		if err = tx.UpdateJob(ctx, job); err != nil {
			return 0, fmt.Errorf("attach job %s: %w", job.ID, err)
		}
	}

	for _, prev := range previous {
		if err = tx.UpdateExecution(ctx, prev); err != nil {
			if errors.Is(err, gateway.ErrVersionConflict) {
				return 0, domain.NewConflictError("execution", prev.ID, "execution changed while its jobs were reassigned")
			}
			return 0, fmt.Errorf("release jobs of execution %s: %w", prev.ID, err)
		}
	}

	exec.TotalJobs = len(jobs)
	exec.QueuedJobs = len(jobs)
	exec.RunningJobs, exec.CompletedJobs, exec.ErrorJobs = 0, 0, 0
	exec.PassedJobs, exec.FailedJobs = 0, 0
	return len(jobs), nil
}

func supersedeSession(ctx context.Context, tx gateway.Tx, jobID string, reason *domain.AgentError, now time.Time) error {
	session, err := tx.ActiveSession(ctx, jobID)
	if domain.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check active session: %w", err)
	}
	if session.Status == domain.SessionPending {
		return nil
	}
	return ledger.Fail(ctx, tx, session, reason, now)
}

// release takes a queued or running job out of the execution it belonged to
// and counts it there as an error.
func release(ctx context.Context, tx gateway.Tx, previous map[string]*domain.Execution, execID string, job *domain.Job) error {
	if job.ExecutionID == nil || *job.ExecutionID == execID {
		return nil
	}
	if job.Status != domain.JobQueued && job.Status != domain.JobRunning {
		return nil
	}

	prevID := *job.ExecutionID
	prev, ok := previous[prevID]
	if !ok {
		var err error
		if prev, err = tx.GetExecution(ctx, prevID); err != nil {
			return fmt.Errorf("load execution %s: %w", prevID, err)
		}
		previous[prevID] = prev
	}
	prev.Count(job, -1)
	prev.ErrorJobs++
	return nil
}

// NextQueued returns the oldest queued job of the execution, or nil.
func NextQueued(ctx context.Context, tx gateway.Reader, executionID string) (*domain.Job, error) {
	jobs, err := tx.ListExecutionJobs(ctx, executionID, gateway.JobFilter{Status: domain.JobQueued, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("next queued job: %w", err)
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Move transitions job to status `to`, applies mutate, moves the job between
// the execution's counter buckets and stores the job. The caller stores exec.
func Move(
	ctx context.Context, tx gateway.Tx, exec *domain.Execution, job *domain.Job,
	to domain.JobStatus, now time.Time, mutate func(*domain.Job),
) error {
	owned := job.BelongsTo(exec.ID)
	if owned {
		exec.Count(job, -1)
	}

	if err := job.Transition(to, now); err != nil {
		if owned {
			exec.Count(job, +1)
		}
		return err
	}
	if mutate != nil {
		mutate(job)
	}

	if owned {
		exec.Count(job, +1)
		exec.LastActivityAt = now
	}

	if err := tx.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	return nil
}

// Running returns the execution's in-flight jobs.
func Running(ctx context.Context, r gateway.Reader, executionID string) ([]*domain.Job, error) {
	return r.ListExecutionJobs(ctx, executionID, gateway.JobFilter{Status: domain.JobRunning})
}

// Status reads an execution and its running jobs from one snapshot, so the
// running list agrees with the execution's counters.
func Status(ctx context.Context, gw gateway.Gateway, executionID string) (*domain.Execution, []*domain.Job, error) {
	var (
		exec    *domain.Execution
		running []*domain.Job
	)
	err := gw.Snapshot(ctx, func(r gateway.Reader) error {
		var err error
		if exec, err = r.GetExecution(ctx, executionID); err != nil {
			return err
		}
		if running, err = Running(ctx, r, executionID); err != nil {
			return fmt.Errorf("list running jobs: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return exec, running, nil
}
