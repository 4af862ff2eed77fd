package controller

import (
	"context"
	"fmt"
	"time"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/ledger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/registry"
)

const (
	interruptedMessage = "interrupted"
	stalledReason      = "stalled"
)

// Recover takes over executions a previous process left behind. Running and
// paused executions have their running jobs returned to the queue with the
// open session failed, and running executions get a dispatcher again.
// Executions still queued, whose start never ran, are started. It returns
// the number of requeued jobs.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	execs, err := c.gw.ListExecutions(ctx, gateway.ExecutionFilter{
		Statuses: domain.NonTerminalExecutionStatuses(),
	})
	if err != nil {
		return 0, fmt.Errorf("list interrupted executions: %w", err)
	}

	total, started := 0, 0
	for _, exec := range execs {
		if exec.Status == domain.ExecutionQueued {
			if _, err = c.Start(ctx, exec.ID); err != nil && !domain.IsConflict(err) {
				return total, fmt.Errorf("start queued execution %s: %w", exec.ID, err)
			}
			started++
			continue
		}
		n, err := command(ctx, c, exec.ID, func(a *actor) (int, error) {
			return a.recoverInterrupted()
		})
		if err != nil {
			return total, fmt.Errorf("recover execution %s: %w", exec.ID, err)
		}
		total += n
	}

	if len(execs) > 0 {
		c.logger.Info("Recovered interrupted executions",
			infralogger.Int("executions", len(execs)),
			infralogger.Int("started", started),
			infralogger.Int("requeued_jobs", total))
	}
	return total, nil
}

func (a *actor) recoverInterrupted() (int, error) {
	// Jobs with calls in flight in this process are not orphans.
	if a.inflight > 0 {
		return 0, nil
	}

	requeued := 0
	ch, err := a.persist("recover", func(ctx context.Context, ch *change) error {
		requeued = 0
		if ch.exec.Status != domain.ExecutionRunning && ch.exec.Status != domain.ExecutionPaused {
			return errNoChange
		}
		jobs, err := registry.Running(ctx, ch, a.id)
		if err != nil {
			return err
		}

		interrupted := domain.NewAgentError(domain.AgentUnknown, interruptedMessage, nil)
		for _, job := range jobs {
			if err = ledger.FailActive(ctx, ch, job.ID, interrupted, ch.now); err != nil {
				return err
			}
			if err = registry.Move(ctx, ch, ch.exec, job, domain.JobQueued, ch.now, nil); err != nil {
				return err
			}
			ch.emitJob(job)
			requeued++
		}
		return ch.settle()
	})
	if err != nil {
		return 0, err
	}
	if ch == nil {
		return 0, nil
	}
	return requeued, nil
}

// Sweep fails running executions with no activity since staleAfter and no
// agent calls in flight in this process. It returns how many were failed.
func (c *Controller) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := c.now().Add(-staleAfter)
	execs, err := c.gw.ListExecutions(ctx, gateway.ExecutionFilter{
		Statuses: []domain.ExecutionStatus{domain.ExecutionRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}

	failed := 0
	for _, exec := range execs {
		if !exec.LastActivityAt.Before(cutoff) {
			continue
		}
		swept, err := command(ctx, c, exec.ID, func(a *actor) (bool, error) {
			return a.failIfStale(cutoff)
		})
		if err != nil {
			return failed, fmt.Errorf("sweep execution %s: %w", exec.ID, err)
		}
		if swept {
			failed++
		}
	}
	return failed, nil
}

func (a *actor) failIfStale(cutoff time.Time) (bool, error) {
	if a.inflight > 0 {
		return false, nil
	}
	var lastActivity time.Time
	ch, err := a.persist("sweep", func(_ context.Context, ch *change) error {
		if ch.exec.Status != domain.ExecutionRunning || !ch.exec.LastActivityAt.Before(cutoff) {
			return errNoChange
		}
		lastActivity = ch.exec.LastActivityAt
		if err := ch.transition(domain.ExecutionFailed); err != nil {
			return err
		}
		ch.exec.StopReason = stalledReason
		ch.emit(infraevents.ExecutionFailed, infraevents.StoppedPayload{Reason: stalledReason})
		return nil
	})
	if err != nil {
		return false, err
	}
	if ch != nil {
		a.logger.Warn("Execution failed after inactivity", infralogger.Time("last_activity_at", lastActivity))
	}
	return ch != nil, nil
}
