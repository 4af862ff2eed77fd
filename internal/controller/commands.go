package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/registry"
)

const defaultStopReason = "stopped by user"

// StartOptions overrides the execution defaults. Zero values keep them.
type StartOptions struct {
	Concurrency  int
	AgentTimeout time.Duration
}

// StartExecution creates an execution over every job of the batch and
// starts dispatching.
func (c *Controller) StartExecution(ctx context.Context, batchID string, opts StartOptions) (exec *domain.Execution, err error) {
	ctx, span := c.startSpan(ctx, "controller.start_execution", attribute.String("batch.id", batchID))
	defer func() { endSpan(span, err) }()

	concurrency := opts.Concurrency
	if concurrency == 0 {
		concurrency = c.cfg.DefaultConcurrency
	}
	if err = c.validateConcurrency(concurrency); err != nil {
		return nil, err
	}
	timeout := opts.AgentTimeout
	if timeout == 0 {
		timeout = c.cfg.DefaultAgentTimeout
	}
	if timeout < time.Millisecond {
		return nil, domain.NewValidationError("agent_timeout", "must be at least 1ms")
	}

	if c.isClosing() {
		return nil, ErrShuttingDown
	}

	now := c.now()
	exec = &domain.Execution{
		ID:             uuid.NewString(),
		BatchID:        batchID,
		Status:         domain.ExecutionQueued,
		Concurrency:    concurrency,
		AgentTimeoutMs: timeout.Milliseconds(),
		CreatedAt:      now,
		LastActivityAt: now,
	}

	err = c.gw.InTx(ctx, func(tx gateway.Tx) error {
		if _, err := tx.GetBatch(ctx, batchID); err != nil {
			return err
		}
		active, err := tx.ListExecutions(ctx, gateway.ExecutionFilter{
			BatchID:  batchID,
			Statuses: domain.NonTerminalExecutionStatuses(),
		})
		if err != nil {
			return fmt.Errorf("list active executions: %w", err)
		}
		if len(active) > 0 {
			return domain.NewConflictError("batch", batchID, "execution %s is still %s", active[0].ID, active[0].Status)
		}

		if err = tx.InsertExecution(ctx, exec); err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		n, err := registry.Attach(ctx, tx, exec, now)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.NewValidationError("batch_id", "batch has no jobs")
		}
		return tx.UpdateExecution(ctx, exec)
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("Execution created",
		infralogger.String("execution_id", exec.ID),
		infralogger.String("batch_id", batchID),
		infralogger.Int("total_jobs", exec.TotalJobs),
		infralogger.Int("concurrency", concurrency),
	)

	started, err := command(ctx, c, exec.ID, func(a *actor) (*domain.Execution, error) {
		return a.start()
	})
	if err != nil {
		c.logger.Warn("Execution created but not started",
			infralogger.String("execution_id", exec.ID),
			infralogger.Error(err))
		return nil, err
	}
	return started, nil
}

// Start moves a queued execution to running. StartExecution does this
// itself; Start picks up an execution whose start was interrupted.
func (c *Controller) Start(ctx context.Context, id string) (exec *domain.Execution, err error) {
	ctx, span := c.startSpan(ctx, "controller.start", attribute.String("execution.id", id))
	defer func() { endSpan(span, err) }()

	return command(ctx, c, id, func(a *actor) (*domain.Execution, error) {
		return a.start()
	})
}

func (c *Controller) validateConcurrency(n int) error {
	if n < 1 {
		return domain.NewValidationError("concurrency", "must be at least 1")
	}
	if n > c.cfg.MaxConcurrency {
		return domain.NewValidationError("concurrency", fmt.Sprintf("must be at most %d", c.cfg.MaxConcurrency))
	}
	return nil
}

// Pause stops dispatching new jobs. Calls already in flight finish and
// their results are applied.
func (c *Controller) Pause(ctx context.Context, id string) (exec *domain.Execution, err error) {
	ctx, span := c.startSpan(ctx, "controller.pause", attribute.String("execution.id", id))
	defer func() { endSpan(span, err) }()

	return command(ctx, c, id, func(a *actor) (*domain.Execution, error) {
		ch, err := a.persist("pause", func(_ context.Context, ch *change) error {
			if err := ch.transition(domain.ExecutionPaused); err != nil {
				return err
			}
			ch.emit(infraevents.ExecutionPaused, nil)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ch.exec, nil
	})
}

// Resume restarts dispatching and returns how many jobs are queued.
func (c *Controller) Resume(ctx context.Context, id string) (queued int, err error) {
	ctx, span := c.startSpan(ctx, "controller.resume", attribute.String("execution.id", id))
	defer func() { endSpan(span, err) }()

	return command(ctx, c, id, func(a *actor) (int, error) {
		ch, err := a.persist("resume", func(_ context.Context, ch *change) error {
			if err := ch.transition(domain.ExecutionRunning); err != nil {
				return err
			}
			ch.emit(infraevents.ExecutionResumed, infraevents.ResumedPayload{Requeued: ch.exec.QueuedJobs})
			return ch.settle()
		})
		if err != nil {
			return 0, err
		}
		return ch.exec.QueuedJobs, nil
	})
}

// Stop ends the execution and cancels in-flight agent calls. Results that
// still arrive are recorded without reopening the execution.
func (c *Controller) Stop(ctx context.Context, id, reason string) (exec *domain.Execution, err error) {
	ctx, span := c.startSpan(ctx, "controller.stop", attribute.String("execution.id", id))
	defer func() { endSpan(span, err) }()

	if reason == "" {
		reason = defaultStopReason
	}

	return command(ctx, c, id, func(a *actor) (*domain.Execution, error) {
		ch, err := a.persist("stop", func(_ context.Context, ch *change) error {
			if err := ch.transition(domain.ExecutionStopped); err != nil {
				return err
			}
			ch.exec.StopReason = reason
			ch.emit(infraevents.ExecutionStopped, infraevents.StoppedPayload{Reason: reason})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return ch.exec, nil
	})
}

// SetConcurrency changes the dispatch limit. Lowering it never interrupts
// running jobs; dispatching resumes once enough of them finish.
func (c *Controller) SetConcurrency(ctx context.Context, id string, n int) (exec *domain.Execution, err error) {
	ctx, span := c.startSpan(ctx, "controller.set_concurrency",
		attribute.String("execution.id", id), attribute.Int("concurrency", n))
	defer func() { endSpan(span, err) }()

	if err = c.validateConcurrency(n); err != nil {
		return nil, err
	}

	return command(ctx, c, id, func(a *actor) (*domain.Execution, error) {
		ch, err := a.persist("set_concurrency", func(_ context.Context, ch *change) error {
			switch ch.exec.Status {
			case domain.ExecutionRunning, domain.ExecutionPaused:
			default:
				return domain.NewConflictError("execution", ch.exec.ID, "cannot change concurrency while %s", ch.exec.Status)
			}
			old := ch.exec.Concurrency
			ch.exec.Concurrency = n
			ch.exec.LastActivityAt = ch.now
			ch.emit(infraevents.ConcurrencyChanged, infraevents.ConcurrencyChangedPayload{Old: old, New: n})
			return nil
		})
		if err != nil {
			return nil, err
		}
		a.wake()
		return ch.exec, nil
	})
}

func (a *actor) start() (*domain.Execution, error) {
	ch, err := a.persist("start", func(_ context.Context, ch *change) error {
		if err := ch.transition(domain.ExecutionRunning); err != nil {
			return err
		}
		ch.emit(infraevents.ExecutionStarted, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ch.exec, nil
}
