package controller_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/ledger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/registry"
)

// seedInterrupted stores a running execution as a crashed process would
// leave it: the first job running with an open session.
func seedInterrupted(t *testing.T, gw gateway.Gateway, jobs int, lastActivity time.Time) (*domain.Execution, []*domain.Job) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	batch, batchJobs, err := registry.CreateBatch(ctx, gw, "crashed", "goal", sites(jobs), now)
	require.NoError(t, err)

	exec := &domain.Execution{
		ID:             "exec-crashed",
		BatchID:        batch.ID,
		Status:         domain.ExecutionRunning,
		Concurrency:    2,
		AgentTimeoutMs: time.Minute.Milliseconds(),
		CreatedAt:      now,
	}
	err = gw.InTx(ctx, func(tx gateway.Tx) error {
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		if _, err := registry.Attach(ctx, tx, exec, now); err != nil {
			return err
		}
		job, err := tx.GetJob(ctx, batchJobs[0].ID)
		if err != nil {
			return err
		}
		if _, err = ledger.Acquire(ctx, tx, job.ID, now); err != nil {
			return err
		}
		if err = registry.Move(ctx, tx, exec, job, domain.JobRunning, now, nil); err != nil {
			return err
		}
		exec.LastActivityAt = lastActivity
		return tx.UpdateExecution(ctx, exec)
	})
	require.NoError(t, err)
	return exec, batchJobs
}

// seedQueued stores an execution whose start command never ran.
func seedQueued(t *testing.T, gw gateway.Gateway, jobs int) (*domain.Execution, *domain.Batch) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	batch, _, err := registry.CreateBatch(ctx, gw, "unstarted", "goal", sites(jobs), now)
	require.NoError(t, err)

	exec := &domain.Execution{
		ID:             "exec-queued",
		BatchID:        batch.ID,
		Status:         domain.ExecutionQueued,
		Concurrency:    2,
		AgentTimeoutMs: time.Minute.Milliseconds(),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err = gw.InTx(ctx, func(tx gateway.Tx) error {
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		if _, err := registry.Attach(ctx, tx, exec, now); err != nil {
			return err
		}
		return tx.UpdateExecution(ctx, exec)
	})
	require.NoError(t, err)
	return exec, batch
}

func TestStartExecution_AfterShutdownStoresNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(nil))
	report := h.batch(t, sites(2))
	ctx := context.Background()

	require.NoError(t, h.c.Shutdown(ctx))
	_, err := h.c.StartExecution(ctx, report.Batch.ID, controller.StartOptions{})
	require.ErrorIs(t, err, controller.ErrShuttingDown)

	execs, err := h.gw.ListExecutions(ctx, gateway.ExecutionFilter{BatchID: report.Batch.ID})
	require.NoError(t, err)
	assert.Empty(t, execs)
}

func TestRecover_StartsQueuedExecution(t *testing.T) {
	t.Parallel()

	gw := gateway.NewMemory()
	exec, batch := seedQueued(t, gw, 3)
	h := newHarness(t, agent.Succeed(nil), withGateway(gw))
	ctx := context.Background()

	_, err := h.c.StartExecution(ctx, batch.ID, controller.StartOptions{})
	require.True(t, domain.IsConflict(err), "queued execution still owns the batch")

	requeued, err := h.c.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, requeued)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 3, final.CompletedJobs)
	assert.NotNil(t, final.StartedAt)

	next, err := h.c.StartExecution(ctx, batch.ID, controller.StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, next.ID, domain.ExecutionCompleted)
}

func TestStart_QueuedExecution(t *testing.T) {
	t.Parallel()

	gw := gateway.NewMemory()
	exec, _ := seedQueued(t, gw, 2)
	h := newHarness(t, agent.Succeed(nil), withGateway(gw))
	ctx := context.Background()

	started, err := h.c.Start(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, started.Status)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)

	_, err = h.c.Start(ctx, exec.ID)
	assert.True(t, domain.IsConflict(err))

	_, err = h.c.Start(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestRecover_RequeuesInterruptedJobs(t *testing.T) {
	t.Parallel()

	gw := gateway.NewMemory()
	exec, jobs := seedInterrupted(t, gw, 3, time.Now().UTC())
	h := newHarness(t, agent.Succeed(nil), withGateway(gw))

	requeued, err := h.c.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 3, final.CompletedJobs)

	sessions := h.sessions(t, jobs[0].ID)
	require.Len(t, sessions, 2)
	assertSessionNumbers(t, sessions)
	assert.Equal(t, domain.SessionFailed, sessions[0].Status)
	assert.Equal(t, "interrupted", sessions[0].ErrorMessage)
	assert.Equal(t, domain.SessionCompleted, sessions[1].Status)
}

func TestRecover_LeavesPausedExecutionPaused(t *testing.T) {
	t.Parallel()

	gw := gateway.NewMemory()
	exec, _ := seedInterrupted(t, gw, 2, time.Now().UTC())
	ctx := context.Background()
	require.NoError(t, gw.InTx(ctx, func(tx gateway.Tx) error {
		stored, err := tx.GetExecution(ctx, exec.ID)
		if err != nil {
			return err
		}
		if err = stored.Transition(domain.ExecutionPaused, time.Now()); err != nil {
			return err
		}
		return tx.UpdateExecution(ctx, stored)
	}))

	h := newHarness(t, agent.Succeed(nil), withGateway(gw))
	requeued, err := h.c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	require.Never(t, func() bool { return len(h.fake.Calls()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	paused := h.exec(t, exec.ID)
	assert.Equal(t, domain.ExecutionPaused, paused.Status)
	assert.Equal(t, 2, paused.QueuedJobs)

	_, err = h.c.Resume(ctx, exec.ID)
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
}

func TestSweep_FailsStaleExecutions(t *testing.T) {
	t.Parallel()

	gw := gateway.NewMemory()
	exec, _ := seedInterrupted(t, gw, 2, time.Now().UTC().Add(-time.Hour))
	h := newHarness(t, agent.Succeed(nil), withGateway(gw))

	swept, err := h.c.Sweep(context.Background(), 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, swept)

	swept, err = h.c.Sweep(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	failed := h.exec(t, exec.ID)
	assert.Equal(t, domain.ExecutionFailed, failed.Status)
	assert.Equal(t, "stalled", failed.StopReason)
	assert.NotNil(t, failed.CompletedAt)

	_, err = h.c.Resume(context.Background(), exec.ID)
	assert.True(t, domain.IsConflict(err))
}
