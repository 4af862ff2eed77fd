package controller_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

// flakyGateway fails the next n execution updates with a version conflict.
type flakyGateway struct {
	gateway.Gateway
	conflicts atomic.Int32
}

func (f *flakyGateway) InTx(ctx context.Context, fn func(tx gateway.Tx) error) error {
	return f.Gateway.InTx(ctx, func(tx gateway.Tx) error {
		return fn(&flakyTx{Tx: tx, f: f})
	})
}

type flakyTx struct {
	gateway.Tx
	f *flakyGateway
}

func (t *flakyTx) UpdateExecution(ctx context.Context, exec *domain.Execution) error {
	if t.f.conflicts.Add(-1) >= 0 {
		return gateway.ErrVersionConflict
	}
	return t.Tx.UpdateExecution(ctx, exec)
}

func TestPersist_RetriesVersionConflicts(t *testing.T) {
	t.Parallel()

	flaky := &flakyGateway{Gateway: gateway.NewMemory()}
	m := metrics.New(prometheus.NewRegistry())
	gate := agent.NewGate(1)
	h := newHarness(t, gate.Then(agent.Succeed(nil)), withGateway(flaky), withMetrics(m))

	exec, _ := h.start(t, 1, 1)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 1 }, waitFor, time.Millisecond)

	flaky.conflicts.Store(2)
	paused, err := h.c.Pause(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPaused, paused.Status)
	assert.InDelta(t, 2, testutil.ToFloat64(m.PersistenceRetries.WithLabelValues("pause")), 0)

	gate.Release(1)
	require.Eventually(t, func() bool { return h.exec(t, exec.ID).CompletedJobs == 1 }, waitFor, time.Millisecond)
}

func TestPersist_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	flaky := &flakyGateway{Gateway: gateway.NewMemory()}
	gate := agent.NewGate(1)
	h := newHarness(t, gate.Then(agent.Succeed(nil)), withGateway(flaky))

	exec, _ := h.start(t, 1, 1)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 1 }, waitFor, time.Millisecond)

	flaky.conflicts.Store(100)
	_, err := h.c.Pause(context.Background(), exec.ID)
	require.ErrorIs(t, err, gateway.ErrVersionConflict)
	flaky.conflicts.Store(0)

	assert.Equal(t, domain.ExecutionRunning, h.exec(t, exec.ID).Status)
	gate.Release(1)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
}
