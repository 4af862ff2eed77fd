package dispatcher_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/dispatcher"
)

// queueHost is an in-memory Host with a FIFO queue and a mutable limit.
type queueHost struct {
	mu          sync.Mutex
	queue       []string
	concurrency int
	running     int
	maxRunning  int
	claims      int
	completed   []string
	released    int
	exhausted   []string
}

func newQueueHost(jobs, concurrency int) *queueHost {
	h := &queueHost{concurrency: concurrency}
	for i := range jobs {
		h.queue = append(h.queue, fmt.Sprintf("job-%02d", i))
	}
	return h
}

func (h *queueHost) ClaimNext(context.Context) (*dispatcher.Claim, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.queue) == 0 || h.running >= h.concurrency {
		return nil, nil
	}
	jobID := h.queue[0]
	h.queue = h.queue[1:]
	h.running++
	h.claims++
	if h.running > h.maxRunning {
		h.maxRunning = h.running
	}
	return &dispatcher.Claim{JobID: jobID, Request: agent.Request{JobID: jobID}}, nil
}

func (h *queueHost) Progress(*dispatcher.Claim, agent.Progress) {}

func (h *queueHost) Complete(claim *dispatcher.Claim, _ *agent.Result, _ error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running--
	h.completed = append(h.completed, claim.JobID)
}

func (h *queueHost) Release(claim *dispatcher.Claim, _ error, exhausted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running--
	if exhausted {
		h.exhausted = append(h.exhausted, claim.JobID)
		return
	}
	h.released++
	h.queue = append([]string{claim.JobID}, h.queue...)
}

func (h *queueHost) setConcurrency(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.concurrency = n
}

func (h *queueHost) snapshot() (claims, completed, running, maxRunning int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.claims, len(h.completed), h.running, h.maxRunning
}

func fastConfig() dispatcher.Config {
	return dispatcher.Config{
		RecheckInterval: 10 * time.Millisecond,
		BackoffInitial:  time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		MaxUnavailable:  3,
	}
}

func TestDispatcher_NeverExceedsConcurrency(t *testing.T) {
	t.Parallel()

	host := newQueueHost(10, 3)
	gate := agent.NewGate(10)
	fake := agent.NewFake(gate.Then(agent.Succeed(nil)))

	d := dispatcher.New(host, fake, fastConfig(), infralogger.NewNop(), nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool { return fake.InFlight() == 3 }, time.Second, time.Millisecond)
	for range 10 {
		gate.Release(1)
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, completed, _, _ := host.snapshot()
		return completed == 10
	}, 2*time.Second, time.Millisecond)

	_, _, _, maxRunning := host.snapshot()
	assert.LessOrEqual(t, maxRunning, 3)
	assert.LessOrEqual(t, fake.MaxInFlight(), 3)
	assert.Equal(t, "job-00", fake.Calls()[0].JobID)
}

func TestDispatcher_LoweredLimitDrainsBeforeDispatching(t *testing.T) {
	t.Parallel()

	host := newQueueHost(10, 5)
	gate := agent.NewGate(10)
	fake := agent.NewFake(gate.Then(agent.Succeed(nil)))

	d := dispatcher.New(host, fake, fastConfig(), infralogger.NewNop(), nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool { return fake.InFlight() == 5 }, time.Second, time.Millisecond)
	host.setConcurrency(2)
	d.Wake()

	gate.Release(3)
	require.Eventually(t, func() bool {
		_, completed, _, _ := host.snapshot()
		return completed == 3
	}, time.Second, time.Millisecond)

	require.Never(t, func() bool {
		claims, _, _, _ := host.snapshot()
		return claims > 5
	}, 100*time.Millisecond, 5*time.Millisecond)

	gate.Release(1)
	require.Eventually(t, func() bool {
		claims, _, running, _ := host.snapshot()
		return claims == 6 && running == 2
	}, time.Second, time.Millisecond)
}

func TestDispatcher_StopKeepsInFlightCalls(t *testing.T) {
	t.Parallel()

	host := newQueueHost(4, 2)
	gate := agent.NewGate(4)
	fake := agent.NewFake(gate.Then(agent.Succeed(nil)))

	d := dispatcher.New(host, fake, fastConfig(), infralogger.NewNop(), nil)
	d.Start(context.Background())

	require.Eventually(t, func() bool { return fake.InFlight() == 2 }, time.Second, time.Millisecond)
	d.Stop()
	<-d.Done()

	gate.Release(2)
	d.Wait()

	claims, completed, running, _ := host.snapshot()
	assert.Equal(t, 2, claims)
	assert.Equal(t, 2, completed)
	assert.Zero(t, running)
}

func TestDispatcher_CancelledContextCancelsCalls(t *testing.T) {
	t.Parallel()

	host := newQueueHost(2, 2)
	fake := agent.NewFake(agent.NewGate(1).Then(agent.Succeed(nil)))

	ctx, cancel := context.WithCancel(context.Background())
	d := dispatcher.New(host, fake, fastConfig(), infralogger.NewNop(), nil)
	d.Start(ctx)

	require.Eventually(t, func() bool { return fake.InFlight() == 2 }, time.Second, time.Millisecond)
	cancel()
	d.Wait()

	_, completed, running, _ := host.snapshot()
	assert.Equal(t, 2, completed)
	assert.Zero(t, running)
}

func TestDispatcher_BackpressureReleasesThenSucceeds(t *testing.T) {
	t.Parallel()

	host := newQueueHost(1, 1)
	var mu sync.Mutex
	attempts := 0
	fake := agent.NewFake(func(ctx context.Context, req agent.Request, p agent.ProgressFunc) (*agent.Result, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n <= 2 {
			return nil, fmt.Errorf("%w: 503", agent.ErrUnavailable)
		}
		return agent.Succeed(nil)(ctx, req, p)
	})

	d := dispatcher.New(host, fake, fastConfig(), infralogger.NewNop(), nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool {
		_, completed, _, _ := host.snapshot()
		return completed == 1
	}, time.Second, time.Millisecond)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, 2, host.released)
	assert.Empty(t, host.exhausted)
}

func TestDispatcher_BackpressureCapFailsJob(t *testing.T) {
	t.Parallel()

	host := newQueueHost(1, 1)
	fake := agent.NewFake(func(context.Context, agent.Request, agent.ProgressFunc) (*agent.Result, error) {
		return nil, agent.ErrUnavailable
	})

	d := dispatcher.New(host, fake, fastConfig(), infralogger.NewNop(), nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)

	require.Eventually(t, func() bool {
		host.mu.Lock()
		defer host.mu.Unlock()
		return len(host.exhausted) == 1
	}, time.Second, time.Millisecond)

	host.mu.Lock()
	defer host.mu.Unlock()
	assert.Equal(t, 2, host.released)
	assert.Len(t, fake.Calls(), 3)
}
