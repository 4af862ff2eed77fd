package controller_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/events"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

const waitFor = 3 * time.Second

type harness struct {
	c    *controller.Controller
	gw   gateway.Gateway
	fake *agent.Fake
	rec  *events.Recorder
}

type option func(*harnessConfig)

type harnessConfig struct {
	cfg     controller.Config
	bulk    controller.BulkConfig
	gw      gateway.Gateway
	metrics *metrics.Metrics
}

func withGateway(gw gateway.Gateway) option { return func(h *harnessConfig) { h.gw = gw } }

func withMetrics(m *metrics.Metrics) option { return func(h *harnessConfig) { h.metrics = m } }

func newHarness(t *testing.T, script agent.ScriptFunc, opts ...option) *harness {
	t.Helper()

	hc := &harnessConfig{
		cfg: controller.Config{
			DefaultConcurrency: 2,
			PersistBackoff:     time.Millisecond,
			Dispatch: dispatcher.Config{
				RecheckInterval: 10 * time.Millisecond,
				BackoffInitial:  2 * time.Millisecond,
				BackoffMax:      10 * time.Millisecond,
				MaxUnavailable:  3,
			},
		},
		bulk: controller.BulkConfig{StatusTransactional: true},
		gw:   gateway.NewMemory(),
	}
	for _, opt := range opts {
		opt(hc)
	}

	fake := agent.NewFake(script)
	rec := &events.Recorder{}
	c := controller.New(hc.gw, fake, rec, hc.cfg, hc.bulk, infralogger.NewNop(), hc.metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return &harness{c: c, gw: hc.gw, fake: fake, rec: rec}
}

func sites(n int) []domain.Site {
	out := make([]domain.Site, 0, n)
	for i := range n {
		out = append(out, domain.Site{
			Name: fmt.Sprintf("site-%02d", i),
			URL:  fmt.Sprintf("https://site-%02d.example.com", i),
		})
	}
	return out
}

func (h *harness) batch(t *testing.T, s []domain.Site) *controller.BatchReport {
	t.Helper()
	report, err := h.c.CreateBatch(context.Background(), "batch", "find the price", s)
	require.NoError(t, err)
	return report
}

func (h *harness) start(t *testing.T, jobs, concurrency int) (*domain.Execution, *controller.BatchReport) {
	t.Helper()
	report := h.batch(t, sites(jobs))
	exec, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{Concurrency: concurrency})
	require.NoError(t, err)
	return exec, report
}

func (h *harness) exec(t *testing.T, id string) *domain.Execution {
	t.Helper()
	exec, err := h.gw.GetExecution(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, exec.CheckCounters())
	return exec
}

func (h *harness) waitStatus(t *testing.T, id string, status domain.ExecutionStatus) *domain.Execution {
	t.Helper()
	require.Eventually(t, func() bool { return h.exec(t, id).Status == status }, waitFor, 2*time.Millisecond)
	return h.exec(t, id)
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.gw.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) sessions(t *testing.T, jobID string) []*domain.Session {
	t.Helper()
	sessions, err := h.c.JobSessions(context.Background(), jobID)
	require.NoError(t, err)
	return sessions
}

func assertSessionNumbers(t *testing.T, sessions []*domain.Session) {
	t.Helper()
	for i, s := range sessions {
		assert.Equal(t, i+1, s.SessionNumber)
	}
}

func TestStartExecution_RunsToCompletion(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(map[string]any{"price": "10"}))
	exec, report := h.start(t, 5, 2)
	assert.Equal(t, domain.ExecutionRunning, exec.Status)
	assert.Equal(t, 5, exec.TotalJobs)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 5, final.CompletedJobs)
	assert.Equal(t, 5, final.PassedJobs)
	assert.Zero(t, final.RunningJobs)
	assert.NotNil(t, final.CompletedAt)

	for _, job := range report.Jobs {
		got := h.job(t, job.ID)
		assert.Equal(t, domain.JobCompleted, got.Status)
		assert.Equal(t, domain.ResultPass, got.Result)
		sessions := h.sessions(t, job.ID)
		require.Len(t, sessions, 1)
		assert.Equal(t, domain.SessionCompleted, sessions[0].Status)
		assert.Equal(t, "10", sessions[0].ExtractedData["price"])
		assert.NotEmpty(t, sessions[0].RunID)
	}

	assert.Len(t, h.rec.OfType(infraevents.ExecutionStarted), 1)
	require.Eventually(t, func() bool { return len(h.rec.OfType(infraevents.ExecutionCompleted)) == 1 }, waitFor, time.Millisecond)
	assert.NotEmpty(t, h.rec.OfType(infraevents.JobProgress))

	calls := h.fake.Calls()
	require.Len(t, calls, 5)
	assert.Equal(t, "https://site-00.example.com", calls[0].SiteURL)
	assert.Equal(t, "find the price", calls[0].Goal)
}

func TestConcurrencyNeverExceeded(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(10)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, _ := h.start(t, 10, 3)

	require.Eventually(t, func() bool { return h.fake.InFlight() == 3 }, waitFor, time.Millisecond)
	for range 10 {
		assert.LessOrEqual(t, h.exec(t, exec.ID).RunningJobs, 3)
		gate.Release(1)
		time.Sleep(3 * time.Millisecond)
	}

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 10, final.CompletedJobs)
	assert.LessOrEqual(t, h.fake.MaxInFlight(), 3)
}

func TestSetConcurrency_LoweredLimitDrainsFirst(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(10)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, _ := h.start(t, 10, 5)

	require.Eventually(t, func() bool { return h.fake.InFlight() == 5 }, waitFor, time.Millisecond)

	updated, err := h.c.SetConcurrency(context.Background(), exec.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Concurrency)

	gate.Release(3)
	require.Eventually(t, func() bool { return h.exec(t, exec.ID).CompletedJobs == 3 }, waitFor, time.Millisecond)
	require.Never(t, func() bool { return len(h.fake.Calls()) > 5 }, 100*time.Millisecond, 5*time.Millisecond)

	gate.Release(1)
	require.Eventually(t, func() bool { return len(h.fake.Calls()) == 6 }, waitFor, time.Millisecond)
	assert.Equal(t, 2, h.exec(t, exec.ID).RunningJobs)

	changed := h.rec.OfType(infraevents.ConcurrencyChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, infraevents.ConcurrencyChangedPayload{Old: 5, New: 2}, changed[0].Payload)

	gate.Release(10)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
}

func TestSetConcurrency_Validation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(nil))
	exec, _ := h.start(t, 1, 1)

	_, err := h.c.SetConcurrency(context.Background(), exec.ID, 0)
	assert.True(t, domain.IsValidation(err))

	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	_, err = h.c.SetConcurrency(context.Background(), exec.ID, 3)
	assert.True(t, domain.IsConflict(err))
}

func TestPauseResume_PreservesTotalsWithoutDuplicates(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(10)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, report := h.start(t, 6, 2)

	require.Eventually(t, func() bool { return h.fake.InFlight() == 2 }, waitFor, time.Millisecond)

	paused, err := h.c.Pause(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)

	// In-flight calls finish and are recorded while paused.
	gate.Release(2)
	require.Eventually(t, func() bool { return h.exec(t, exec.ID).CompletedJobs == 2 }, waitFor, time.Millisecond)
	require.Never(t, func() bool { return len(h.fake.Calls()) > 2 }, 80*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, domain.ExecutionPaused, h.exec(t, exec.ID).Status)

	_, err = h.c.Pause(context.Background(), exec.ID)
	assert.True(t, domain.IsConflict(err))

	queued, err := h.c.Resume(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, queued)

	gate.Release(10)
	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 6, final.TotalJobs)
	assert.Equal(t, 6, final.CompletedJobs)
	assert.Len(t, h.fake.Calls(), 6)
	for _, job := range report.Jobs {
		assert.Len(t, h.sessions(t, job.ID), 1)
	}

	assert.Len(t, h.rec.OfType(infraevents.ExecutionPaused), 1)
	assert.Len(t, h.rec.OfType(infraevents.ExecutionResumed), 1)
}

func TestStop_OnTerminalExecutionConflicts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(nil))
	exec, _ := h.start(t, 2, 2)
	before := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)

	_, err := h.c.Stop(context.Background(), exec.ID, "too late")
	require.True(t, domain.IsConflict(err))

	after := h.exec(t, exec.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, domain.ExecutionCompleted, after.Status)
	assert.Empty(t, after.StopReason)
}

func TestStop_CancelsInFlightCalls(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(10)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, _ := h.start(t, 5, 2)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 2 }, waitFor, time.Millisecond)

	stopped, err := h.c.Stop(context.Background(), exec.ID, "operator request")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionStopped, stopped.Status)
	assert.Equal(t, "operator request", stopped.StopReason)
	assert.NotNil(t, stopped.StoppedAt)
	assert.NotNil(t, stopped.CompletedAt)

	require.Eventually(t, func() bool { return h.exec(t, exec.ID).ErrorJobs == 2 }, waitFor, time.Millisecond)
	final := h.exec(t, exec.ID)
	assert.Equal(t, domain.ExecutionStopped, final.Status)
	assert.Equal(t, 3, final.QueuedJobs)
	assert.Zero(t, final.RunningJobs)
	assert.Len(t, h.fake.Calls(), 2)

	_, err = h.c.Stop(context.Background(), exec.ID, "again")
	assert.True(t, domain.IsConflict(err))
}

func TestStop_LateResultDoesNotReopen(t *testing.T) {
	t.Parallel()

	// The call ignores cancellation, like an agent that cannot be interrupted.
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, _ agent.Request, _ agent.ProgressFunc) (*agent.Result, error) {
		<-release
		return &agent.Result{ExtractedData: map[string]any{"a": 1}}, nil
	})
	exec, _ := h.start(t, 1, 1)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 1 }, waitFor, time.Millisecond)

	_, err := h.c.Stop(context.Background(), exec.ID, "")
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return h.exec(t, exec.ID).CompletedJobs == 1 }, waitFor, time.Millisecond)
	final := h.exec(t, exec.ID)
	assert.Equal(t, domain.ExecutionStopped, final.Status)
	assert.Equal(t, "stopped by user", final.StopReason)
}

func TestRestart_ReleasesJobsOfStoppedExecution(t *testing.T) {
	t.Parallel()

	// The first call ignores cancellation; later calls succeed.
	var calls atomic.Int32
	release := make(chan struct{})
	h := newHarness(t, func(_ context.Context, _ agent.Request, _ agent.ProgressFunc) (*agent.Result, error) {
		if calls.Add(1) == 1 {
			<-release
		}
		return &agent.Result{ExtractedData: map[string]any{"a": 1}}, nil
	})
	first, report := h.start(t, 1, 1)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 1 }, waitFor, time.Millisecond)

	_, err := h.c.Stop(context.Background(), first.ID, "")
	require.NoError(t, err)

	second, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, second.ID, domain.ExecutionCompleted)

	close(release)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 0 }, waitFor, time.Millisecond)

	stopped := h.exec(t, first.ID)
	assert.Equal(t, domain.ExecutionStopped, stopped.Status)
	assert.Zero(t, stopped.RunningJobs)
	assert.Zero(t, stopped.QueuedJobs)
	assert.Equal(t, 1, stopped.ErrorJobs)

	completed := h.exec(t, second.ID)
	assert.Equal(t, 1, completed.CompletedJobs)
	assert.True(t, h.job(t, report.Jobs[0].ID).BelongsTo(second.ID))
}

func TestRetryJob_OpensNextSession(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	gate := agent.NewGate(1)
	h := newHarness(t, func(ctx context.Context, req agent.Request, onProgress agent.ProgressFunc) (*agent.Result, error) {
		if calls.Add(1) <= 2 {
			return nil, domain.NewAgentError(domain.AgentSelector, "price not found", nil)
		}
		return gate.Then(agent.Succeed(nil))(ctx, req, onProgress)
	})
	exec, report := h.start(t, 1, 1)
	jobID := report.Jobs[0].ID

	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	job, err := h.c.RetryJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	require.Eventually(t, func() bool { return h.job(t, jobID).Status == domain.JobFailed && calls.Load() == 2 }, waitFor, time.Millisecond)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)

	failed := h.job(t, jobID)
	require.Len(t, h.sessions(t, jobID), 2)

	job, err = h.c.RetryJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, failed.RetryCount+1, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)

	sessions := h.sessions(t, jobID)
	require.Len(t, sessions, 3)
	assertSessionNumbers(t, sessions)
	assert.Equal(t, domain.SessionFailed, sessions[0].Status)
	assert.Equal(t, domain.AgentSelector, sessions[0].FailureReason)
	assert.Equal(t, domain.SessionFailed, sessions[1].Status)

	gate.Release(1)
	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 1, final.CompletedJobs)
	assert.Zero(t, final.ErrorJobs)
	assert.Len(t, h.sessions(t, jobID), 3)
	assert.Equal(t, domain.SessionCompleted, h.sessions(t, jobID)[2].Status)
}

func TestRetryJob_Conflicts(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(5)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, _ := h.start(t, 2, 1)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 1 }, waitFor, time.Millisecond)

	running := h.fake.Calls()[0].JobID
	_, err := h.c.RetryJob(context.Background(), running)
	assert.True(t, domain.IsConflict(err), "running job with a live session")

	_, err = h.c.RetryJob(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))

	gate.Release(5)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
}

func TestRetryJob_StoppedExecutionStaysStopped(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(5)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, report := h.start(t, 2, 1)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 1 }, waitFor, time.Millisecond)

	_, err := h.c.Stop(context.Background(), exec.ID, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.exec(t, exec.ID).ErrorJobs == 1 }, waitFor, time.Millisecond)

	cancelled := h.fake.Calls()[0].JobID
	job, err := h.c.RetryJob(context.Background(), cancelled)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)

	stopped := h.exec(t, exec.ID)
	assert.Equal(t, domain.ExecutionStopped, stopped.Status)
	assert.Equal(t, 2, stopped.QueuedJobs)
	assert.Zero(t, stopped.ErrorJobs)

	sessions := h.sessions(t, cancelled)
	require.Len(t, sessions, 2)
	assert.Equal(t, domain.SessionPending, sessions[1].Status)

	next, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{})
	require.NoError(t, err)
	gate.Release(5)
	final := h.waitStatus(t, next.ID, domain.ExecutionCompleted)
	assert.Equal(t, 2, final.CompletedJobs)

	sessions = h.sessions(t, cancelled)
	require.Len(t, sessions, 2, "the pending retry session is reused")
	assert.Equal(t, domain.SessionCompleted, sessions[1].Status)
}

func TestRetryJob_UnstartedBatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(nil))
	report := h.batch(t, sites(1))
	jobID := report.Jobs[0].ID

	job, err := h.c.RetryJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Nil(t, job.ExecutionID)

	_, err = h.c.RetryJob(context.Background(), jobID)
	assert.True(t, domain.IsConflict(err), "pending session still open")

	exec, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)

	sessions := h.sessions(t, jobID)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionCompleted, sessions[0].Status)
}

func TestBackpressure_ReusesPendingSession(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	h := newHarness(t, func(ctx context.Context, req agent.Request, onProgress agent.ProgressFunc) (*agent.Result, error) {
		if calls.Add(1) <= 2 {
			return nil, agent.ErrUnavailable
		}
		return agent.Succeed(nil)(ctx, req, onProgress)
	})
	exec, report := h.start(t, 1, 1)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 1, final.CompletedJobs)
	assert.EqualValues(t, 3, calls.Load())

	sessions := h.sessions(t, report.Jobs[0].ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionCompleted, sessions[0].Status)
}

func TestBackpressure_ExhaustedJobFailsWithNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, agent.Request, agent.ProgressFunc) (*agent.Result, error) {
		return nil, agent.ErrUnavailable
	})
	exec, report := h.start(t, 1, 1)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 1, final.ErrorJobs)
	assert.Len(t, h.fake.Calls(), 3)

	sessions := h.sessions(t, report.Jobs[0].ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.SessionFailed, sessions[0].Status)
	assert.Equal(t, domain.AgentNetwork, sessions[0].FailureReason)
	assert.Equal(t, domain.JobFailed, h.job(t, report.Jobs[0].ID).Status)
}

func TestFailures_RecoverableBlocksJob(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, agent.Request, agent.ProgressFunc) (*agent.Result, error) {
		return nil, &domain.AgentError{Category: domain.AgentAuth, Message: "login required", Recoverable: true}
	})
	exec, report := h.start(t, 2, 2)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 2, final.ErrorJobs)
	job := h.job(t, report.Jobs[0].ID)
	assert.Equal(t, domain.JobBlocked, job.Status)
	assert.Equal(t, "login required", job.ErrorMessage)
}

func TestFailures_TimeoutCategory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Simulate(time.Second))
	report := h.batch(t, sites(1))
	exec, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{
		Concurrency:  1,
		AgentTimeout: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 20, exec.AgentTimeoutMs)

	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	sessions := h.sessions(t, report.Jobs[0].ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, domain.AgentTimeout, sessions[0].FailureReason)
}

func TestGroundTruth_PassAndFail(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(map[string]any{"price": " 10 ", "name": "Widget"}))
	report := h.batch(t, []domain.Site{
		{URL: "https://a.example.com", GroundTruth: domain.JSONBMap{"price": "10", "name": "widget"}},
		{URL: "https://b.example.com", GroundTruth: domain.JSONBMap{"price": "12"}},
		{URL: "https://c.example.com"},
	})
	exec, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, exec.Concurrency)

	final := h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
	assert.Equal(t, 3, final.CompletedJobs)
	assert.Equal(t, 2, final.PassedJobs)
	assert.Equal(t, 1, final.FailedJobs)
	assert.Equal(t, domain.ResultFail, h.job(t, report.Jobs[1].ID).Result)

	var fields []string
	for _, call := range h.fake.Calls() {
		if call.SiteURL == "https://a.example.com" {
			fields = call.Fields
		}
	}
	assert.Equal(t, []string{"name", "price"}, fields)
}

func TestStartExecution_Errors(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(1)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	ctx := context.Background()

	_, err := h.c.StartExecution(ctx, "missing", controller.StartOptions{})
	assert.True(t, domain.IsNotFound(err))

	report := h.batch(t, sites(2))
	_, err = h.c.StartExecution(ctx, report.Batch.ID, controller.StartOptions{Concurrency: 1000})
	assert.True(t, domain.IsValidation(err))

	_, err = h.c.StartExecution(ctx, report.Batch.ID, controller.StartOptions{Concurrency: 1})
	require.NoError(t, err)
	_, err = h.c.StartExecution(ctx, report.Batch.ID, controller.StartOptions{Concurrency: 1})
	assert.True(t, domain.IsConflict(err))

	err = h.gw.InTx(ctx, func(tx gateway.Tx) error {
		return tx.InsertBatch(ctx, &domain.Batch{ID: "empty", Name: "empty", CreatedAt: time.Now()})
	})
	require.NoError(t, err)
	_, err = h.c.StartExecution(ctx, "empty", controller.StartOptions{})
	assert.True(t, domain.IsValidation(err))

	_, err = h.c.Pause(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestRestart_AttachesJobsToNewExecution(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Succeed(nil))
	first, report := h.start(t, 3, 3)
	h.waitStatus(t, first.ID, domain.ExecutionCompleted)

	second, err := h.c.StartExecution(context.Background(), report.Batch.ID, controller.StartOptions{})
	require.NoError(t, err)
	h.waitStatus(t, second.ID, domain.ExecutionCompleted)

	for _, job := range report.Jobs {
		got := h.job(t, job.ID)
		assert.True(t, got.BelongsTo(second.ID))
		sessions := h.sessions(t, job.ID)
		require.Len(t, sessions, 2)
		assertSessionNumbers(t, sessions)
	}

	batch, err := h.c.GetBatch(context.Background(), report.Batch.ID)
	require.NoError(t, err)
	assert.Len(t, batch.Executions, 2)
	assert.Len(t, batch.Jobs, 3)
}

func TestQueries(t *testing.T) {
	t.Parallel()

	gate := agent.NewGate(5)
	h := newHarness(t, gate.Then(agent.Succeed(nil)))
	exec, _ := h.start(t, 4, 2)
	require.Eventually(t, func() bool { return h.fake.InFlight() == 2 }, waitFor, time.Millisecond)

	report, err := h.c.ExecutionStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Execution.RunningJobs)
	assert.Len(t, report.Running, 2)

	queued, err := h.c.ExecutionJobs(context.Background(), exec.ID, domain.JobQueued)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	_, err = h.c.ExecutionJobs(context.Background(), exec.ID, "bogus")
	assert.True(t, domain.IsValidation(err))
	_, err = h.c.ExecutionStatus(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))
	_, err = h.c.JobSessions(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))

	gate.Release(5)
	h.waitStatus(t, exec.ID, domain.ExecutionCompleted)
}

func TestExecutionStatus_RunningListMatchesCounters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, agent.Simulate(time.Millisecond))
	exec, _ := h.start(t, 30, 4)

	for {
		report, err := h.c.ExecutionStatus(context.Background(), exec.ID)
		require.NoError(t, err)
		require.Len(t, report.Running, report.Execution.RunningJobs)
		if report.Execution.Status == domain.ExecutionCompleted {
			break
		}
	}
}

func TestCountersBalanceUnderMixedOutcomes(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]int{}
	h := newHarness(t, func(ctx context.Context, req agent.Request, onProgress agent.ProgressFunc) (*agent.Result, error) {
		mu.Lock()
		seen[req.JobID]++
		n := len(seen)
		mu.Unlock()
		switch n % 3 {
		case 0:
			return nil, domain.NewAgentError(domain.AgentNetwork, "reset", nil)
		case 1:
			return agent.Succeed(nil)(ctx, req, onProgress)
		default:
			return nil, &domain.AgentError{Category: domain.AgentValidation, Message: "captcha", Recoverable: true}
		}
	})
	exec, _ := h.start(t, 12, 4)

	require.Eventually(t, func() bool {
		e := h.exec(t, exec.ID)
		return e.Status == domain.ExecutionCompleted
	}, waitFor, time.Millisecond)

	final := h.exec(t, exec.ID)
	assert.Equal(t, 12, final.CompletedJobs+final.ErrorJobs)
	assert.Equal(t, 4, final.CompletedJobs)
}
