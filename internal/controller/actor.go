package controller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/retry"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

// errNoChange aborts a transaction that turned out to have nothing to write.
var errNoChange = errors.New("no change")

// actor serializes everything that happens to one execution. Fields below
// mailbox are owned by the run goroutine.
type actor struct {
	c      *Controller
	id     string
	goal   string
	logger infralogger.Logger

	mailbox chan func()
	pending atomic.Int64
	done    chan struct{}

	status     domain.ExecutionStatus
	dispatcher *dispatcher.Dispatcher
	generation uint64
	runCtx     context.Context
	runCancel  context.CancelFunc
	inflight   int
	closing    bool
}

func newActor(c *Controller, id string, status domain.ExecutionStatus, goal string) *actor {
	return &actor{
		c:       c,
		id:      id,
		goal:    goal,
		logger:  c.logger.With(infralogger.String("execution_id", id)),
		mailbox: make(chan func(), c.cfg.MailboxSize),
		done:    make(chan struct{}),
		status:  status,
	}
}

func (a *actor) run() {
	defer a.c.wg.Done()
	defer close(a.done)

	for {
		select {
		case <-a.c.ctx.Done():
			a.halt()
			return
		case msg := <-a.mailbox:
			a.pending.Add(-1)
			msg()
			if a.idle() && a.c.retire(a) {
				a.logger.Debug("Execution actor retired")
				return
			}
		}
	}
}

func (a *actor) idle() bool {
	return a.status.IsTerminal() && a.inflight == 0 && a.dispatcher == nil
}

// post enqueues msg. It blocks while the mailbox is full.
func (a *actor) post(msg func()) error {
	a.c.mu.Lock()
	if a.c.actors[a.id] != a {
		a.c.mu.Unlock()
		return errActorGone
	}
	a.pending.Add(1)
	a.c.mu.Unlock()

	select {
	case a.mailbox <- msg:
		return nil
	case <-a.done:
		return ErrShuttingDown
	}
}

// spawn starts a dispatcher unless one is already pulling.
func (a *actor) spawn() {
	if a.dispatcher != nil || a.closing {
		return
	}
	if a.runCancel == nil {
		a.runCtx, a.runCancel = context.WithCancel(a.c.ctx)
	}

	a.generation++
	h := &host{a: a, generation: a.generation}
	d := dispatcher.New(h, a.c.client, a.c.cfg.Dispatch,
		a.logger.With(infralogger.Component("dispatcher")), a.c.metrics)
	d.Start(a.runCtx)
	a.dispatcher = d
}

// pauseDispatch stops pulling new jobs. In-flight calls keep running.
func (a *actor) pauseDispatch() {
	if a.dispatcher == nil {
		return
	}
	a.dispatcher.Stop()
	a.dispatcher = nil
	a.generation++
}

// halt stops pulling and cancels in-flight calls.
func (a *actor) halt() {
	a.pauseDispatch()
	if a.runCancel != nil {
		a.runCancel()
		a.runCtx, a.runCancel = nil, nil
	}
}

func (a *actor) wake() {
	if a.dispatcher != nil {
		a.dispatcher.Wake()
	}
}

func (a *actor) startCall() {
	a.inflight++
	a.c.calls.Add(1)
}

func (a *actor) finishCall() {
	a.inflight--
	a.c.calls.Done()
}

type jobOutcome struct {
	status domain.JobStatus
	reason string
}

type transition struct {
	from, to domain.ExecutionStatus
}

// change is one transaction against an execution. exec is written back
// with a version check when fn returns nil.
type change struct {
	gateway.Tx
	exec *domain.Execution
	now  time.Time

	events      []infraevents.Event
	transitions []transition
	outcomes    []jobOutcome
}

func (ch *change) transition(to domain.ExecutionStatus) error {
	from := ch.exec.Status
	if err := ch.exec.Transition(to, ch.now); err != nil {
		return err
	}
	ch.transitions = append(ch.transitions, transition{from: from, to: to})
	return nil
}

func (ch *change) emit(eventType infraevents.EventType, payload any) {
	ch.events = append(ch.events, infraevents.New(eventType, ch.exec.ID, payload))
}

func (ch *change) emitJob(job *domain.Job) {
	ch.events = append(ch.events, infraevents.ForJob(infraevents.JobStatus, ch.exec.ID, job.ID,
		infraevents.JobStatusPayload{
			Status: string(job.Status),
			Result: string(job.Result),
			Error:  job.ErrorMessage,
		}))
}

func (ch *change) outcome(status domain.JobStatus, reason string) {
	ch.outcomes = append(ch.outcomes, jobOutcome{status: status, reason: reason})
}

// settle completes a running execution once nothing is queued or in flight.
func (ch *change) settle() error {
	if ch.exec.Status != domain.ExecutionRunning || !ch.exec.Settled() {
		return nil
	}
	if err := ch.transition(domain.ExecutionCompleted); err != nil {
		return err
	}
	ch.emit(infraevents.ExecutionCompleted, nil)
	return nil
}

func retryablePersistence(err error) bool {
	return errors.Is(err, gateway.ErrVersionConflict) || domain.IsPersistence(err)
}

// persist runs fn in a transaction over the freshly read execution,
// retrying version conflicts and storage failures. It returns nil, nil when
// fn reported errNoChange. Events are published only after commit.
func (a *actor) persist(op string, fn func(ctx context.Context, ch *change) error) (*change, error) {
	ctx := a.c.ctx
	cfg := retry.Config{
		MaxAttempts:  a.c.cfg.PersistAttempts,
		InitialDelay: a.c.cfg.PersistBackoff,
		MaxDelay:     a.c.cfg.PersistMaxDelay,
		Multiplier:   2,
		IsRetryable:  retryablePersistence,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			a.c.metrics.PersistenceRetry(op)
			a.logger.Warn("Retrying execution update",
				infralogger.String("operation", op),
				infralogger.Int("attempt", attempt),
				infralogger.Duration("delay", delay),
				infralogger.Error(err))
		},
	}

	var committed *change
	err := retry.Retry(ctx, cfg, func() error {
		return a.c.gw.InTx(ctx, func(tx gateway.Tx) error {
			exec, err := tx.GetExecution(ctx, a.id)
			if err != nil {
				return err
			}
			ch := &change{Tx: tx, exec: exec, now: a.c.now()}
			if err = fn(ctx, ch); err != nil {
				return err
			}
			if err = exec.CheckCounters(); err != nil {
				return err
			}
			if err = tx.UpdateExecution(ctx, exec); err != nil {
				return err
			}
			committed = ch
			return nil
		})
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	if err != nil {
		if !domain.IsConflict(err) && !domain.IsValidation(err) && !domain.IsNotFound(err) {
			a.logger.Error("Execution update failed", infralogger.String("operation", op), infralogger.Error(err))
		}
		return nil, err
	}

	a.applied(committed)
	return committed, nil
}

// applied brings the actor in line with a committed change.
func (a *actor) applied(ch *change) {
	a.status = ch.exec.Status

	for _, t := range ch.transitions {
		a.c.metrics.ExecutionTransition(string(t.from), string(t.to))
		a.logger.Info("Execution status changed",
			infralogger.String("from", string(t.from)),
			infralogger.String("to", string(t.to)),
			infralogger.Int("queued", ch.exec.QueuedJobs),
			infralogger.Int("running", ch.exec.RunningJobs),
			infralogger.Int("completed", ch.exec.CompletedJobs),
			infralogger.Int("errors", ch.exec.ErrorJobs),
		)
	}
	for _, o := range ch.outcomes {
		a.c.metrics.JobOutcome(string(o.status), o.reason)
	}

	switch {
	case a.status == domain.ExecutionRunning:
		a.spawn()
	case a.status == domain.ExecutionPaused:
		a.pauseDispatch()
	case a.status.IsTerminal():
		a.halt()
	}

	for _, e := range ch.events {
		a.c.events.Publish(a.c.ctx, e)
	}
}

// host adapts an actor to one dispatcher. Claims from a dispatcher that has
// since been replaced or stopped are refused.
type host struct {
	a          *actor
	generation uint64
}

func (h *host) ClaimNext(context.Context) (*dispatcher.Claim, error) {
	// The reply is always awaited: an abandoned claim would strand a running job.
	return call(context.Background(), h.a, func() (*dispatcher.Claim, error) {
		if h.generation != h.a.generation || h.a.closing {
			return nil, nil
		}
		return h.a.claimNext()
	})
}

func (h *host) Progress(claim *dispatcher.Claim, p agent.Progress) {
	_ = h.a.post(func() { h.a.progress(claim, p) })
}

func (h *host) Complete(claim *dispatcher.Claim, result *agent.Result, err error) {
	if postErr := h.a.post(func() { h.a.complete(claim, result, err) }); postErr != nil {
		h.a.logger.Warn("Dropped agent result", infralogger.String("job_id", claim.JobID), infralogger.Error(postErr))
	}
}

func (h *host) Release(claim *dispatcher.Claim, cause error, exhausted bool) {
	if postErr := h.a.post(func() { h.a.release(claim, cause, exhausted) }); postErr != nil {
		h.a.logger.Warn("Dropped claim release", infralogger.String("job_id", claim.JobID), infralogger.Error(postErr))
	}
}
