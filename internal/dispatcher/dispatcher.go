// Package dispatcher pulls queued jobs of one execution and hands them to the
// agent without exceeding the execution's concurrency limit.
//
// The dispatcher holds no persistent state. Every claim, completion and
// release goes through its Host, which serializes them with the execution's
// other state changes.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

const (
	defaultRecheckInterval = 5 * time.Second
	defaultBackoffInitial  = time.Second
	defaultBackoffMax      = time.Minute
	defaultMaxUnavailable  = 5
)

// Claim is a job reserved for one agent call.
type Claim struct {
	ExecutionID string
	JobID       string
	SessionID   string
	Request     agent.Request
}

// Host owns the execution state the dispatcher acts on.
type Host interface {
	// ClaimNext reserves the oldest queued job if the execution is running
	// and below its concurrency limit. It returns nil when nothing may be
	// dispatched now.
	ClaimNext(ctx context.Context) (*Claim, error)
	// Progress records an intermediate report for a claimed job.
	Progress(claim *Claim, p agent.Progress)
	// Complete records the outcome of an agent call.
	Complete(claim *Claim, result *agent.Result, err error)
	// Release reverts a claim the agent refused. When exhausted is set the
	// job has been refused too often and is failed instead.
	Release(claim *Claim, cause error, exhausted bool)
}

// Config tunes dispatching.
type Config struct {
	// RecheckInterval bounds how long the loop sleeps without a wake-up.
	RecheckInterval time.Duration `yaml:"recheck_interval"`
	// BackoffInitial and BackoffMax bound the pause after the agent refuses work.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	// MaxUnavailable is how many consecutive refusals a single job tolerates.
	MaxUnavailable int `yaml:"max_unavailable"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = defaultRecheckInterval
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.MaxUnavailable <= 0 {
		c.MaxUnavailable = defaultMaxUnavailable
	}
}

// Dispatcher drives one execution's queue.
type Dispatcher struct {
	host    Host
	client  agent.Client
	cfg     Config
	logger  infralogger.Logger
	metrics *metrics.Metrics

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	calls    sync.WaitGroup

	mu           sync.Mutex
	refusals     map[string]int
	consecutive  int
	backoffUntil time.Time
}

// New creates a dispatcher. Call Start to begin pulling.
func New(host Host, client agent.Client, cfg Config, log infralogger.Logger, m *metrics.Metrics) *Dispatcher {
	cfg.SetDefaults()
	return &Dispatcher{
		host:     host,
		client:   client,
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		refusals: make(map[string]int),
	}
}

// Start runs the dispatch loop. Agent calls derive from ctx, so cancelling it
// cancels every in-flight call.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Wake asks the loop to re-evaluate immediately.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop ends the loop. In-flight calls keep running and still report back.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Done is closed once the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the loop has exited and every call has reported back.
func (d *Dispatcher) Wait() {
	<-d.done
	d.calls.Wait()
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.cfg.RecheckInterval)
	defer ticker.Stop()

	for {
		if wait := d.backoffRemaining(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-d.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		d.fill(ctx)

		select {
		case <-d.stop:
			return
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.C:
		}
	}
}

// fill claims jobs until the host has nothing more to hand out.
func (d *Dispatcher) fill(ctx context.Context) {
	for {
		select {
		case <-d.stop:
			return
		default:
		}
		if d.backoffRemaining() > 0 {
			return
		}

		claim, err := d.host.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("Failed to claim next job", infralogger.Error(err))
			}
			return
		}
		if claim == nil {
			return
		}

		d.launch(ctx, claim)
	}
}

func (d *Dispatcher) launch(ctx context.Context, claim *Claim) {
	d.metrics.JobDispatched()
	d.calls.Add(1)

	go func() {
		defer d.calls.Done()
		defer d.Wake()

		callCtx := ctx
		if claim.Request.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, claim.Request.Timeout)
			defer cancel()
		}

		started := time.Now()
		result, err := d.client.Submit(callCtx, claim.Request, func(p agent.Progress) {
			d.host.Progress(claim, p)
		})

		if errors.Is(err, agent.ErrUnavailable) {
			d.metrics.AgentCallFinished("unavailable", time.Since(started))
			d.refused(claim, err)
			return
		}

		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = domain.NewAgentError(domain.AgentTimeout, "agent call exceeded "+claim.Request.Timeout.String(), err)
		}

		outcome := "success"
		if err != nil {
			outcome = string(domain.AgentErrorFor(err).Category)
		}
		d.metrics.AgentCallFinished(outcome, time.Since(started))

		d.accepted(claim.JobID)
		d.host.Complete(claim, result, err)
	}()
}

func (d *Dispatcher) refused(claim *Claim, cause error) {
	d.mu.Lock()
	d.refusals[claim.JobID]++
	exhausted := d.refusals[claim.JobID] >= d.cfg.MaxUnavailable
	if exhausted {
		delete(d.refusals, claim.JobID)
	}
	d.consecutive++
	delay := d.backoff(d.consecutive)
	d.backoffUntil = time.Now().Add(delay)
	d.mu.Unlock()

	d.logger.Warn("Agent unavailable, backing off",
		infralogger.String("job_id", claim.JobID),
		infralogger.Duration("delay", delay),
		infralogger.Bool("exhausted", exhausted),
		infralogger.Error(cause))
	d.metrics.ClaimReleased(exhausted)

	d.host.Release(claim, cause, exhausted)
}

func (d *Dispatcher) accepted(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.refusals, jobID)
	d.consecutive = 0
	d.backoffUntil = time.Time{}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffInitial
	for i := 1; i < attempt && delay < d.cfg.BackoffMax; i++ {
		delay *= 2
	}
	if delay > d.cfg.BackoffMax {
		delay = d.cfg.BackoffMax
	}
	return delay
}

func (d *Dispatcher) backoffRemaining() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return time.Until(d.backoffUntil)
}
