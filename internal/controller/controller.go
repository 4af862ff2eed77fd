// Package controller owns the state of every execution.
//
// Each execution has one actor: a goroutine with a mailbox that applies
// commands, claims and agent outcomes one at a time, each inside a single
// storage transaction. Different executions proceed in parallel. The
// dispatcher the actor spawns only decides when to ask for more work.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/dispatcher"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/events"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

const (
	tracerName = "github.com/jonesrussell/north-cloud/batch-runner/internal/controller"

	defaultConcurrency     = 5
	defaultMaxConcurrency  = 50
	defaultAgentTimeout    = 5 * time.Minute
	defaultMailboxSize     = 256
	defaultPersistAttempts = 5
	defaultPersistBackoff  = 20 * time.Millisecond
	defaultPersistMaxDelay = time.Second
)

// ErrShuttingDown is returned for commands issued after Shutdown.
var ErrShuttingDown = errors.New("controller is shutting down")

// errActorGone means the actor retired between lookup and send.
var errActorGone = errors.New("execution actor retired")

// BulkConfig selects the default mode of bulk operations.
type BulkConfig struct {
	RetryTransactional  bool `env:"BULK_RETRY_TRANSACTIONAL"  yaml:"retry_transactional"`
	StatusTransactional bool `env:"BULK_STATUS_TRANSACTIONAL" yaml:"status_transactional"`
}

// Config tunes the controller.
type Config struct {
	DefaultConcurrency  int           `env:"ORCHESTRATOR_DEFAULT_CONCURRENCY"   yaml:"default_concurrency"`
	MaxConcurrency      int           `env:"ORCHESTRATOR_MAX_CONCURRENCY"       yaml:"max_concurrency"`
	DefaultAgentTimeout time.Duration `env:"ORCHESTRATOR_DEFAULT_AGENT_TIMEOUT" yaml:"default_agent_timeout"`
	MailboxSize         int           `yaml:"mailbox_size"`

	// Persistence retries apply to version conflicts and storage failures.
	PersistAttempts int           `yaml:"persist_attempts"`
	PersistBackoff  time.Duration `yaml:"persist_backoff"`
	PersistMaxDelay time.Duration `yaml:"persist_max_delay"`

	Dispatch dispatcher.Config `yaml:"dispatch"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = defaultConcurrency
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.DefaultAgentTimeout <= 0 {
		c.DefaultAgentTimeout = defaultAgentTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = defaultMailboxSize
	}
	if c.PersistAttempts <= 0 {
		c.PersistAttempts = defaultPersistAttempts
	}
	if c.PersistBackoff <= 0 {
		c.PersistBackoff = defaultPersistBackoff
	}
	if c.PersistMaxDelay <= 0 {
		c.PersistMaxDelay = defaultPersistMaxDelay
	}
	c.Dispatch.SetDefaults()
}

// Controller routes commands to execution actors.
type Controller struct {
	gw      gateway.Gateway
	client  agent.Client
	events  events.Publisher
	cfg     Config
	bulk    BulkConfig
	logger  infralogger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	actors  map[string]*actor
	closing bool
	wg      sync.WaitGroup
	calls   sync.WaitGroup
}

// New creates a controller. Call Recover once storage is reachable to pick
// up executions a previous process left running.
func New(
	gw gateway.Gateway,
	client agent.Client,
	pub events.Publisher,
	cfg Config,
	bulk BulkConfig,
	log infralogger.Logger,
	m *metrics.Metrics,
) *Controller {
	cfg.SetDefaults()
	if pub == nil {
		pub = events.Nop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		gw:      gw,
		client:  client,
		events:  pub,
		cfg:     cfg,
		bulk:    bulk,
		logger:  log.With(infralogger.Component("controller")),
		metrics: m,
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		actors:  make(map[string]*actor),
	}
}

// Shutdown stops dispatching, cancels in-flight agent calls and waits for
// them to report back. Jobs whose calls were cancelled stay running in
// storage and are requeued by Recover on the next boot.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	actors := make([]*actor, 0, len(c.actors))
	for _, a := range c.actors {
		actors = append(actors, a)
	}
	c.mu.Unlock()

	var err error
	for _, a := range actors {
		_, callErr := call(ctx, a, func() (struct{}, error) {
			a.closing = true
			a.halt()
			return struct{}{}, nil
		})
		if callErr != nil && !errors.Is(callErr, errActorGone) && !errors.Is(callErr, ErrShuttingDown) {
			err = fmt.Errorf("halt execution %s: %w", a.id, callErr)
		}
	}

	if waitErr := waitFor(ctx, c.calls.Wait); waitErr != nil && err == nil {
		err = fmt.Errorf("wait for agent calls: %w", waitErr)
	}

	c.cancel()
	if waitErr := waitFor(ctx, c.wg.Wait); waitErr != nil && err == nil {
		err = fmt.Errorf("wait for actors: %w", waitErr)
	}

	c.logger.Info("Controller stopped", infralogger.Int("actors", len(actors)))
	return err
}

func (c *Controller) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func waitFor(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// actorFor returns the live actor for an execution, loading it on first use.
func (c *Controller) actorFor(ctx context.Context, id string) (*actor, error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if a, ok := c.actors[id]; ok {
		c.mu.Unlock()
		return a, nil
	}
	c.mu.Unlock()

	exec, err := c.gw.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	batch, err := c.gw.GetBatch(ctx, exec.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch of execution %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return nil, ErrShuttingDown
	}
	if a, ok := c.actors[id]; ok {
		return a, nil
	}

	a := newActor(c, exec.ID, exec.Status, batch.Goal)
	c.actors[id] = a
	c.wg.Add(1)
	go a.run()
	return a, nil
}

// retire removes an idle actor unless a message is on its way to it.
func (c *Controller) retire(a *actor) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a.pending.Load() > 0 || c.actors[a.id] != a {
		return false
	}
	delete(c.actors, a.id)
	return true
}

type reply[T any] struct {
	value T
	err   error
}

// call runs fn on the actor and waits for its result.
func call[T any](ctx context.Context, a *actor, fn func() (T, error)) (T, error) {
	var zero T
	replies := make(chan reply[T], 1)
	err := a.post(func() {
		v, err := fn()
		replies <- reply[T]{value: v, err: err}
	})
	if err != nil {
		return zero, err
	}

	select {
	case r := <-replies:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-a.done:
		select {
		case r := <-replies:
			return r.value, r.err
		default:
			return zero, ErrShuttingDown
		}
	}
}

// command runs fn on the actor of execution id.
func command[T any](ctx context.Context, c *Controller, id string, fn func(a *actor) (T, error)) (T, error) {
	for {
		a, err := c.actorFor(ctx, id)
		if err != nil {
			var zero T
			return zero, err
		}
		v, err := call(ctx, a, func() (T, error) { return fn(a) })
		if errors.Is(err, errActorGone) {
			continue
		}
		return v, err
	}
}

func (c *Controller) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
