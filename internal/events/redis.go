package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

const (
	defaultRelayBuffer     = 256
	defaultPublishTimeout  = 2 * time.Second
	defaultReconnectDelay  = time.Second
	maxReconnectDelay      = 30 * time.Second
	reconnectBackoffFactor = 2
)

// RelayConfig configures the Redis relay and forwarder.
type RelayConfig struct {
	Channel string
	// Origin identifies this process on the channel.
	Origin         string
	BufferSize     int
	PublishTimeout time.Duration
}

func (c *RelayConfig) setDefaults() {
	if c.Channel == "" {
		c.Channel = infraevents.DefaultChannel
	}
	if c.BufferSize <= 0 {
		c.BufferSize = defaultRelayBuffer
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = defaultPublishTimeout
	}
}

// RedisRelay publishes events to a Redis Pub/Sub channel from a background
// worker. Events are dropped when the buffer is full.
type RedisRelay struct {
	client  *redis.Client
	cfg     RelayConfig
	logger  infralogger.Logger
	metrics *metrics.Metrics

	queue  chan infraevents.Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisRelay creates a relay. Call Start before publishing.
func NewRedisRelay(client *redis.Client, cfg RelayConfig, log infralogger.Logger, m *metrics.Metrics) *RedisRelay {
	cfg.setDefaults()
	return &RedisRelay{
		client:  client,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		queue:   make(chan infraevents.Event, cfg.BufferSize),
	}
}

// Publish enqueues event for the worker.
func (r *RedisRelay) Publish(_ context.Context, event infraevents.Event) {
	event.Origin = r.cfg.Origin
	select {
	case r.queue <- event:
	default:
		r.metrics.EventDropped(sinkRedis, string(event.Type))
		r.logger.Debug("Redis relay buffer full, dropping event",
			infralogger.String("event_type", string(event.Type)),
			infralogger.String("execution_id", event.ExecutionID),
		)
	}
}

// Start launches the publishing worker.
func (r *RedisRelay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop halts the worker. Queued events are discarded.
func (r *RedisRelay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *RedisRelay) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.queue:
			r.send(ctx, event)
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, event infraevents.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.metrics.EventDropped(sinkRedis, string(event.Type))
		r.logger.Warn("Failed to encode event", infralogger.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	if err = r.client.Publish(pubCtx, r.cfg.Channel, payload).Err(); err != nil {
		r.metrics.EventDropped(sinkRedis, string(event.Type))
		r.logger.Warn("Failed to publish event to Redis",
			infralogger.Error(err),
			infralogger.String("channel", r.cfg.Channel),
			infralogger.String("event_type", string(event.Type)),
		)
		return
	}
	r.metrics.EventPublished(sinkRedis, string(event.Type))
}

// Forwarder subscribes to the Redis channel and republishes events that
// other instances emitted into a local publisher.
type Forwarder struct {
	client *redis.Client
	cfg    RelayConfig
	local  Publisher
	logger infralogger.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewForwarder creates a forwarder delivering into local.
func NewForwarder(client *redis.Client, cfg RelayConfig, local Publisher, log infralogger.Logger) *Forwarder {
	cfg.setDefaults()
	return &Forwarder{client: client, cfg: cfg, local: local, logger: log}
}

// Start subscribes and waits for the subscription to be confirmed.
func (f *Forwarder) Start(ctx context.Context) error {
	ctx, f.cancel = context.WithCancel(ctx)

	f.pubsub = f.client.Subscribe(ctx, f.cfg.Channel)
	if _, err := f.pubsub.Receive(ctx); err != nil {
		f.cancel()
		_ = f.pubsub.Close()
		return err
	}

	f.wg.Add(1)
	go f.run(ctx)

	f.logger.Info("Redis event forwarder started", infralogger.String("channel", f.cfg.Channel))
	return nil
}

// Stop closes the subscription.
func (f *Forwarder) Stop() error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	err := f.pubsub.Close()
	f.wg.Wait()
	return err
}

func (f *Forwarder) run(ctx context.Context) {
	defer f.wg.Done()

	delay := defaultReconnectDelay
	for {
		msg, err := f.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			f.logger.Warn("Redis subscription error", infralogger.Error(err), infralogger.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*reconnectBackoffFactor, maxReconnectDelay)
			continue
		}
		delay = defaultReconnectDelay
		f.handle(ctx, msg)
	}
}

func (f *Forwarder) handle(ctx context.Context, msg *redis.Message) {
	var event infraevents.Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		f.logger.Debug("Ignoring malformed event", infralogger.Error(err))
		return
	}
	if event.Origin == f.cfg.Origin {
		return
	}
	f.local.Publish(ctx, event)
}
