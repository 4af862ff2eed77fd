// Package events fans execution events out to live subscribers. Delivery is
// at-most-once: publishing never blocks and never fails the caller.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	infraevents "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/events"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/sse"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

const (
	sinkSSE   = "sse"
	sinkRedis = "redis"
)

// Publisher delivers an event to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, event infraevents.Event)
}

// SSEPublisher wraps an SSE broker.
type SSEPublisher struct {
	broker   sse.Broker
	logger   infralogger.Logger
	metrics  *metrics.Metrics
	disabled atomic.Bool
}

// NewSSEPublisher creates a publisher that forwards to broker.
func NewSSEPublisher(broker sse.Broker, log infralogger.Logger, m *metrics.Metrics) *SSEPublisher {
	return &SSEPublisher{broker: broker, logger: log, metrics: m}
}

// Disable turns publishing off.
func (p *SSEPublisher) Disable() { p.disabled.Store(true) }

// Enable turns publishing back on.
func (p *SSEPublisher) Enable() { p.disabled.Store(false) }

// Publish converts event to an SSE frame and hands it to the broker.
func (p *SSEPublisher) Publish(ctx context.Context, event infraevents.Event) {
	if p.disabled.Load() {
		return
	}

	err := p.broker.Publish(ctx, ToSSE(event))
	if err == nil {
		p.metrics.EventPublished(sinkSSE, string(event.Type))
		return
	}

	p.metrics.EventDropped(sinkSSE, string(event.Type))
	fields := []infralogger.Field{
		infralogger.Error(err),
		infralogger.String("event_type", string(event.Type)),
		infralogger.String("execution_id", event.ExecutionID),
	}
	// Progress events are frequent and superseded by the next one.
	if event.Type == infraevents.JobProgress {
		p.logger.Debug("Failed to publish progress event", fields...)
		return
	}
	p.logger.Warn("Failed to publish event", fields...)
}

// ToSSE wraps event in an SSE frame. The envelope becomes the data payload.
func ToSSE(event infraevents.Event) sse.Event {
	return sse.Event{
		Type: string(event.Type),
		ID:   event.EventID.String(),
		Data: event,
	}
}

// ForExecution returns an SSE filter that passes only events of executionID.
func ForExecution(executionID string) sse.EventFilter {
	return func(e sse.Event) bool {
		env, ok := e.Data.(infraevents.Event)
		return ok && env.ExecutionID == executionID
	}
}

// Multi publishes to every publisher in order.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, event infraevents.Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, infraevents.Event) {}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []infraevents.Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event infraevents.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []infraevents.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]infraevents.Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t infraevents.EventType) []infraevents.Event {
	var out []infraevents.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset discards recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
