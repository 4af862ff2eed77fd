// Package sse provides Server-Sent Events fan-out for live execution updates.
package sse

import "context"

// Event is one Server-Sent Event.
// Wire format: event: <Type>\nid: <ID>\ndata: <JSON Data>\n\n
type Event struct {
	Type  string `json:"type"`
	Data  any    `json:"data"`
	ID    string `json:"id,omitempty"`
	Retry int    `json:"retry,omitempty"`
}

// Publisher sends events to the broker.
type Publisher interface {
	// Publish enqueues an event for every connected client. It never blocks:
	// a full buffer returns an error and the event is dropped.
	Publish(ctx context.Context, event Event) error
}

// Subscriber receives events from the broker.
type Subscriber interface {
	// Subscribe returns a channel of events and a cleanup function. The channel
	// is closed on client disconnect, slow-client eviction or broker shutdown.
	Subscribe(ctx context.Context, opts ...ClientOption) (<-chan Event, func())
}

// Broker manages SSE connections and event distribution.
type Broker interface {
	Publisher
	Subscriber
	Start(ctx context.Context) error
	Stop() error
	ClientCount() int
}

// EventFilter reports whether an event should be delivered to a client.
type EventFilter func(event Event) bool

// ClientOptions configures a single subscription.
type ClientOptions struct {
	Filter     EventFilter
	BufferSize int
}

const (
	eventTypeConnected = "connected"
)
