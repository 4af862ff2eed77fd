package sse

import "time"

// Default configuration values.
const (
	DefaultEventBufferSize   = 1000
	DefaultClientBufferSize  = 100
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
	DefaultMaxClients        = 1000
)

// Config holds broker configuration.
type Config struct {
	EventBufferSize   int           `yaml:"event_buffer_size"`
	ClientBufferSize  int           `yaml:"client_buffer_size"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	// MaxClients caps concurrent subscribers (0 = unlimited).
	MaxClients int `yaml:"max_clients"`
}

// BrokerOption configures a broker.
type BrokerOption func(*broker)

// WithConfig applies a full Config to the broker. Zero values keep defaults.
func WithConfig(cfg Config) BrokerOption {
	return func(b *broker) {
		if cfg.EventBufferSize > 0 {
			b.eventBufferSize = cfg.EventBufferSize
		}
		if cfg.ClientBufferSize > 0 {
			b.clientBufferSize = cfg.ClientBufferSize
		}
		if cfg.ShutdownTimeout > 0 {
			b.shutdownTimeout = cfg.ShutdownTimeout
		}
		if cfg.MaxClients > 0 {
			b.maxClients = cfg.MaxClients
		}
	}
}

// WithEventBufferSize sets the size of the broker's inbound buffer.
func WithEventBufferSize(size int) BrokerOption {
	return func(b *broker) {
		if size > 0 {
			b.eventBufferSize = size
		}
	}
}

// WithClientBufferSize sets the default per-client buffer size.
func WithClientBufferSize(size int) BrokerOption {
	return func(b *broker) {
		if size > 0 {
			b.clientBufferSize = size
		}
	}
}

// WithMaxClients sets the maximum number of concurrent clients.
func WithMaxClients(maxClients int) BrokerOption {
	return func(b *broker) {
		b.maxClients = maxClients
	}
}

// ClientOption configures a client subscription.
type ClientOption func(*ClientOptions)

// WithFilter sets an event filter for the client.
func WithFilter(filter EventFilter) ClientOption {
	return func(opts *ClientOptions) {
		opts.Filter = filter
	}
}

// WithBufferSize sets the client's event buffer size.
func WithBufferSize(size int) ClientOption {
	return func(opts *ClientOptions) {
		if size > 0 {
			opts.BufferSize = size
		}
	}
}
