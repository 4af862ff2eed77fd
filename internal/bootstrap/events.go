package bootstrap

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	infraredis "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/redis"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/sse"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/config"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/events"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
)

// LiveChannel is the assembled event fan-out: the local SSE broker plus the
// optional Redis relay and forwarder.
type LiveChannel struct {
	Broker    sse.Broker
	Publisher events.Publisher

	redis     *redis.Client
	relay     *events.RedisRelay
	forwarder *events.Forwarder
	closeFns  []func() error
}

// SetupLiveChannel starts the SSE broker and, when Redis is enabled and
// reachable, the cross-instance relay. Redis failures degrade to local-only
// delivery.
func SetupLiveChannel(
	ctx context.Context, cfg *config.Config, log infralogger.Logger, m *metrics.Metrics,
) (*LiveChannel, error) {
	lc := &LiveChannel{}
	var local events.Publisher = events.Nop{}

	if !cfg.SSE.Disabled {
		lc.Broker = sse.NewBroker(log, sse.WithConfig(cfg.SSE.Config))
		if err := lc.Broker.Start(ctx); err != nil {
			return nil, fmt.Errorf("start sse broker: %w", err)
		}
		local = events.NewSSEPublisher(lc.Broker, log, m)
		lc.closeFns = append(lc.closeFns, lc.Broker.Stop)
	}
	lc.Publisher = local

	if !cfg.Redis.Enabled {
		return lc, nil
	}

	client, err := infraredis.NewClient(cfg.Redis)
	if err != nil {
		log.Warn("Redis not available, cross-instance events disabled", infralogger.Error(err))
		return lc, nil
	}

	lc.redis = client
	relayCfg := events.RelayConfig{Channel: cfg.Redis.Channel, Origin: uuid.NewString()}
	lc.relay = events.NewRedisRelay(client, relayCfg, log, m)
	lc.relay.Start(ctx)

	lc.forwarder = events.NewForwarder(client, relayCfg, local, log)
	if startErr := lc.forwarder.Start(ctx); startErr != nil {
		log.Warn("Redis subscription failed, remote events will not be forwarded", infralogger.Error(startErr))
		lc.forwarder = nil
	}

	lc.Publisher = events.Multi{local, lc.relay}
	lc.closeFns = append(lc.closeFns, client.Close)

	log.Info("Cross-instance events enabled",
		infralogger.String("redis_address", cfg.Redis.Address),
		infralogger.String("origin", relayCfg.Origin),
	)
	return lc, nil
}

// Ping reports Redis connectivity. It is nil when the relay is not running.
func (lc *LiveChannel) Ping(ctx context.Context) error {
	if lc.redis == nil {
		return nil
	}
	return lc.redis.Ping(ctx).Err()
}

// RedisEnabled reports whether the cross-instance relay is running.
func (lc *LiveChannel) RedisEnabled() bool {
	return lc.redis != nil
}

// Close stops the forwarder, drains the relay and stops the broker.
func (lc *LiveChannel) Close() error {
	var firstErr error
	if lc.forwarder != nil {
		firstErr = lc.forwarder.Stop()
	}
	if lc.relay != nil {
		lc.relay.Stop()
	}
	for i := len(lc.closeFns) - 1; i >= 0; i-- {
		if err := lc.closeFns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
