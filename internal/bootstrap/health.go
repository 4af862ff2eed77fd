package bootstrap

import (
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/health"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

// SetupHealth registers readiness checks for storage and, when the relay is
// running, Redis.
func SetupHealth(gw gateway.Gateway, live *LiveChannel) *health.Checker {
	checker := health.NewChecker()
	if p, ok := gw.(gateway.Pinger); ok {
		checker.Register("storage", p.Ping)
	}
	if live != nil && live.RedisEnabled() {
		checker.Register("redis", live.Ping)
	}
	return checker
}
