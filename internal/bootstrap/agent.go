package bootstrap

import (
	"fmt"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/config"
)

// SetupAgent creates the agent client, or the in-process simulator when
// agent.simulate is set.
func SetupAgent(cfg *config.Config, log infralogger.Logger) (agent.Client, error) {
	if cfg.Agent.Simulate {
		log.Warn("Agent simulation enabled; no sites will be visited",
			infralogger.Duration("delay", cfg.Agent.SimulatedDelay),
		)
		return agent.NewFake(agent.Simulate(cfg.Agent.SimulatedDelay)), nil
	}

	client, err := agent.NewHTTPClient(cfg.Agent.Config, log)
	if err != nil {
		return nil, fmt.Errorf("create agent client: %w", err)
	}
	log.Info("Agent client configured", infralogger.String("base_url", cfg.Agent.BaseURL))
	return client, nil
}
