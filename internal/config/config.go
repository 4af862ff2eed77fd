// Package config loads the batch-runner service configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	infraconfig "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/config"
	infragin "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/gin"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	infraredis "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/redis"
	"github.com/jonesrussell/north-cloud/batch-runner/infrastructure/sse"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/agent"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/database"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/sweeper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"

	defaultServerHost     = "0.0.0.0"
	defaultServerPort     = 8070
	defaultReadTimeout    = 30 * time.Second
	defaultDatabasePort   = "5432"
	defaultSimulatedDelay = 2 * time.Second
	defaultRedisAddress   = "localhost:6379"
)

// Config is the root service configuration.
type Config struct {
	Debug        bool                  `env:"APP_DEBUG" yaml:"debug"`
	Server       ServerConfig          `yaml:"server"`
	Database     DatabaseConfig        `yaml:"database"`
	Redis        infraredis.Config     `yaml:"redis"`
	Agent        AgentConfig           `yaml:"agent"`
	Orchestrator controller.Config     `yaml:"orchestrator"`
	Bulk         controller.BulkConfig `yaml:"bulk"`
	Sweeper      sweeper.Config        `yaml:"sweeper"`
	SSE          SSEConfig             `yaml:"sse"`
	Logging      infralogger.Config    `yaml:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `env:"SERVER_HOST"  yaml:"host"`
	Port            int           `env:"SERVER_PORT"  yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" yaml:"cors_origins"`
}

// DatabaseConfig selects the persistence gateway.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory". The memory gateway loses everything on exit.
	Driver          string `env:"DATABASE_DRIVER" yaml:"driver"`
	database.Config `yaml:",inline"`
}

// AgentConfig configures the remote browser agent.
type AgentConfig struct {
	agent.Config `yaml:",inline"`
	// Simulate replaces the remote agent with an in-process stand-in that
	// succeeds after SimulatedDelay.
	Simulate       bool          `env:"AGENT_SIMULATE" yaml:"simulate"`
	SimulatedDelay time.Duration `yaml:"simulated_delay"`
}

// SSEConfig configures the in-process live channel.
type SSEConfig struct {
	Disabled   bool `env:"SSE_DISABLED" yaml:"disabled"`
	sse.Config `yaml:",inline"`
}

// GinConfig converts the server settings for infrastructure/gin.
func (c *Config) GinConfig(serviceName, version string) *infragin.Config {
	return &infragin.Config{
		Host:            c.Server.Host,
		Port:            c.Server.Port,
		Debug:           c.Debug,
		ReadTimeout:     c.Server.ReadTimeout,
		WriteTimeout:    c.Server.WriteTimeout,
		IdleTimeout:     c.Server.IdleTimeout,
		ShutdownTimeout: c.Server.ShutdownTimeout,
		CORS: infragin.CORSConfig{
			Enabled:        len(c.Server.CORSOrigins) > 0,
			AllowedOrigins: c.Server.CORSOrigins,
		},
		ServiceName:    serviceName,
		ServiceVersion: version,
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	var errs []error

	if err := infraconfig.ValidatePort("server.port", c.Server.Port); err != nil {
		errs = append(errs, err)
	}

	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		for field, value := range map[string]string{
			"database.host":     c.Database.Host,
			"database.user":     c.Database.User,
			"database.database": c.Database.DBName,
		} {
			if err := infraconfig.ValidateRequired(field, value); err != nil {
				errs = append(errs, err)
			}
		}
	default:
		errs = append(errs, &infraconfig.ValidationError{
			Field:   "database.driver",
			Message: fmt.Sprintf("must be %s or %s", DriverPostgres, DriverMemory),
		})
	}

	if !c.Agent.Simulate {
		if err := infraconfig.ValidateRequired("agent.base_url", c.Agent.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Orchestrator.DefaultConcurrency > c.Orchestrator.MaxConcurrency {
		errs = append(errs, &infraconfig.ValidationError{
			Field:   "orchestrator.default_concurrency",
			Message: "must not exceed orchestrator.max_concurrency",
		})
	}

	if c.Redis.Enabled {
		if err := infraconfig.ValidateRequired("redis.address", c.Redis.Address); err != nil {
			errs = append(errs, err)
		}
	}

	if !c.Sweeper.Disabled {
		if err := sweeper.Validate(c.Sweeper.Schedule); err != nil {
			errs = append(errs, &infraconfig.ValidationError{Field: "sweeper.schedule", Message: err.Error()})
		}
	}

	if err := infraconfig.ValidateLogLevel(strings.ToLower(c.Logging.Level)); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Load reads path, applies defaults and environment overrides, and validates.
func Load(path string) (*Config, error) {
	cfg, err := infraconfig.LoadWithDefaults(path, setDefaults)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaultServerPort
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverPostgres
	}
	if cfg.Database.Port == "" {
		cfg.Database.Port = defaultDatabasePort
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}

	if cfg.Agent.SimulatedDelay <= 0 {
		cfg.Agent.SimulatedDelay = defaultSimulatedDelay
	}

	if cfg.Redis.Address == "" {
		cfg.Redis.Address = defaultRedisAddress
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Debug {
			cfg.Logging.Level = "debug"
		}
	}

	cfg.Orchestrator.SetDefaults()
	cfg.Sweeper.SetDefaults()
}
