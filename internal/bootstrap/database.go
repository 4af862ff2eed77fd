package bootstrap

import (
	"fmt"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/config"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/database"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

// SetupGateway opens the configured persistence gateway.
func SetupGateway(cfg *config.Config, log infralogger.Logger) (gateway.Gateway, error) {
	if cfg.Database.Driver == config.DriverMemory {
		log.Warn("Using in-memory storage; state is lost on exit")
		return gateway.NewMemory(), nil
	}

	db, err := database.NewPostgresConnection(cfg.Database.Config)
	if err != nil {
		return nil, fmt.Errorf("database connection: %w", err)
	}

	log.Info("Connected to PostgreSQL",
		infralogger.String("host", cfg.Database.Host),
		infralogger.String("database", cfg.Database.DBName),
	)
	return database.NewStore(db), nil
}
