// Package bootstrap wires the batch-runner service together and manages its
// lifecycle.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/controller"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/metrics"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/sweeper"
)

const (
	recoverTimeout  = 2 * time.Minute
	shutdownTimeout = 30 * time.Second
)

// Serve runs the HTTP service until ctx ends or the process is signalled.
func Serve(ctx context.Context, configPath, version string) error {
	// Phase 1: config and logger
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := CreateLogger(cfg, version)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// Phase 2: storage
	gw, err := SetupGateway(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := gw.Close(); closeErr != nil {
			log.Error("Failed to close storage", infralogger.Error(closeErr))
		}
	}()

	// Phase 3: metrics and live channel
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	live, err := SetupLiveChannel(ctx, cfg, log, m)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := live.Close(); closeErr != nil {
			log.Error("Failed to close live channel", infralogger.Error(closeErr))
		}
	}()

	// Phase 4: agent and controller
	client, err := SetupAgent(cfg, log)
	if err != nil {
		return err
	}

	ctrl := controller.New(gw, client, live.Publisher, cfg.Orchestrator, cfg.Bulk, log, m)
	defer shutdownController(ctrl, log)

	recoverCtx, cancel := context.WithTimeout(ctx, recoverTimeout)
	recovered, err := ctrl.Recover(recoverCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if recovered > 0 {
		log.Info("Recovered executions", infralogger.Int("count", recovered))
	}

	// Phase 5: sweeper
	if !cfg.Sweeper.Disabled {
		sw := sweeper.New(ctrl, cfg.Sweeper, log)
		if startErr := sw.Start(ctx); startErr != nil {
			return fmt.Errorf("start sweeper: %w", startErr)
		}
		defer sw.Stop()
	}

	// Phase 6: HTTP server
	server := SetupHTTPServer(cfg, version, ctrl, live.Broker, SetupHealth(gw, live), reg, log)
	if runErr := server.Run(ctx); runErr != nil {
		log.Error("Server error", infralogger.Error(runErr))
		return fmt.Errorf("server error: %w", runErr)
	}

	log.Info("Server exited")
	return nil
}

func shutdownController(ctrl *controller.Controller, log infralogger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ctrl.Shutdown(ctx); err != nil {
		log.Error("Controller shutdown incomplete", infralogger.Error(err))
		return
	}
	log.Info("Controller stopped")
}
