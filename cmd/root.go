// Package cmd implements the batch-runner command-line interface.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	infraconfig "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/config"
	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/gateway"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var configPath string

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "batch-runner",
		Short:         "Runs batches of browser-agent jobs with bounded concurrency",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(
		&configPath,
		"config",
		infraconfig.GetConfigPath("config.yml"),
		"path to the configuration file",
	)

	root.AddCommand(
		newServeCommand(),
		newMigrateCommand(),
		newStatusCommand(),
		newExportCommand(),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCommand().ExecuteContext(context.Background())
}

// openGateway loads the configuration and opens storage for one-shot commands.
func openGateway() (gateway.Gateway, infralogger.Logger, error) {
	cfg, err := bootstrap.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}

	log, err := bootstrap.CreateLogger(cfg, Version)
	if err != nil {
		return nil, nil, err
	}

	gw, err := bootstrap.SetupGateway(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage: %w", err)
	}
	return gw, log, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return bootstrap.Serve(cmd.Context(), configPath, Version)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "batch-runner %s\n", Version)
		},
	}
}
