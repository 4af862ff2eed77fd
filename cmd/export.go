package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/export"
)

func newExportCommand() *cobra.Command {
	var (
		formatFlag string
		out        string
	)

	cmd := &cobra.Command{
		Use:   "export <executionId>",
		Short: "Export an execution's job results as CSV or XLSX",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := export.ParseFormat(formatFlag)
			if err != nil {
				return err
			}

			gw, log, err := openGateway()
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := gw.Close(); closeErr != nil {
					log.Error("Failed to close storage", infralogger.Error(closeErr))
				}
			}()

			tbl, err := export.Build(cmd.Context(), gw, args[0])
			if err != nil {
				return err
			}

			if out == "" {
				if err = tbl.Write(cmd.OutOrStdout(), format); err != nil {
					return fmt.Errorf("write export: %w", err)
				}
				return nil
			}

			if err = tbl.WriteFile(out, format); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d rows to %s\n", len(tbl.Rows), out)
			return nil
		},
	}

	cmd.Flags().StringVar(&formatFlag, "format", string(export.FormatCSV), "csv or xlsx")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}
