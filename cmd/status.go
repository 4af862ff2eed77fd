package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	infralogger "github.com/jonesrussell/north-cloud/batch-runner/infrastructure/logger"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/domain"
	"github.com/jonesrussell/north-cloud/batch-runner/internal/registry"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <executionId>",
		Short: "Show an execution's status, counters and running jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			gw, log, err := openGateway()
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := gw.Close(); closeErr != nil {
					log.Error("Failed to close storage", infralogger.Error(closeErr))
				}
			}()

			exec, running, err := registry.Status(cmd.Context(), gw, args[0])
			if err != nil {
				return err
			}

			RenderStatus(cmd.OutOrStdout(), exec, running)
			return nil
		},
	}
}

// RenderStatus writes the execution summary and its running jobs as tables.
func RenderStatus(w io.Writer, exec *domain.Execution, running []*domain.Job) {
	summary := table.NewWriter()
	summary.SetOutputMirror(w)
	summary.SetStyle(table.StyleLight)
	summary.SetTitle("Execution " + exec.ID)
	summary.AppendRows([]table.Row{
		{"Status", exec.Status},
		{"Concurrency", exec.Concurrency},
		{"Total", exec.TotalJobs},
		{"Queued", exec.QueuedJobs},
		{"Running", exec.RunningJobs},
		{"Completed", exec.CompletedJobs},
		{"Errors", exec.ErrorJobs},
		{"Passed", exec.PassedJobs},
		{"Failed", exec.FailedJobs},
		{"Last activity", exec.LastActivityAt.Format(time.RFC3339)},
	})
	if exec.StopReason != "" {
		summary.AppendRow(table.Row{"Stop reason", exec.StopReason})
	}
	summary.Render()

	if len(running) == 0 {
		return
	}

	jobs := table.NewWriter()
	jobs.SetOutputMirror(w)
	jobs.SetStyle(table.StyleLight)
	jobs.AppendHeader(table.Row{"Job ID", "Site", "Progress", "Step", "Current URL"})
	for _, j := range running {
		jobs.AppendRow(table.Row{
			j.ID,
			j.SiteName,
			fmt.Sprintf("%.0f%%", j.ProgressPercentage),
			j.CurrentStep,
			j.CurrentURL,
		})
	}
	jobs.Render()
}
