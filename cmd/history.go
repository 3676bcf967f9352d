package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/mdimg-client/internal/convert"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		offset int
		status string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded conversion jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var filter *convert.JobStatus
			if status != "" {
				st, err := convert.ParseJobStatus(status)
				if err != nil {
					return err
				}
				filter = &st
			}
			if limit <= 0 {
				return fmt.Errorf("--limit must be > 0")
			}
			runs, err := appInstance.History().ListJobs(cmd.Context(), filter, limit, offset)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no jobs recorded")
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), renderHistory(runs))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")
	cmd.Flags().StringVar(&status, "status", "", "only show jobs with this status (running, succeeded, failed)")
	return cmd
}

func renderHistory(runs []store.JobRun) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("RUN", "STATUS", "KIND", "SOURCE", "ITEMS", "STARTED")
	for _, run := range runs {
		items := strconv.Itoa(run.Counters.ItemsSucceeded)
		if run.Total > 0 {
			items += "/" + strconv.Itoa(run.Total)
		}
		if run.Counters.ItemsFailed > 0 {
			items += fmt.Sprintf(" (%d failed)", run.Counters.ItemsFailed)
		}
		t.Row(
			run.ID.String(),
			string(run.Status),
			string(run.Kind),
			run.Source,
			items,
			run.StartedAt.Local().Format(time.DateTime),
		)
	}
	return t.String()
}
