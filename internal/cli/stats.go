package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/tofesapp/automation/internal/analytics"
	"github.com/tofesapp/automation/internal/store"
)

func newStatsCommand(opts *RootOptions) *cobra.Command {
	var (
		sinceHours int
		topN       int
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the execution analytics report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			st, err := opts.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			since := time.Now().UTC().Add(-time.Duration(sinceHours) * time.Hour)
			report, err := analytics.New(st).BuildReport(cmd.Context(), tenantID, since, topN)
			if err != nil {
				return err
			}
			cmd.Print(report.Render())
			return nil
		},
	}

	cmd.Flags().IntVar(&sinceHours, "since-hours", 24, "timeline window in hours")
	cmd.Flags().IntVar(&topN, "top", 5, "number of slowest/most-failed actions to show")

	return cmd
}

func newHealthCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Show execution and DLQ health scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			st, err := opts.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			execStats, err := st.ExecutionCounts(cmd.Context(), tenantID, store.StatsFilter{})
			if err != nil {
				return err
			}
			dlqStats, err := st.DeadLetterCounts(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			cmd.Printf("execution health: %.0f/100 (%d/%d succeeded)\n",
				analytics.ExecutionHealth(execStats), execStats.Success, execStats.Success+execStats.Failed)
			cmd.Printf("success rate:     %.1f%% (%d of %d attempts)\n",
				execStats.SuccessRate(), execStats.Success, execStats.Total)
			cmd.Printf("dlq health:       %.0f/100 (%d unresolved of %d)\n",
				analytics.DeadLetterHealth(dlqStats), dlqStats.Unresolved(), dlqStats.Total)
			return nil
		},
	}
	return cmd
}
