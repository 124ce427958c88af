package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tofesapp/automation/internal/dlq"
	"github.com/tofesapp/automation/internal/trigger"
)

func newDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Manage the dead letter queue",
		Long:  "Inspect, retry, and permanently fail action executions that exhausted their retry budget.",
	}

	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQRetryCommand(opts))
	cmd.AddCommand(newDLQFailCommand(opts))
	cmd.AddCommand(newDLQStatsCommand(opts))
	cmd.AddCommand(newDLQAnalyzeCommand(opts))
	cmd.AddCommand(newDLQExpireCommand(opts))

	return cmd
}

func newDLQService(opts *RootOptions) (*dlq.Service, func() error, error) {
	st, err := opts.OpenStore()
	if err != nil {
		return nil, nil, err
	}
	svc := dlq.New(st, dlq.WithRetention(opts.Config().Retention()))
	return svc, st.Close, nil
}

func newDLQListCommand(opts *RootOptions) *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}
			if status != "" && !trigger.DeadLetterStatus(status).Valid() {
				return fmt.Errorf("invalid status %q", status)
			}

			svc, closeStore, err := newDLQService(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			entries, err := svc.List(cmd.Context(), tenantID, trigger.DeadLetterStatus(status), limit, offset)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				cmd.Println("no dead letter entries")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tACTION TYPE\tREASON\tFAILURES\tRETRY AFTER\tCREATED")
			for _, d := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					d.ID,
					d.Status,
					d.ActionType,
					truncate(d.FailureReason, 40),
					d.FailureCount,
					fmtOptTime(d.RetryAfter),
					d.CreatedAt.UTC().Format(time.RFC3339),
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending|processing|resolved|failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "max entries to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "pagination offset")

	return cmd
}

func newDLQRetryCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Queue dead letter entries for retry",
		Long:  "Claims the entries for re-execution. The next sweep pass replays each from its stored snapshots.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			svc, closeStore, err := newDLQService(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			if len(args) == 1 {
				if err := svc.Retry(cmd.Context(), tenantID, args[0]); err != nil {
					return err
				}
				cmd.Printf("entry %s queued for retry\n", args[0])
				return nil
			}

			res, err := svc.BulkRetry(cmd.Context(), tenantID, args)
			if err != nil {
				return err
			}
			cmd.Printf("queued %d, skipped %d\n", res.Succeeded, res.Failed)
			return nil
		},
	}
	return cmd
}

func newDLQFailCommand(opts *RootOptions) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Permanently fail a dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			svc, closeStore, err := newDLQService(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := svc.MarkFailed(cmd.Context(), tenantID, args[0], reason); err != nil {
				return err
			}
			cmd.Printf("entry %s permanently failed\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "manually_failed", "recorded failure reason")

	return cmd
}

func newDLQStatsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead letter counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			svc, closeStore, err := newDLQService(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := svc.Stats(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintf(w, "total\t%d\n", stats.Total)
			fmt.Fprintf(w, "pending\t%d\n", stats.Pending)
			fmt.Fprintf(w, "processing\t%d\n", stats.Processing)
			fmt.Fprintf(w, "resolved\t%d\n", stats.Resolved)
			fmt.Fprintf(w, "failed\t%d\n", stats.Failed)
			fmt.Fprintf(w, "unresolved\t%d\n", stats.Unresolved())
			return w.Flush()
		},
	}
	return cmd
}

func newDLQAnalyzeCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Group dead letters by reason, trigger, and action type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			svc, closeStore, err := newDLQService(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			groups, err := svc.Analyze(cmd.Context(), tenantID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "GROUP\tKEY\tCOUNT")
			for _, g := range groups.ByReason {
				fmt.Fprintf(w, "reason\t%s\t%d\n", g.Key, g.Count)
			}
			for _, g := range groups.ByTrigger {
				fmt.Fprintf(w, "trigger\t%s\t%d\n", g.Key, g.Count)
			}
			for _, g := range groups.ByActionType {
				fmt.Fprintf(w, "action type\t%s\t%d\n", g.Key, g.Count)
			}
			return w.Flush()
		},
	}
	return cmd
}

func newDLQExpireCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Permanently fail unresolved entries past the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			svc, closeStore, err := newDLQService(opts)
			if err != nil {
				return err
			}
			defer closeStore()

			n, err := svc.ExpireOld(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			cmd.Printf("expired %d entr%s\n", n, plural(int(n), "y", "ies"))
			return nil
		},
	}
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func fmtOptTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
