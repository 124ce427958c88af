package cli

import (
	"github.com/spf13/cobra"

	"github.com/tofesapp/automation/internal/engine"
	"github.com/tofesapp/automation/internal/handlers"
)

func newSweepCommand(opts *RootOptions) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the retry sweep",
		Long:  "Re-drives failed executions with remaining retry budget and due dead letter entries. One pass by default; --follow runs the background loop until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.OpenStore()
			if err != nil {
				return err
			}
			defer st.Close()

			registry := engine.NewRegistry()
			if err := handlers.RegisterBuiltin(registry); err != nil {
				return err
			}

			cfg := opts.Config()
			eng := engine.New(st, registry,
				engine.WithMaxAttempts(cfg.MaxAttempts),
				engine.WithDefaultTimeout(cfg.DefaultTimeout.Std()),
				engine.WithSweep(cfg.Sweep.Interval.Std(), cfg.Sweep.Workers, cfg.Sweep.Batch),
			)

			if follow {
				eng.Start(cmd.Context())
				<-cmd.Context().Done()
				eng.Stop()
				return nil
			}

			processed, err := eng.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("sweep complete: %d entr%s processed\n", processed, plural(processed, "y", "ies"))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep sweeping on the configured interval")

	return cmd
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
