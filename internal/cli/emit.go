package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tofesapp/automation/internal/engine"
	"github.com/tofesapp/automation/internal/handlers"
	"github.com/tofesapp/automation/internal/trigger"
)

// eventFile is the YAML shape accepted by emit --file.
type eventFile struct {
	Payload    trigger.Payload `yaml:"payload"`
	SourceType string          `yaml:"source_type"`
	SourceID   string          `yaml:"source_id"`
}

func newEmitCommand(opts *RootOptions) *cobra.Command {
	var (
		payloadJSON string
		eventPath   string
		sourceType  string
		sourceID    string
	)

	cmd := &cobra.Command{
		Use:   "emit <event-type>",
		Short: "Emit an event and dispatch matched triggers",
		Long:  "Appends an event for the tenant and runs matching and dispatch synchronously with the built-in handlers (log, webhook). The payload comes from --payload (JSON), --file (YAML), or is empty.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID, err := opts.RequireTenant()
			if err != nil {
				return err
			}

			var payload trigger.Payload
			if eventPath != "" {
				data, err := os.ReadFile(eventPath)
				if err != nil {
					return fmt.Errorf("read --file: %w", err)
				}
				var in eventFile
				if err := yaml.Unmarshal(data, &in); err != nil {
					return fmt.Errorf("parse --file: %w", err)
				}
				payload = in.Payload
				if sourceType == "" {
					sourceType = in.SourceType
				}
				if sourceID == "" {
					sourceID = in.SourceID
				}
			}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}

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
			)

			ev, err := eng.HandleEvent(cmd.Context(), tenantID, args[0], sourceType, sourceID, payload)
			if err != nil {
				return err
			}

			execs, err := st.Executions(cmd.Context(), tenantID, ev.ID)
			if err != nil {
				return err
			}
			cmd.Printf("event %s dispatched: %d execution(s)\n", ev.ID, len(execs))
			return nil
		},
	}

	cmd.Flags().StringVar(&payloadJSON, "payload", "", "event payload as JSON")
	cmd.Flags().StringVar(&eventPath, "file", "", "event payload and source from a YAML file")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "source entity type")
	cmd.Flags().StringVar(&sourceID, "source-id", "", "source entity id")

	return cmd
}
