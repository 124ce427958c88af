// Package cli implements the automation operator CLI: emitting events,
// driving the retry sweep, and inspecting the ledger and dead letter
// queue.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tofesapp/automation/internal/config"
	"github.com/tofesapp/automation/internal/store"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigFile string
	DBPath     string
	TenantID   string
	Verbose    bool

	cfg config.Config
}

// Config returns the merged configuration: file (if given), environment,
// then flags, highest last.
func (o *RootOptions) Config() config.Config {
	return o.cfg
}

// OpenStore opens the configured database.
func (o *RootOptions) OpenStore() (*store.Store, error) {
	return store.Open(o.cfg.DBPath)
}

// RequireTenant returns the tenant flag or an error when missing. Every
// read surface is tenant-scoped; there is no cross-tenant view.
func (o *RootOptions) RequireTenant() (string, error) {
	if o.TenantID == "" {
		return "", fmt.Errorf("--tenant is required (or set AUTOMATION_TENANT)")
	}
	return o.TenantID, nil
}

// NewRootCommand creates the root command for the automation CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "automation",
		Short:         "Event-trigger automation engine",
		Long:          "Operate the event-trigger automation engine: emit events, drive the retry sweep, and inspect executions and the dead letter queue.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "database file (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.TenantID, "tenant", "", "tenant scope for read and DLQ commands")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(newEmitCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newHealthCommand(opts))

	return cmd
}

// load merges config sources and configures logging. Precedence, lowest
// to highest: defaults, config file, AUTOMATION_* environment, flags.
func (o *RootOptions) load(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if o.ConfigFile == "" {
		o.ConfigFile = v.GetString("config")
	}

	cfg := config.Default()
	if o.ConfigFile != "" {
		loaded, err := config.Load(o.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if o.DBPath == "" {
		o.DBPath = v.GetString("db")
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.TenantID == "" {
		o.TenantID = v.GetString("tenant")
	}

	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

	o.cfg = cfg
	return cfg.Validate()
}

// Execute runs the CLI.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
