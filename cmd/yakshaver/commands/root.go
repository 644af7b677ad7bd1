package commands

import (
	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "yakshaver",
		Short: "YakShaver - turn recorded walkthroughs into work items",
		Long: `YakShaver drives a tool-calling model through MCP servers and built-in tools.
Every tool call passes an approval gate controlled by the yolo, wait or ask mode.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "init" || cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride, false)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride, cmd.Name() == "run")
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewRunCmd(),
		NewServeCmd(),
		NewApprovalCmd(),
		NewSettingsCmd(),
		NewMCPCmd(),
		NewVersionCmd(),
	)

	return cmd
}
