package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/SSWConsulting/yakshaver/internal/config"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize YakShaver configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config already exists: %s\n", configPath)
		return nil
	}

	cfg := config.DefaultConfig()
	for _, dir := range []string{config.ConfigDir(), cfg.DataDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Fprintf(out, "YakShaver initialized!\n")
	fmt.Fprintf(out, "Config: %s\n", configPath)
	fmt.Fprintf(out, "State: %s\n", cfg.DataDir())
	fmt.Fprintf(out, "\nNext steps:\n")
	fmt.Fprintf(out, "1. Edit %s to add a provider API key and your MCP servers\n", configPath)
	fmt.Fprintf(out, "2. Run 'yakshaver settings mode ask' to choose an approval mode\n")
	fmt.Fprintf(out, "3. Run 'yakshaver run \"<goal>\"' or 'yakshaver serve'\n")

	return nil
}
