package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/mcp"
	"github.com/SSWConsulting/yakshaver/internal/tools"
)

const mcpProbeTimeout = 30 * time.Second

// mcpConnector is swapped in tests.
var mcpConnector mcp.Connector

func NewMCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Inspect configured MCP servers",
	}
	cmd.AddCommand(newMCPStatusCmd())
	return cmd
}

func newMCPStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Connect to every MCP server and list the tools it offers",
		RunE:  runMCPStatus,
	}
}

func runMCPStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(cfg.MCP.Servers) == 0 {
		fmt.Fprintln(out, "No MCP servers configured.")
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), mcpProbeTimeout)
	defer cancel()

	manager := mcp.NewManager(cfg.MCP.Servers, mcpConnector)
	defer manager.Close()
	if err := manager.Connect(ctx); err != nil {
		return err
	}
	registry := tools.NewRegistry()
	if err := manager.RegisterTools(registry); err != nil {
		return err
	}

	fmt.Fprintln(out, "MCP servers:")
	for _, status := range manager.Statuses() {
		switch {
		case status.Degraded || !status.Connected:
			fmt.Fprintf(out, "  %s: degraded (%s)\n", status.Name, status.Message)
		default:
			fmt.Fprintf(out, "  %s: connected via %s (tools=%d)\n", status.Name, status.Transport, status.ToolCount)
		}
	}

	for _, name := range sortedServerNames(cfg.MCP.Servers) {
		if !config.IsMCPServerEnabled(cfg.MCP.Servers[name]) {
			fmt.Fprintf(out, "  %s: disabled\n", name)
		}
	}

	if names := registry.Names(); len(names) > 0 {
		fmt.Fprintln(out, "Tools:")
		for _, name := range names {
			fmt.Fprintf(out, "  %s\n", name)
		}
	}
	return nil
}

func sortedServerNames(servers map[string]config.MCPServerConfig) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
