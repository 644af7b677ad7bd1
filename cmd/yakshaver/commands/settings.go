package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/settings"
)

func NewSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the approval mode and tool whitelist",
	}

	whitelist := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage tools that skip approval",
	}
	whitelist.AddCommand(newWhitelistAddCmd(), newWhitelistRemoveCmd())

	cmd.AddCommand(newSettingsShowCmd(), newSettingsModeCmd(), whitelist)
	return cmd
}

func newSettingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the persisted approval settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettingsStore(cmd.Context(), func(store settings.Store, cfg *config.Config) error {
				st, err := store.Load(cmd.Context())
				if err != nil {
					return err
				}
				if st.Whitelist == nil {
					st.Whitelist = []settings.WhitelistEntry{}
				}
				view := struct {
					settings.Settings `yaml:",inline"`
					Backend           string `yaml:"backend"`
					Path              string `yaml:"path"`
					AutoApproveDelay  int    `yaml:"auto_approve_delay_seconds"`
				}{st, backendName(cfg), cfg.SettingsPath(), cfg.Approval.AutoApproveDelaySeconds}

				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(view); err != nil {
					return err
				}
				return enc.Close()
			})
		},
	}
}

func newSettingsModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mode <yolo|wait|ask>",
		Short: "Set the approval mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := settings.ParseMode(args[0])
			if err != nil {
				return err
			}
			return withSettingsStore(cmd.Context(), func(store settings.Store, _ *config.Config) error {
				if err := store.SetMode(cmd.Context(), mode); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approval mode set to %s.\n", mode)
				return nil
			})
		},
	}
}

func newWhitelistAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <tool>",
		Short: "Exempt a tool from approval",
		Long:  "Exempt a tool from approval. MCP tools may be given as server__tool or with --server.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			server, toolName := splitToolIdentifier(server, args[0])
			if toolName == "" {
				return fmt.Errorf("tool name is required")
			}
			return withSettingsStore(cmd.Context(), func(store settings.Store, _ *config.Config) error {
				entry, err := store.AddWhitelistEntry(cmd.Context(), server, toolName)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Whitelisted %s (id %s).\n", entry.Identifier(), entry.ID)
				return nil
			})
		},
	}
	cmd.Flags().String("server", "", "MCP server providing the tool")
	return cmd
}

func newWhitelistRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a whitelist entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettingsStore(cmd.Context(), func(store settings.Store, _ *config.Config) error {
				if err := store.RemoveWhitelistEntry(cmd.Context(), strings.TrimSpace(args[0])); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed whitelist entry %s.\n", args[0])
				return nil
			})
		},
	}
}

// splitToolIdentifier accepts server__tool when no server is given explicitly.
func splitToolIdentifier(server, name string) (string, string) {
	server = strings.TrimSpace(server)
	name = strings.TrimSpace(name)
	if server != "" {
		return server, name
	}
	if s, t, ok := strings.Cut(name, "__"); ok && s != "" && t != "" {
		return s, t
	}
	return "", name
}

func backendName(cfg *config.Config) string {
	if cfg.Approval.SettingsBackend == "" {
		return settings.BackendFile
	}
	return cfg.Approval.SettingsBackend
}

func withSettingsStore(ctx context.Context, fn func(settings.Store, *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	store, closer, err := settings.Open(ctx, cfg.Approval.SettingsBackend, cfg.SettingsPath())
	if err != nil {
		return fmt.Errorf("open approval settings: %w", err)
	}
	defer closer.Close()
	return fn(store, cfg)
}
