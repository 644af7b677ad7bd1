package commands

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/config"
)

func NewApprovalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approval",
		Short: "Answer approval requests of a running gateway",
	}
	cmd.PersistentFlags().String("gateway", "", "Gateway base URL (defaults to the configured host and port)")

	cmd.AddCommand(
		newApprovalListCmd(),
		newApprovalApproveCmd(),
		newApprovalDenyCmd(),
		newApprovalReviseCmd(),
		newApprovalCancelCmd(),
	)

	return cmd
}

func newApprovalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending approval requests",
		RunE:  runApprovalList,
	}
}

func newApprovalApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a tool call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			whitelist, _ := cmd.Flags().GetBool("whitelist")
			d := approval.Approve()
			if whitelist {
				d = approval.ApproveAndWhitelist()
			}
			return runApprovalDecision(cmd, args[0], d)
		},
	}
	cmd.Flags().Bool("whitelist", false, "Also exempt this tool from future approvals")
	return cmd
}

func newApprovalDenyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deny <id>",
		Short: "Deny a tool call and stop the run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			return runApprovalDecision(cmd, args[0], approval.DenyStop(feedback))
		},
	}
	cmd.Flags().String("feedback", "", "Reason reported back to the caller")
	return cmd
}

func newApprovalReviseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revise <id>",
		Short: "Send feedback to the model instead of running the tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feedback, _ := cmd.Flags().GetString("feedback")
			return runApprovalDecision(cmd, args[0], approval.RequestChanges(feedback))
		},
	}
	cmd.Flags().String("feedback", "", "What the model should change")
	_ = cmd.MarkFlagRequired("feedback")
	return cmd
}

func newApprovalCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Deny every pending request",
		Args:  cobra.NoArgs,
		RunE:  runApprovalCancel,
	}
	cmd.Flags().String("reason", "", "Reason reported back to the caller")
	return cmd
}

func runApprovalList(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient(cmd)
	if err != nil {
		return err
	}

	var resp struct {
		Approvals []approval.Request `json:"approvals"`
	}
	if err := client.do(cmd.Context(), http.MethodGet, "/api/approvals", nil, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(resp.Approvals) == 0 {
		fmt.Fprintln(out, "No pending approvals.")
		return nil
	}
	for _, req := range resp.Approvals {
		fmt.Fprintln(out, formatRequest(req))
	}
	return nil
}

func runApprovalDecision(cmd *cobra.Command, id string, d approval.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}
	client, err := loadGatewayClient(cmd)
	if err != nil {
		return err
	}

	path := "/api/approvals/" + url.PathEscape(strings.TrimSpace(id))
	if err := client.do(cmd.Context(), http.MethodPost, path, d, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approval %s resolved: %s\n", id, d.Kind)
	return nil
}

func runApprovalCancel(cmd *cobra.Command, args []string) error {
	client, err := loadGatewayClient(cmd)
	if err != nil {
		return err
	}
	reason, _ := cmd.Flags().GetString("reason")

	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	body := map[string]string{"reason": reason}
	if err := client.do(cmd.Context(), http.MethodPost, "/api/approvals/cancel", body, &resp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d pending approval(s).\n", resp.Cancelled)
	return nil
}

func loadGatewayClient(cmd *cobra.Command) (*gatewayClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	override, _ := cmd.Flags().GetString("gateway")
	return gatewayClientFromConfig(cfg, override), nil
}
