package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/SSWConsulting/yakshaver/internal/settings"
)

// DecisionKind is the outcome a human (or the wait timer) picked.
type DecisionKind string

const (
	KindApprove        DecisionKind = "approve"
	KindDenyStop       DecisionKind = "deny_stop"
	KindRequestChanges DecisionKind = "request_changes"
)

// Decision resolves one approval request.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	Feedback string       `json:"feedback,omitempty"`
	// Whitelist asks the orchestrator to exempt the tool from future approvals.
	Whitelist bool `json:"whitelist,omitempty"`
	// Auto marks approvals produced by the wait-mode timer.
	Auto bool `json:"auto,omitempty"`
	// RequestID is set by the gate when the decision is delivered.
	RequestID string `json:"-"`
}

// Approve returns a plain approval.
func Approve() Decision {
	return Decision{Kind: KindApprove}
}

// ApproveAndWhitelist approves and whitelists the tool.
func ApproveAndWhitelist() Decision {
	return Decision{Kind: KindApprove, Whitelist: true}
}

// DenyStop stops the run. Feedback is optional.
func DenyStop(feedback string) Decision {
	return Decision{Kind: KindDenyStop, Feedback: feedback}
}

// RequestChanges sends feedback back to the model.
func RequestChanges(feedback string) Decision {
	return Decision{Kind: KindRequestChanges, Feedback: feedback}
}

// Validate checks a decision received from a caller. The gate itself accepts
// any decision; callers validate before resolving.
func (d Decision) Validate() error {
	switch d.Kind {
	case KindApprove, KindDenyStop:
		return nil
	case KindRequestChanges:
		if strings.TrimSpace(d.Feedback) == "" {
			return fmt.Errorf("feedback is required when requesting changes")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision kind %q", d.Kind)
	}
}

// DenialMessage is the caller visible reason for a deny_stop decision.
func DenialMessage(d Decision) string {
	feedback := strings.TrimSpace(d.Feedback)
	if feedback == "" {
		return "Cancelled by user"
	}
	return "User feedback: " + feedback
}

// Request is one pending human decision.
type Request struct {
	ID            string        `json:"id"`
	RunID         string        `json:"run_id,omitempty"`
	ToolCallID    string        `json:"tool_call_id,omitempty"`
	ToolName      string        `json:"tool_name"`
	ServerName    string        `json:"server_name,omitempty"`
	Args          string        `json:"args"`
	Mode          settings.Mode `json:"mode"`
	RequestedAt   time.Time     `json:"requested_at"`
	AutoApproveAt *time.Time    `json:"auto_approve_at,omitempty"`
}

// Input describes the tool call that needs a decision.
type Input struct {
	RunID      string
	ToolCallID string
	ToolName   string
	ServerName string
	Args       string
	Mode       settings.Mode
}
