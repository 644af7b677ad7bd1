package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/SSWConsulting/yakshaver/internal/agent"
	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/bus"
)

const (
	renderWidth      = 100
	previewMaxRunes  = 240
	previewEllipsis  = "…"
	markdownFallback = "(no summary)"
)

var (
	reasoningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Italic(true)
	toolStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("#8E4EC6")).Bold(true)
	resultStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2E8B57"))
	approvalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#D97706")).Bold(true).Padding(0, 1)
	deniedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#DC2626")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// formatEvent renders one orchestration event for the terminal. Final results
// are rendered separately as markdown.
func formatEvent(e bus.Event) string {
	switch e.Type {
	case bus.EventReasoning:
		return reasoningStyle.Render(preview(e.Text))
	case bus.EventToolCall:
		line := toolStyle.Render("→ "+e.ToolName) + " " + dimStyle.Render(preview(e.Args))
		if e.OutputRef != "" {
			line += dimStyle.Render(" (output_ref " + e.OutputRef + ")")
		}
		return line
	case bus.EventToolResult:
		return resultStyle.Render("← "+e.ToolName) + " " + dimStyle.Render(preview(e.Text))
	case bus.EventApprovalRequired:
		line := approvalStyle.Render("approval required") + " " + toolStyle.Render(e.ToolName)
		if e.AutoApproveAt != nil {
			wait := time.Until(*e.AutoApproveAt).Round(time.Second)
			line += dimStyle.Render(fmt.Sprintf(" (auto-approves in %s)", wait))
		}
		return line
	case bus.EventToolDenied:
		return deniedStyle.Render("✗ "+e.ToolName) + " " + e.Reason
	default:
		return ""
	}
}

// formatRequest lists a pending approval for `approval list`.
func formatRequest(req approval.Request) string {
	var sb strings.Builder
	sb.WriteString(toolStyle.Render(req.ToolName))
	sb.WriteString(" " + dimStyle.Render(req.ID))
	if req.AutoApproveAt != nil {
		sb.WriteString(dimStyle.Render(" auto-approves at " + req.AutoApproveAt.Local().Format(time.Kitchen)))
	}
	sb.WriteString("\n  " + preview(req.Args))
	return sb.String()
}

func formatOutcome(res agent.Result) string {
	switch res.Outcome {
	case agent.OutcomeCompleted:
		return resultStyle.Render("Run completed")
	case agent.OutcomeCancelled:
		return deniedStyle.Render("Run cancelled")
	default:
		return approvalStyle.Render("Run ended: " + string(res.Outcome))
	}
}

// renderMarkdown renders text with glamour, falling back to plain text.
func renderMarkdown(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return markdownFallback
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(renderWidth),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}

// preview collapses whitespace and shortens s to previewMaxRunes.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= previewMaxRunes {
		return s
	}
	return string(runes[:previewMaxRunes]) + previewEllipsis
}
