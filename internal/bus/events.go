package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

type runIDContextKey struct{}

// EventType names one step of an orchestration run.
type EventType string

const (
	EventReasoning        EventType = "reasoning"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequired EventType = "tool_approval_required"
	EventToolDenied       EventType = "tool_denied"
	EventFinalResult      EventType = "final_result"
)

// Event is one outbound notification for the UI layer.
type Event struct {
	Type          EventType  `json:"type"`
	RunID         string     `json:"run_id,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	ToolCallID    string     `json:"tool_call_id,omitempty"`
	ToolName      string     `json:"tool_name,omitempty"`
	Args          string     `json:"args,omitempty"`
	Text          string     `json:"text,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	OutputRef     string     `json:"output_ref,omitempty"`
	AutoApproveAt *time.Time `json:"auto_approve_at,omitempty"`
	Time          time.Time  `json:"time"`
}

// Notifier receives outbound events.
type Notifier interface {
	Publish(event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

// Publish calls f.
func (f NotifierFunc) Publish(event Event) {
	f(event)
}

// Discard drops every event.
var Discard Notifier = NotifierFunc(func(Event) {})

// NewRunID creates an id for one orchestration run.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID adds a run id to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDContextKey{}, runID)
}

// RunIDFromContext reads the run id from context.
func RunIDFromContext(ctx context.Context) string {
	v := ctx.Value(runIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
