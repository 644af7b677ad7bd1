package tools

import (
	"context"
	"strings"
)

type invocationContextKey struct{}

// InvocationContext carries orchestration metadata for tool execution.
type InvocationContext struct {
	RunID             string
	ToolCallID        string
	ApprovalRequestID string
	OutputRef         string
}

// WithInvocationContext stores invocation metadata in context for tools.
func WithInvocationContext(ctx context.Context, meta InvocationContext) context.Context {
	return context.WithValue(ctx, invocationContextKey{}, meta)
}

// InvocationFromContext reads invocation metadata from context.
func InvocationFromContext(ctx context.Context) InvocationContext {
	v := ctx.Value(invocationContextKey{})
	meta, ok := v.(InvocationContext)
	if !ok {
		return InvocationContext{}
	}
	meta.RunID = strings.TrimSpace(meta.RunID)
	meta.ToolCallID = strings.TrimSpace(meta.ToolCallID)
	meta.ApprovalRequestID = strings.TrimSpace(meta.ApprovalRequestID)
	meta.OutputRef = strings.TrimSpace(meta.OutputRef)
	return meta
}
