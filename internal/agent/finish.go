package agent

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// finishReason is a provider independent stop reason.
type finishReason string

const (
	finishToolCalls     finishReason = "tool_calls"
	finishStop          finishReason = "stop"
	finishContentFilter finishReason = "content_filter"
	finishLength        finishReason = "length"
	finishUnknown       finishReason = "unknown"
)

// normalizeFinishReason maps OpenAI, Anthropic and Ollama stop reasons onto
// finishReason. A missing reason is inferred from the presence of tool calls.
func normalizeFinishReason(msg *schema.Message) (finishReason, string) {
	raw := ""
	if msg != nil && msg.ResponseMeta != nil {
		raw = msg.ResponseMeta.FinishReason
	}

	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "tool_calls", "tool_use", "function_call":
		return finishToolCalls, raw
	case "stop", "end_turn", "stop_sequence":
		// Ollama reports "stop" on turns that carry tool calls.
		if len(msg.ToolCalls) > 0 {
			return finishToolCalls, raw
		}
		return finishStop, raw
	case "content_filter":
		return finishContentFilter, raw
	case "length", "max_tokens":
		return finishLength, raw
	case "":
		if msg != nil && len(msg.ToolCalls) > 0 {
			return finishToolCalls, raw
		}
		return finishStop, raw
	default:
		return finishUnknown, raw
	}
}
