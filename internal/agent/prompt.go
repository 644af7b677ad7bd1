package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"
)

const defaultSystemPrompt = `You are YakShaver, an assistant that turns a recorded walkthrough into concrete work using the tools available to you.
Plan the steps needed to reach the user's goal, then call tools one at a time.
Every tool result carries an "output_ref" id. To pass a previous result into another tool unchanged, set "output_ref" in that tool's input instead of copying the content.
When the goal is reached, reply with a short summary of what was done.`

// buildMessages returns the system prompt and the first user message.
func buildMessages(systemPrompt, goal string, rc RunContext) []*schema.Message {
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = defaultSystemPrompt
	}
	return []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(renderGoal(goal, rc)),
	}
}

func renderGoal(goal string, rc RunContext) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(goal))

	if url := strings.TrimSpace(rc.VideoURL); url != "" {
		sb.WriteString("\n\nVideo: " + url)
	}
	if len(rc.Metadata) > 0 {
		keys := make([]string, 0, len(rc.Metadata))
		for k := range rc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString("\n\nDetails:")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("\n- %s: %s", k, rc.Metadata[k]))
		}
	}
	if transcript := strings.TrimSpace(rc.Transcript); transcript != "" {
		sb.WriteString("\n\nTranscript:\n" + transcript)
	}
	return sb.String()
}

// correctionMessage asks the model to revise a tool call the user rejected.
func correctionMessage(toolName, feedback, argsJSON string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("The user asked you to revise the %q tool call before it runs.", toolName))
	if fb := strings.TrimSpace(feedback); fb != "" {
		sb.WriteString("\nUser feedback: " + fb)
	}
	sb.WriteString("\nPrevious arguments: " + formatArgs(argsJSON))
	sb.WriteString("\nUpdate your plan using this feedback, then call the tool again with corrected arguments or choose a different tool.")
	return sb.String()
}

// formatArgs re-encodes the arguments as JSON, falling back to the raw text.
func formatArgs(argsJSON string) string {
	var v any
	if err := json.Unmarshal([]byte(argsJSON), &v); err != nil {
		return fmt.Sprint(argsJSON)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

type toolResult struct {
	OutputRef string `json:"output_ref"`
	Output    string `json:"output"`
}

// toolResultContent embeds the buffer id so later calls can chain the output.
func toolResultContent(ref, output string) string {
	var sb strings.Builder
	enc := json.NewEncoder(&sb)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(toolResult{OutputRef: ref, Output: output}); err != nil {
		return output
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
