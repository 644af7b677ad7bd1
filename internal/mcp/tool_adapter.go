package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"
)

type toolAdapter struct {
	manager    *Manager
	serverName string
	toolName   string
	fullName   string
	desc       string
	params     *schema.ParamsOneOf
}

func newToolAdapter(manager *Manager, serverName string, def ToolDefinition) *toolAdapter {
	toolName := strings.TrimSpace(def.Name)
	desc := strings.TrimSpace(def.Description)
	if desc == "" {
		desc = toolName
	}

	return &toolAdapter{
		manager:    manager,
		serverName: strings.TrimSpace(serverName),
		toolName:   toolName,
		fullName:   ToolName(serverName, toolName),
		desc:       desc,
		params:     paramsFromSchema(serverName, toolName, def.InputSchema),
	}
}

// ToolName returns the registry name for an MCP tool.
func ToolName(serverName, toolName string) string {
	return strings.TrimSpace(serverName) + ToolNameSeparator + strings.TrimSpace(toolName)
}

func paramsFromSchema(serverName, toolName string, raw json.RawMessage) *schema.ParamsOneOf {
	if len(raw) == 0 {
		return nil
	}
	js := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, js); err != nil {
		slog.Warn("ignoring invalid mcp input schema", "server", serverName, "tool", toolName, "error", err)
		return nil
	}
	return schema.NewParamsOneOfByJSONSchema(js)
}

func (a *toolAdapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name:        a.fullName,
		Desc:        a.desc,
		ParamsOneOf: a.params,
		Extra: map[string]any{
			"provider": "mcp",
			"server":   a.serverName,
			"tool":     a.toolName,
		},
	}, nil
}

// InvokableRun returns the server's output. A result flagged as an error
// becomes a *ToolError.
func (a *toolAdapter) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	if a.manager == nil {
		return "", fmt.Errorf("mcp manager is not configured")
	}
	result, err := a.manager.CallTool(ctx, a.serverName, a.toolName, argsJSON)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return "", &ToolError{Server: a.serverName, Tool: a.toolName, Content: result.Content}
	}
	content := strings.TrimSpace(result.Content)
	if content == "" {
		return "(no output)", nil
	}
	return result.Content, nil
}
