package mcp

import (
	"context"
	"encoding/json"

	"github.com/SSWConsulting/yakshaver/internal/config"
)

// ToolNameSeparator joins server and tool names in registered tool names.
const ToolNameSeparator = "__"

// ToolDefinition describes a tool discovered from an MCP server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// CallResult is the rendered outcome of one tools/call request.
type CallResult struct {
	Content string
	IsError bool
}

// Client is the MCP client abstraction used by the manager.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, toolName, argsJSON string) (CallResult, error)
	Close() error
}

// Connector dials a server and returns an initialized client.
type Connector interface {
	Connect(ctx context.Context, serverName string, cfg config.MCPServerConfig) (Client, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, serverName string, cfg config.MCPServerConfig) (Client, error)

func (f ConnectorFunc) Connect(ctx context.Context, serverName string, cfg config.MCPServerConfig) (Client, error) {
	return f(ctx, serverName, cfg)
}

// ServerStatus represents current manager state for one configured server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Connected bool   `json:"connected"`
	Degraded  bool   `json:"degraded"`
	ToolCount int    `json:"tool_count"`
	Message   string `json:"message,omitempty"`
}

// ToolError is returned when a server reports a failed tool call.
type ToolError struct {
	Server  string
	Tool    string
	Content string
}

func (e *ToolError) Error() string {
	return "mcp tool " + e.Server + ToolNameSeparator + e.Tool + " failed: " + e.Content
}
