package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/version"
)

const initializeTimeout = 30 * time.Second

type sdkClient struct {
	client *mcpclient.Client
}

// NewConnector returns the production connector backed by mcp-go.
func NewConnector() Connector {
	return ConnectorFunc(connectSDK)
}

func connectSDK(ctx context.Context, serverName string, cfg config.MCPServerConfig) (Client, error) {
	c, err := startClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", serverName, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	defer cancel()

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    "yakshaver",
		Version: version.Version,
	}
	req.Params.Capabilities = mcp.ClientCapabilities{}

	if _, err := c.Initialize(initCtx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize %s: %w", serverName, err)
	}
	return &sdkClient{client: c}, nil
}

func startClient(ctx context.Context, cfg config.MCPServerConfig) (*mcpclient.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport)) {
	case config.MCPTransportStdio:
		stdio := transport.NewStdio(cfg.Command, envList(cfg.Env), cfg.Args...)
		if err := stdio.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start stdio transport: %w", err)
		}
		return mcpclient.NewClient(stdio), nil

	case config.MCPTransportSSE:
		var options []transport.ClientOption
		if len(cfg.Headers) > 0 {
			options = append(options, transport.WithHeaders(cfg.Headers))
		}
		c, err := mcpclient.NewSSEMCPClient(cfg.URL, options...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start SSE client: %w", err)
		}
		return c, nil

	case config.MCPTransportStreamable:
		var options []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			options = append(options, transport.WithHTTPHeaders(cfg.Headers))
		}
		c, err := mcpclient.NewStreamableHttpClient(cfg.URL, options...)
		if err != nil {
			return nil, err
		}
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start streamable HTTP client: %w", err)
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func (c *sdkClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	res, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	out := make([]ToolDefinition, 0, len(res.Tools))
	for _, t := range res.Tools {
		schemaJSON := t.RawInputSchema
		if len(schemaJSON) == 0 {
			schemaJSON, err = json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("marshal input schema for %s: %w", t.Name, err)
			}
		}
		out = append(out, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaJSON,
		})
	}
	return out, nil
}

func (c *sdkClient) CallTool(ctx context.Context, toolName, argsJSON string) (CallResult, error) {
	var arguments any
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed != "" && trimmed != "{}" {
		if !json.Valid([]byte(trimmed)) {
			return CallResult{}, fmt.Errorf("invalid JSON arguments for %s", toolName)
		}
		arguments = json.RawMessage(trimmed)
	}

	res, err := c.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: arguments,
		},
	})
	if err != nil {
		return CallResult{}, err
	}
	return renderCallResult(res), nil
}

func (c *sdkClient) Close() error {
	return c.client.Close()
}

// renderCallResult joins text content; anything else is returned as JSON.
func renderCallResult(res *mcp.CallToolResult) CallResult {
	if res == nil {
		return CallResult{Content: "(no output)"}
	}

	var parts []string
	textOnly := true
	for _, content := range res.Content {
		text, ok := mcp.AsTextContent(content)
		if !ok {
			textOnly = false
			break
		}
		parts = append(parts, text.Text)
	}

	out := CallResult{IsError: res.IsError}
	if textOnly && len(parts) > 0 && res.StructuredContent == nil {
		out.Content = strings.Join(parts, "\n")
		return out
	}

	data, err := json.Marshal(res)
	if err != nil {
		out.Content = strings.Join(parts, "\n")
		return out
	}
	out.Content = string(data)
	return out
}
