package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/tools"
)

const (
	reconnectMaxAttempts = 3
	reconnectBaseBackoff = 250 * time.Millisecond
)

type serverState struct {
	cfg    config.MCPServerConfig
	client Client
	tools  []ToolDefinition
	status ServerStatus
}

// Manager connects configured MCP servers and exposes their tools.
type Manager struct {
	mu        sync.RWMutex
	connector Connector
	servers   map[string]*serverState
	backoff   time.Duration
}

// NewManager builds a manager for the enabled servers in cfg.
func NewManager(servers map[string]config.MCPServerConfig, connector Connector) *Manager {
	state := make(map[string]*serverState, len(servers))
	for name, cfg := range servers {
		if !config.IsMCPServerEnabled(cfg) {
			continue
		}
		cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
		state[name] = &serverState{
			cfg:    cfg,
			status: ServerStatus{Name: name, Transport: cfg.Transport},
		}
	}
	if connector == nil {
		connector = NewConnector()
	}
	return &Manager{
		connector: connector,
		servers:   state,
		backoff:   reconnectBaseBackoff,
	}
}

// Connect dials every server. A failing server is marked degraded and
// does not fail the others.
func (m *Manager) Connect(ctx context.Context) error {
	for _, name := range m.serverNames() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cfg, ok := m.serverConfig(name)
		if !ok {
			continue
		}

		client, discovered, err := m.connectAndDiscover(ctx, name, cfg)
		if err != nil {
			slog.Warn("mcp server unavailable", "server", name, "error", err)
			m.markDegraded(name, fmt.Sprintf("connect failed: %v", err))
			continue
		}
		m.markConnected(name, client, discovered, "")
		slog.Info("mcp server connected", "server", name, "tools", len(discovered))
	}
	return nil
}

// RegisterTools adds an adapter per discovered tool, named server__tool.
func (m *Manager) RegisterTools(reg *tools.Registry) error {
	if reg == nil {
		return fmt.Errorf("registry is required")
	}
	for _, adapter := range m.adapters() {
		if err := reg.RegisterAs(adapter.serverName, adapter); err != nil {
			return err
		}
	}
	return nil
}

// CallTool routes a call to serverName, reconnecting once with backoff when
// the transport fails.
func (m *Manager) CallTool(ctx context.Context, serverName, toolName, argsJSON string) (CallResult, error) {
	client, err := m.ensureConnectedClient(ctx, serverName)
	if err != nil {
		return CallResult{}, err
	}

	result, callErr := client.CallTool(ctx, toolName, argsJSON)
	if callErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return CallResult{}, callErr
	}

	if err := m.reconnectServer(ctx, serverName, fmt.Sprintf("tool call failed: %v", callErr)); err != nil {
		return CallResult{}, fmt.Errorf("mcp server %s call failed: %v; reconnect failed: %w", serverName, callErr, err)
	}
	client, err = m.currentClient(serverName)
	if err != nil {
		return CallResult{}, err
	}
	result, callErr = client.CallTool(ctx, toolName, argsJSON)
	if callErr != nil {
		m.markDegraded(serverName, fmt.Sprintf("tool call failed after reconnect: %v", callErr))
		return CallResult{}, fmt.Errorf("mcp server %s call failed after reconnect: %w", serverName, callErr)
	}
	return result, nil
}

// Statuses returns per-server state sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServerStatus, 0, len(m.servers))
	for _, name := range sortedKeys(m.servers) {
		out = append(out, m.servers[name].status)
	}
	return out
}

// Close disconnects every server.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, state := range m.servers {
		if state.client == nil {
			continue
		}
		if err := state.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close mcp server %s: %w", name, err)
		}
		state.client = nil
		state.status.Connected = false
	}
	return firstErr
}

func (m *Manager) ensureConnectedClient(ctx context.Context, serverName string) (Client, error) {
	m.mu.RLock()
	state := m.servers[serverName]
	if state == nil {
		m.mu.RUnlock()
		return nil, fmt.Errorf("mcp server not found: %s", serverName)
	}
	client := state.client
	reason := strings.TrimSpace(state.status.Message)
	needsReconnect := state.status.Degraded || client == nil
	m.mu.RUnlock()

	if !needsReconnect {
		return client, nil
	}
	if reason == "" {
		reason = "server not connected"
	}
	if err := m.reconnectServer(ctx, serverName, reason); err != nil {
		return nil, fmt.Errorf("mcp server %s unavailable: %w", serverName, err)
	}
	return m.currentClient(serverName)
}

func (m *Manager) currentClient(serverName string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := m.servers[serverName]
	if state == nil {
		return nil, fmt.Errorf("mcp server not found: %s", serverName)
	}
	if state.client == nil {
		return nil, fmt.Errorf("mcp server %s is not connected", serverName)
	}
	return state.client, nil
}

func (m *Manager) reconnectServer(ctx context.Context, serverName, reason string) error {
	cfg, ok := m.serverConfig(serverName)
	if !ok {
		return fmt.Errorf("mcp server not found: %s", serverName)
	}

	var lastErr error
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		if attempt > 1 {
			if err := m.waitBackoff(ctx, attempt-1); err != nil {
				return err
			}
		}
		client, discovered, err := m.connectAndDiscover(ctx, serverName, cfg)
		if err == nil {
			m.markConnected(serverName, client, discovered, fmt.Sprintf("recovered after %d reconnect attempt(s)", attempt))
			slog.Info("mcp server reconnected", "server", serverName, "attempt", attempt)
			return nil
		}
		lastErr = err
	}

	m.markDegraded(serverName, fmt.Sprintf("%s; reconnect failed after %d attempts: %v", strings.TrimSpace(reason), reconnectMaxAttempts, lastErr))
	return fmt.Errorf("reconnect failed after %d attempts: %w", reconnectMaxAttempts, lastErr)
}

func (m *Manager) waitBackoff(ctx context.Context, retry int) error {
	timer := time.NewTimer(time.Duration(retry) * m.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) connectAndDiscover(ctx context.Context, serverName string, cfg config.MCPServerConfig) (Client, []ToolDefinition, error) {
	client, err := m.connector.Connect(ctx, serverName, cfg)
	if err != nil {
		return nil, nil, err
	}
	discovered, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("list tools failed: %w", err)
	}
	return client, filterTools(discovered, cfg), nil
}

// filterTools applies allowed_tools then excluded_tools.
func filterTools(defs []ToolDefinition, cfg config.MCPServerConfig) []ToolDefinition {
	allowed := toSet(cfg.AllowedTools)
	excluded := toSet(cfg.ExcludedTools)

	out := make([]ToolDefinition, 0, len(defs))
	for _, def := range defs {
		name := strings.TrimSpace(def.Name)
		if name == "" {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[name]; !ok {
				continue
			}
		}
		if _, ok := excluded[name]; ok {
			continue
		}
		out = append(out, def)
	}
	return out
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func (m *Manager) markConnected(name string, client Client, discovered []ToolDefinition, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.servers[name]
	if state == nil {
		return
	}
	if state.client != nil && state.client != client {
		_ = state.client.Close()
	}
	state.client = client
	state.tools = append([]ToolDefinition(nil), discovered...)
	state.status.Connected = true
	state.status.Degraded = false
	state.status.ToolCount = len(discovered)
	state.status.Message = strings.TrimSpace(message)
}

func (m *Manager) markDegraded(name, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.servers[name]
	if state == nil {
		return
	}
	if state.client != nil {
		_ = state.client.Close()
	}
	state.client = nil
	state.status.Connected = false
	state.status.Degraded = true
	state.status.Message = strings.TrimSpace(msg)
}

func (m *Manager) adapters() []*toolAdapter {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*toolAdapter
	for _, serverName := range sortedKeys(m.servers) {
		state := m.servers[serverName]
		if state.status.Degraded || state.client == nil {
			continue
		}
		for _, def := range state.tools {
			out = append(out, newToolAdapter(m, serverName, def))
		}
	}
	return out
}

func (m *Manager) serverNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.servers)
}

func (m *Manager) serverConfig(name string) (config.MCPServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state := m.servers[name]
	if state == nil {
		return config.MCPServerConfig{}, false
	}
	return state.cfg, true
}

func sortedKeys(servers map[string]*serverState) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
