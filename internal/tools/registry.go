package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// Definition is one tool as offered to the model.
type Definition struct {
	// Name is unique within the registry; MCP tools carry a server__ prefix.
	Name string
	// ServerName is the providing MCP server, empty for built-in tools.
	ServerName string
	Info       *schema.ToolInfo
	Tool       tool.InvokableTool
}

// Registry manages tools by name
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Definition
}

// NewRegistry creates a new registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

// Register adds a built-in tool.
func (r *Registry) Register(t tool.InvokableTool) error {
	return r.RegisterAs("", t)
}

// RegisterAs adds a tool provided by serverName.
func (r *Registry) RegisterAs(serverName string, t tool.InvokableTool) error {
	if t == nil {
		return fmt.Errorf("tool is nil")
	}
	info, err := t.Info(context.Background())
	if err != nil {
		return err
	}
	if info == nil || strings.TrimSpace(info.Name) == "" {
		return fmt.Errorf("tool info missing name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[info.Name]; exists {
		return fmt.Errorf("tool already registered: %s", info.Name)
	}
	r.tools[info.Name] = Definition{
		Name:       info.Name,
		ServerName: strings.TrimSpace(serverName),
		Info:       info,
		Tool:       t,
	}
	return nil
}

// Unregister removes every tool provided by serverName.
func (r *Registry) Unregister(serverName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, def := range r.tools {
		if def.ServerName == serverName {
			delete(r.tools, name)
			removed++
		}
	}
	return removed
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tools[name]
	return def, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect returns a copy of the registered tools keyed by name.
func (r *Registry) Collect(_ context.Context) (map[string]Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Definition, len(r.tools))
	for name, def := range r.tools {
		out[name] = def
	}
	return out, nil
}
