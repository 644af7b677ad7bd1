package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mode is the approval policy applied to tool calls.
type Mode string

const (
	// ModeYolo executes every tool call without asking.
	ModeYolo Mode = "yolo"
	// ModeWait asks, then approves automatically when nobody answers in time.
	ModeWait Mode = "wait"
	// ModeAsk blocks until a human decides.
	ModeAsk Mode = "ask"
)

// DefaultMode is used when nothing has been persisted yet.
const DefaultMode = ModeAsk

// ErrEntryNotFound is returned when removing an unknown whitelist entry.
var ErrEntryNotFound = errors.New("whitelist entry not found")

// ParseMode validates a user supplied mode string.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeYolo:
		return ModeYolo, nil
	case ModeWait:
		return ModeWait, nil
	case ModeAsk:
		return ModeAsk, nil
	default:
		return "", fmt.Errorf("invalid approval mode %q (expected yolo, wait or ask)", raw)
	}
}

// WhitelistEntry exempts one tool from approval.
type WhitelistEntry struct {
	ID         string    `json:"id" yaml:"id"`
	ServerName string    `json:"server_name,omitempty" yaml:"server_name,omitempty"`
	ToolName   string    `json:"tool_name" yaml:"tool_name"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
}

// Identifier is the tool name as the model sees it.
// MCP tools are registered as server__tool.
func (e WhitelistEntry) Identifier() string {
	return ToolIdentifier(e.ServerName, e.ToolName)
}

// ToolIdentifier joins a server and tool name the way the tool registry does.
func ToolIdentifier(serverName, toolName string) string {
	serverName = strings.TrimSpace(serverName)
	toolName = strings.TrimSpace(toolName)
	if serverName == "" {
		return toolName
	}
	return serverName + "__" + toolName
}

// Settings is the persisted approval configuration.
type Settings struct {
	Mode      Mode             `json:"approval_mode" yaml:"approval_mode"`
	Whitelist []WhitelistEntry `json:"whitelist" yaml:"whitelist"`
}

// Store persists approval settings.
type Store interface {
	Load(ctx context.Context) (Settings, error)
	SetMode(ctx context.Context, mode Mode) error
	// AddWhitelistEntry is idempotent per tool identifier and returns the stored entry.
	AddWhitelistEntry(ctx context.Context, serverName, toolName string) (WhitelistEntry, error)
	RemoveWhitelistEntry(ctx context.Context, id string) error
}

func normalizeMode(mode Mode) Mode {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return DefaultMode
	}
	return parsed
}
