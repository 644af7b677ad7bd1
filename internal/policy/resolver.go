package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/SSWConsulting/yakshaver/internal/settings"
)

// Resolver reads approval settings through to the persisted store.
// It keeps no state between calls so mode and whitelist edits show up on
// the next Snapshot.
type Resolver struct {
	store settings.Store
}

// NewResolver creates a resolver over store.
func NewResolver(store settings.Store) *Resolver {
	return &Resolver{store: store}
}

// Snapshot is the approval policy for one loop iteration.
type Snapshot struct {
	Mode        settings.Mode
	whitelisted map[string]struct{}
}

// Snapshot fetches the current mode and whitelist.
func (r *Resolver) Snapshot(ctx context.Context) (Snapshot, error) {
	if r == nil || r.store == nil {
		return NewSnapshot(settings.DefaultMode, nil), nil
	}
	current, err := r.store.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load approval settings: %w", err)
	}
	return NewSnapshot(current.Mode, current.Whitelist), nil
}

// NewSnapshot builds a snapshot from already loaded values.
func NewSnapshot(mode settings.Mode, whitelist []settings.WhitelistEntry) Snapshot {
	set := make(map[string]struct{}, len(whitelist))
	for _, entry := range whitelist {
		id := normalizeToolName(entry.Identifier())
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return Snapshot{
		Mode:        normalizeMode(mode),
		whitelisted: set,
	}
}

// Whitelisted reports whether toolName is exempt from approval.
func (s Snapshot) Whitelisted(toolName string) bool {
	_, ok := s.whitelisted[normalizeToolName(toolName)]
	return ok
}

// RequiresApproval is false in yolo mode or for whitelisted tools.
func (s Snapshot) RequiresApproval(toolName string) bool {
	if s.Mode == settings.ModeYolo {
		return false
	}
	return !s.Whitelisted(toolName)
}

func normalizeMode(mode settings.Mode) settings.Mode {
	parsed, err := settings.ParseMode(string(mode))
	if err != nil {
		return settings.DefaultMode
	}
	return parsed
}

func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
