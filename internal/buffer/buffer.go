// Package buffer keeps raw tool outputs so later tool calls can consume them
// by reference instead of having the model copy them through its context.
//
// Chaining protocol: a tool input object may carry the field "output_ref"
// holding an id issued by Store. Before the tool runs, the field is removed
// and the field "template" is set to the stored content, unchanged.
//
// Tool inputs are JSON, so only valid UTF-8 can travel in "template". A
// reference to content that is not valid UTF-8 is left unresolved rather
// than passed on altered.
package buffer

import (
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// RefField is the reserved tool input field that names a stored output.
	RefField = "output_ref"
	// TemplateField receives the stored content when RefField resolves.
	TemplateField = "template"
)

// Entry is one buffered tool output.
type Entry struct {
	ID        string
	ToolName  string
	Content   string
	Timestamp time.Time
}

// Buffer is a keyed store of raw tool outputs. It is safe for concurrent use.
type Buffer struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
	newID   func() string
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{
		entries: make(map[string]Entry),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Store saves content and returns its fresh id.
func (b *Buffer) Store(toolName, content string) string {
	id := b.newID()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[id] = Entry{
		ID:        id,
		ToolName:  toolName,
		Content:   content,
		Timestamp: b.now().UTC(),
	}
	return id
}

// Get returns the stored content for id.
func (b *Buffer) Get(id string) (string, bool) {
	entry, ok := b.Entry(id)
	return entry.Content, ok
}

// Entry returns the full record for id.
func (b *Buffer) Entry(id string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[id]
	return entry, ok
}

// Len returns the number of stored outputs.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear drops every stored output.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]Entry)
}

// Resolution describes what Resolve did with a tool input.
type Resolution struct {
	// Ref is the id found in RefField, empty when the input carried none.
	Ref string
	// Resolved is true when Ref was found and substituted.
	Resolved bool
	// NotUTF8 is true when Ref was found but its content cannot be carried
	// in JSON unchanged.
	NotUTF8 bool
}

// Missing reports a reference that could not be resolved.
func (r Resolution) Missing() bool {
	return r.Ref != "" && !r.Resolved
}

// Resolve applies the chaining protocol to a JSON tool input. Inputs that are
// not objects, carry no reference, or carry an unknown reference are returned
// unchanged.
func (b *Buffer) Resolve(argsJSON string) (string, Resolution) {
	var input map[string]json.RawMessage
	if err := json.Unmarshal([]byte(argsJSON), &input); err != nil || input == nil {
		return argsJSON, Resolution{}
	}

	rawRef, ok := input[RefField]
	if !ok {
		return argsJSON, Resolution{}
	}
	var ref string
	if err := json.Unmarshal(rawRef, &ref); err != nil || ref == "" {
		return argsJSON, Resolution{}
	}

	content, ok := b.Get(ref)
	if !ok {
		return argsJSON, Resolution{Ref: ref}
	}
	if !utf8.ValidString(content) {
		return argsJSON, Resolution{Ref: ref, NotUTF8: true}
	}

	encoded, err := json.Marshal(content)
	if err != nil {
		return argsJSON, Resolution{Ref: ref}
	}
	delete(input, RefField)
	input[TemplateField] = encoded

	out, err := json.Marshal(input)
	if err != nil {
		return argsJSON, Resolution{Ref: ref}
	}
	return string(out), Resolution{Ref: ref, Resolved: true}
}
