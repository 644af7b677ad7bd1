package audit

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/SSWConsulting/yakshaver/internal/bus"
)

const defaultMaxFieldBytes = 2048

// Sink turns orchestration events into audit records. Reasoning and final
// results are not audited.
type Sink struct {
	writer   *Writer
	maxBytes int
}

// NewSink creates a sink that truncates args and outputs to maxBytes.
func NewSink(writer *Writer, maxBytes int) *Sink {
	if maxBytes <= 0 {
		maxBytes = defaultMaxFieldBytes
	}
	return &Sink{writer: writer, maxBytes: maxBytes}
}

// Run records events from ch until it is closed or ctx is done.
func (s *Sink) Run(ctx context.Context, ch <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Record(event); err != nil {
				slog.Warn("audit write failed", "type", event.Type, "run_id", event.RunID, "error", err)
			}
		}
	}
}

// Record appends one event when its type is audited.
func (s *Sink) Record(event bus.Event) error {
	rec, ok := s.toRecord(event)
	if !ok {
		return nil
	}
	return s.writer.Append(rec)
}

func (s *Sink) toRecord(event bus.Event) (Event, bool) {
	rec := Event{
		Time:       event.Time,
		Type:       string(event.Type),
		RunID:      event.RunID,
		RequestID:  event.RequestID,
		ToolCallID: event.ToolCallID,
		Tool:       event.ToolName,
		OutputRef:  event.OutputRef,
	}

	switch event.Type {
	case bus.EventApprovalRequired, bus.EventToolCall:
		rec.Args = truncate(event.Args, s.maxBytes)
	case bus.EventToolResult:
		rec.Result = truncate(event.Text, s.maxBytes)
	case bus.EventToolDenied:
		rec.Result = truncate(event.Reason, s.maxBytes)
	default:
		return Event{}, false
	}
	return rec, true
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}
