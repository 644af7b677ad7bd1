// Package agent runs the tool-calling loop: it drives the chat model, gates
// tool calls behind human approval and chains tool outputs through a buffer.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/audit"
	"github.com/SSWConsulting/yakshaver/internal/buffer"
	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/metrics"
	"github.com/SSWConsulting/yakshaver/internal/policy"
	"github.com/SSWConsulting/yakshaver/internal/settings"
	"github.com/SSWConsulting/yakshaver/internal/tools"
)

const tracerName = "github.com/SSWConsulting/yakshaver/internal/agent"

// ToolCollector supplies the tools offered to the model for one run.
type ToolCollector interface {
	Collect(ctx context.Context) (map[string]tools.Definition, error)
}

// Options wires an Orchestrator. Model, Tools and Settings are required.
type Options struct {
	Model    model.ToolCallingChatModel
	Tools    ToolCollector
	Settings settings.Store

	// Notifier receives outbound events; nil discards them.
	Notifier bus.Notifier
	Metrics  *metrics.Metrics
	// Audit records approval decisions; events are audited separately.
	Audit  *audit.Writer
	Tracer trace.Tracer

	AutoApproveDelay  time.Duration
	MaxToolIterations int
	SystemPrompt      string
}

// RunStatus describes the active run.
type RunStatus struct {
	RunID     string    `json:"run_id"`
	Goal      string    `json:"goal"`
	StartedAt time.Time `json:"started_at"`
}

// Orchestrator owns the state of the tool loop. One run may be active at a time.
type Orchestrator struct {
	model    model.ToolCallingChatModel
	tools    ToolCollector
	store    settings.Store
	resolver *policy.Resolver
	gate     *approval.Gate
	buffer   *buffer.Buffer
	notifier bus.Notifier
	metrics  *metrics.Metrics
	audit    *audit.Writer
	tracer   trace.Tracer

	maxIterations int
	systemPrompt  string
	now           func() time.Time

	mu      sync.Mutex
	current *RunStatus
}

// New builds an orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Model == nil {
		return nil, ErrNoModel
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry()
	}
	if opts.Notifier == nil {
		opts.Notifier = bus.Discard
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.MaxToolIterations <= 0 {
		opts.MaxToolIterations = config.DefaultMaxToolIterations
	}

	o := &Orchestrator{
		model:         opts.Model,
		tools:         opts.Tools,
		store:         opts.Settings,
		resolver:      policy.NewResolver(opts.Settings),
		buffer:        buffer.New(),
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		tracer:        opts.Tracer,
		maxIterations: opts.MaxToolIterations,
		systemPrompt:  opts.SystemPrompt,
		now:           time.Now,
	}
	o.gate = approval.NewGate(bus.NotifierFunc(o.publishFromGate), opts.AutoApproveDelay)
	return o, nil
}

// ResolveApproval delivers a decision for a pending request. It returns false
// when the decision is invalid or the request is unknown or already resolved.
// An invalid decision leaves the request pending.
func (o *Orchestrator) ResolveApproval(requestID string, d approval.Decision) bool {
	if err := d.Validate(); err != nil {
		slog.Warn("rejected approval decision", "request_id", requestID, "error", err)
		return false
	}
	ok := o.gate.Resolve(strings.TrimSpace(requestID), d)
	o.metrics.SetPendingApprovals(len(o.gate.Pending()))
	return ok
}

// CancelAllPending denies every request still awaiting a decision.
func (o *Orchestrator) CancelAllPending(reason string) {
	o.gate.CancelAllPending(reason)
	o.metrics.SetPendingApprovals(0)
}

// PendingApprovals lists requests awaiting a decision, oldest first.
func (o *Orchestrator) PendingApprovals() []approval.Request {
	return o.gate.Pending()
}

// AutoApproveDelay is the wait-mode delay.
func (o *Orchestrator) AutoApproveDelay() time.Duration {
	return o.gate.AutoApproveDelay()
}

// Current returns the active run, if any.
func (o *Orchestrator) Current() (RunStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return RunStatus{}, false
	}
	return *o.current, true
}

// BufferLen reports how many tool outputs are buffered.
func (o *Orchestrator) BufferLen() int {
	return o.buffer.Len()
}

func (o *Orchestrator) begin(runID, goal string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		return false
	}
	o.current = &RunStatus{RunID: runID, Goal: goal, StartedAt: o.now().UTC()}
	return true
}

func (o *Orchestrator) end() {
	o.mu.Lock()
	o.current = nil
	o.mu.Unlock()
}

func (o *Orchestrator) publish(event bus.Event) {
	if event.Time.IsZero() {
		event.Time = o.now().UTC()
	}
	o.notifier.Publish(event)
}

func (o *Orchestrator) publishFromGate(event bus.Event) {
	o.publish(event)
	if event.Type == bus.EventApprovalRequired {
		o.metrics.SetPendingApprovals(len(o.gate.Pending()))
	}
}
