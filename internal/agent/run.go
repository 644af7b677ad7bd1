package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/audit"
	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/metrics"
	"github.com/SSWConsulting/yakshaver/internal/policy"
	"github.com/SSWConsulting/yakshaver/internal/render"
	"github.com/SSWConsulting/yakshaver/internal/tools"
)

// toolErrorExtraKey marks tool messages that report a failed or rejected call.
const toolErrorExtraKey = "is_error"

// Run executes one orchestration run for goal. The tool output buffer is
// cleared on every return path.
func (o *Orchestrator) Run(ctx context.Context, goal string, rc RunContext, opts RunOptions) (Result, error) {
	runID := resolveRunID(ctx, opts)
	if !o.begin(runID, goal) {
		return Result{RunID: runID}, ErrRunInProgress
	}
	return o.run(ctx, runID, goal, rc, opts)
}

// RunOutcome is what a run started with Start delivers.
type RunOutcome struct {
	Result Result
	Err    error
}

// Start reserves the orchestrator for a run and executes it in the
// background. It returns ErrRunInProgress without starting anything when
// another run is active. The channel receives exactly one outcome.
func (o *Orchestrator) Start(ctx context.Context, goal string, rc RunContext, opts RunOptions) (string, <-chan RunOutcome, error) {
	runID := resolveRunID(ctx, opts)
	if !o.begin(runID, goal) {
		return runID, nil, ErrRunInProgress
	}
	done := make(chan RunOutcome, 1)
	go func() {
		res, err := o.run(ctx, runID, goal, rc, opts)
		done <- RunOutcome{Result: res, Err: err}
		close(done)
	}()
	return runID, done, nil
}

func resolveRunID(ctx context.Context, opts RunOptions) string {
	if runID := strings.TrimSpace(opts.RunID); runID != "" {
		return runID
	}
	if runID := bus.RunIDFromContext(ctx); runID != "" {
		return runID
	}
	return bus.NewRunID()
}

// run is the loop body. The caller has already reserved the run with begin.
func (o *Orchestrator) run(ctx context.Context, runID, goal string, rc RunContext, opts RunOptions) (result Result, err error) {
	ctx = bus.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "agent.run", trace.WithAttributes(attribute.String("run.id", runID)))
	start := o.now()
	slog.Info("orchestration run started", "run_id", runID)

	defer func() {
		o.buffer.Clear()
		o.end()

		result.RunID = runID
		if err != nil && result.Outcome == "" {
			result.Outcome = OutcomeFailed
		}
		duration := o.now().Sub(start)
		o.metrics.RecordRun(string(result.Outcome), duration)

		span.SetAttributes(attribute.String("run.outcome", string(result.Outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("orchestration run failed", "run_id", runID, "outcome", result.Outcome, "duration_ms", duration.Milliseconds(), "error", err)
		} else {
			slog.Info("orchestration run finished", "run_id", runID, "outcome", result.Outcome, "duration_ms", duration.Milliseconds())
		}
		span.End()
	}()

	toolset, chat, err := o.prepareTools(ctx)
	if err != nil {
		return Result{}, err
	}

	systemPrompt := opts.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = o.systemPrompt
	}
	maxIterations := opts.MaxToolIterations
	if maxIterations <= 0 {
		maxIterations = o.maxIterations
	}

	messages := buildMessages(systemPrompt, goal, rc)

	for i := 0; i < maxIterations; i++ {
		// Settings are re-read every turn so mode and whitelist edits apply mid-run.
		snap, err := o.resolver.Snapshot(ctx)
		if err != nil {
			return Result{}, err
		}

		resp, err := o.generate(ctx, chat, messages, i)
		if err != nil {
			return Result{}, err
		}
		messages = append(messages, resp)

		reason, raw := normalizeFinishReason(resp)
		o.metrics.RecordModelTurn(string(reason))
		slog.Debug("model turn finished", "run_id", runID, "iteration", i, "finish_reason", raw, "tool_calls", len(resp.ToolCalls))

		switch reason {
		case finishToolCalls:
			if text := turnText(resp); text != "" {
				o.publish(bus.Event{Type: bus.EventReasoning, RunID: runID, Text: text})
			}
			for _, tc := range resp.ToolCalls {
				var denied *Result
				messages, denied, err = o.handleToolCall(ctx, runID, snap, toolset, tc, messages)
				if err != nil {
					return Result{}, err
				}
				if denied != nil {
					return *denied, nil
				}
			}

		case finishStop:
			text := render.StripThinking(resp.Content)
			o.publish(bus.Event{Type: bus.EventFinalResult, RunID: runID, Text: text})
			return Result{Outcome: OutcomeCompleted, Text: text}, nil

		case finishContentFilter:
			return Result{Outcome: OutcomeContentFiltered, Text: ContentFilteredMessage}, nil

		case finishLength:
			return Result{Outcome: OutcomeTruncated, Text: TruncatedMessage}, nil

		default:
			slog.Warn("unrecognized finish reason, ending run", "run_id", runID, "finish_reason", raw)
			return Result{Outcome: OutcomeUnknownFinish}, nil
		}
	}

	return Result{Outcome: OutcomeIterationsExhausted}, fmt.Errorf("%w after %d model turns", ErrIterationLimit, maxIterations)
}

// prepareTools collects the tool set once per run and binds it to the model.
func (o *Orchestrator) prepareTools(ctx context.Context) (map[string]tools.Definition, model.ToolCallingChatModel, error) {
	toolset, err := o.tools.Collect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("collect tools: %w", err)
	}
	if len(toolset) == 0 {
		return toolset, o.model, nil
	}

	names := make([]string, 0, len(toolset))
	for name := range toolset {
		names = append(names, name)
	}
	sort.Strings(names)

	infos := make([]*schema.ToolInfo, 0, len(names))
	for _, name := range names {
		infos = append(infos, toolset[name].Info)
	}
	chat, err := o.model.WithTools(infos)
	if err != nil {
		return nil, nil, fmt.Errorf("bind tools: %w", err)
	}
	return toolset, chat, nil
}

func (o *Orchestrator) generate(ctx context.Context, chat model.ToolCallingChatModel, messages []*schema.Message, iteration int) (*schema.Message, error) {
	ctx, span := o.tracer.Start(ctx, "agent.generate", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(messages)),
	))
	defer span.End()

	resp, err := chat.Generate(ctx, messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate: %w", err)
	}
	if resp == nil {
		return nil, errors.New("generate: model returned no message")
	}
	if resp.Role == "" {
		resp.Role = schema.Assistant
	}
	return resp, nil
}

// handleToolCall gates, executes and records one tool call. A non-nil Result
// means the user stopped the run.
func (o *Orchestrator) handleToolCall(ctx context.Context, runID string, snap policy.Snapshot, toolset map[string]tools.Definition, tc schema.ToolCall, messages []*schema.Message) ([]*schema.Message, *Result, error) {
	name := tc.Function.Name
	args := tc.Function.Arguments

	def, ok := toolset[name]
	if !ok {
		slog.Warn("model requested unknown tool", "run_id", runID, "tool", name)
		msg := schema.ToolMessage(fmt.Sprintf("Error: tool %q is not available", name), tc.ID)
		msg.Extra = map[string]any{toolErrorExtraKey: true}
		return append(messages, msg), nil, nil
	}

	var requestID string
	if snap.RequiresApproval(name) {
		d, err := o.gate.Await(ctx, approval.Input{
			RunID:      runID,
			ToolCallID: tc.ID,
			ToolName:   name,
			ServerName: def.ServerName,
			Args:       args,
			Mode:       snap.Mode,
		})
		o.metrics.SetPendingApprovals(len(o.gate.Pending()))
		if err != nil {
			return messages, nil, fmt.Errorf("await approval for %s: %w", name, err)
		}
		o.recordDecision(runID, tc.ID, name, d)
		requestID = d.RequestID

		switch d.Kind {
		case approval.KindApprove:
			if d.Whitelist {
				o.addToWhitelist(ctx, runID, def)
			}

		case approval.KindRequestChanges:
			correction := correctionMessage(name, d.Feedback, args)
			toolMsg := schema.ToolMessage(correction, tc.ID)
			toolMsg.Extra = map[string]any{toolErrorExtraKey: true}
			// The same text goes in as a user turn; tool results alone are easy to overlook.
			return append(messages, toolMsg, schema.UserMessage(correction)), nil, nil

		default:
			// Anything that is not an approval stops the run.
			if d.Kind != approval.KindDenyStop {
				slog.Warn("unrecognized approval decision, stopping run", "run_id", runID, "request_id", d.RequestID, "kind", d.Kind)
			}
			reason := approval.DenialMessage(d)
			o.publish(bus.Event{
				Type:       bus.EventToolDenied,
				RunID:      runID,
				RequestID:  d.RequestID,
				ToolCallID: tc.ID,
				ToolName:   name,
				Reason:     reason,
			})
			return messages, &Result{Outcome: OutcomeCancelled, Text: reason}, nil
		}
	} else {
		o.metrics.RecordApproval(metrics.ApprovalBypass)
	}

	content, ref, err := o.execute(ctx, runID, requestID, def, tc)
	if err != nil {
		return messages, nil, err
	}
	return append(messages, schema.ToolMessage(toolResultContent(ref, content), tc.ID)), nil, nil
}

// execute resolves buffer references, runs the tool and buffers its output.
func (o *Orchestrator) execute(ctx context.Context, runID, requestID string, def tools.Definition, tc schema.ToolCall) (string, string, error) {
	args, res := o.buffer.Resolve(tc.Function.Arguments)
	switch {
	case res.NotUTF8:
		slog.Warn("buffered output is not valid UTF-8, passing input unchanged", "run_id", runID, "tool", def.Name, "output_ref", res.Ref)
	case res.Missing():
		slog.Warn("unresolved output reference, passing input unchanged", "run_id", runID, "tool", def.Name, "output_ref", res.Ref)
	}

	o.publish(bus.Event{
		Type:       bus.EventToolCall,
		RunID:      runID,
		ToolCallID: tc.ID,
		ToolName:   def.Name,
		Args:       tc.Function.Arguments,
		OutputRef:  res.Ref,
	})

	ctx, span := o.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", def.Name),
		attribute.String("tool.server", def.ServerName),
	))
	defer span.End()

	toolCtx := tools.WithInvocationContext(ctx, tools.InvocationContext{
		RunID:             runID,
		ToolCallID:        tc.ID,
		ApprovalRequestID: requestID,
		OutputRef:         res.Ref,
	})

	start := o.now()
	content, err := def.Tool.InvokableRun(toolCtx, args)
	duration := o.now().Sub(start)
	o.metrics.RecordToolExecution(def.Name, duration, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", "", fmt.Errorf("tool %s: %w", def.Name, err)
	}
	slog.Info("tool execution finished", "run_id", runID, "tool", def.Name, "duration_ms", duration.Milliseconds())

	ref := o.buffer.Store(def.Name, content)
	o.publish(bus.Event{
		Type:       bus.EventToolResult,
		RunID:      runID,
		ToolCallID: tc.ID,
		ToolName:   def.Name,
		Text:       content,
		OutputRef:  ref,
	})
	return content, ref, nil
}

func (o *Orchestrator) addToWhitelist(ctx context.Context, runID string, def tools.Definition) {
	if o.store == nil {
		return
	}
	toolName := def.Name
	if def.ServerName != "" {
		toolName = strings.TrimPrefix(def.Name, def.ServerName+"__")
	}
	entry, err := o.store.AddWhitelistEntry(ctx, def.ServerName, toolName)
	if err != nil {
		slog.Warn("failed to whitelist tool", "run_id", runID, "tool", def.Name, "error", err)
		return
	}
	slog.Info("tool whitelisted", "run_id", runID, "tool", entry.Identifier(), "entry_id", entry.ID)
}

func (o *Orchestrator) recordDecision(runID, toolCallID, toolName string, d approval.Decision) {
	outcome := string(d.Kind)
	if d.Kind == approval.KindApprove && d.Auto {
		outcome = metrics.ApprovalAutoApprove
	}
	o.metrics.RecordApproval(outcome)

	if o.audit == nil {
		return
	}
	if err := o.audit.Append(audit.Event{
		Time:       o.now().UTC(),
		Type:       "approval_decision",
		RunID:      runID,
		RequestID:  d.RequestID,
		ToolCallID: toolCallID,
		Tool:       toolName,
		Result:     outcome,
	}); err != nil {
		slog.Warn("audit write failed", "run_id", runID, "request_id", d.RequestID, "error", err)
	}
}

// turnText is the reasoning shown for a tool-calling turn: inline think
// blocks, else the plain content, else the provider's reasoning field.
func turnText(msg *schema.Message) string {
	reasoning, answer := render.SplitThinking(msg.Content)
	if reasoning != "" {
		return reasoning
	}
	if text := strings.TrimSpace(answer); text != "" {
		return text
	}
	return strings.TrimSpace(msg.ReasoningContent)
}
