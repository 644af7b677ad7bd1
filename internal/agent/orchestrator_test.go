package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/settings"
	"github.com/SSWConsulting/yakshaver/internal/tools"
)

type turnFunc func(input []*schema.Message) (*schema.Message, error)

// scriptedModel answers each Generate call with the next turn.
type scriptedModel struct {
	mu     sync.Mutex
	turns  []turnFunc
	inputs [][]*schema.Message
	bound  []*schema.ToolInfo
}

func (m *scriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	index := len(m.inputs) - 1
	if index >= len(m.turns) {
		return nil, fmt.Errorf("unexpected model call %d", index+1)
	}
	return m.turns[index](input)
}

func (m *scriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func (m *scriptedModel) WithTools(infos []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bound = infos
	return m, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *scriptedModel) input(i int) []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[i]
}

type fakeTool struct {
	name   string
	output string
	err    error
	// onRun runs before the tool returns.
	onRun func()

	mu          sync.Mutex
	args        []string
	invocations []tools.InvocationContext
}

func (f *fakeTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: f.name, Desc: "fake " + f.name}, nil
}

func (f *fakeTool) InvokableRun(ctx context.Context, args string, opts ...tool.Option) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.args = append(f.args, args)
	f.invocations = append(f.invocations, tools.InvocationFromContext(ctx))
	if f.onRun != nil {
		f.onRun()
	}
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

func (f *fakeTool) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.args...)
}

func (f *fakeTool) invocation(i int) tools.InvocationContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.invocations[i]
}

type eventLog struct {
	mu        sync.Mutex
	events    []bus.Event
	approvals chan bus.Event
}

func newEventLog() *eventLog {
	return &eventLog{approvals: make(chan bus.Event, 16)}
}

func (l *eventLog) Publish(e bus.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	if e.Type == bus.EventApprovalRequired {
		l.approvals <- e
	}
}

func (l *eventLog) types() []bus.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]bus.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *eventLog) count(t bus.EventType) int {
	n := 0
	for _, got := range l.types() {
		if got == t {
			n++
		}
	}
	return n
}

func (l *eventLog) nextApproval(t *testing.T) bus.Event {
	t.Helper()
	select {
	case e := <-l.approvals:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval request")
		return bus.Event{}
	}
}

type harness struct {
	orch     *Orchestrator
	model    *scriptedModel
	store    *settings.FileStore
	events   *eventLog
	registry *tools.Registry
}

func newHarness(t *testing.T, mode settings.Mode, turns ...turnFunc) *harness {
	t.Helper()

	store := settings.NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := store.SetMode(context.Background(), mode); err != nil {
		t.Fatalf("SetMode error: %v", err)
	}

	h := &harness{
		model:    &scriptedModel{turns: turns},
		store:    store,
		events:   newEventLog(),
		registry: tools.NewRegistry(),
	}
	orch, err := New(Options{
		Model:            h.model,
		Tools:            h.registry,
		Settings:         store,
		Notifier:         h.events,
		AutoApproveDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	h.orch = orch
	return h
}

func (h *harness) addTool(t *testing.T, server string, ft *fakeTool) *fakeTool {
	t.Helper()
	if err := h.registry.RegisterAs(server, ft); err != nil {
		t.Fatalf("RegisterAs error: %v", err)
	}
	return ft
}

type runOutcome struct {
	result Result
	err    error
}

func (h *harness) runAsync(opts RunOptions) <-chan runOutcome {
	ch := make(chan runOutcome, 1)
	go func() {
		res, err := h.orch.Run(context.Background(), "Create a bug for the login issue", RunContext{Transcript: "the login button is broken"}, opts)
		ch <- runOutcome{result: res, err: err}
	}()
	return ch
}

func waitRun(t *testing.T, ch <-chan runOutcome) runOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for run to finish")
		return runOutcome{}
	}
}

func call(id, name, args string) schema.ToolCall {
	return schema.ToolCall{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: args},
	}
}

func toolTurn(text string, calls ...schema.ToolCall) turnFunc {
	return func([]*schema.Message) (*schema.Message, error) {
		return &schema.Message{
			Role:         schema.Assistant,
			Content:      text,
			ToolCalls:    calls,
			ResponseMeta: &schema.ResponseMeta{FinishReason: "tool_calls"},
		}, nil
	}
}

func finishTurn(reason, text string) turnFunc {
	return func([]*schema.Message) (*schema.Message, error) {
		return &schema.Message{
			Role:         schema.Assistant,
			Content:      text,
			ResponseMeta: &schema.ResponseMeta{FinishReason: reason},
		}, nil
	}
}

// lastToolResult decodes the newest tool message in a model input.
func lastToolResult(input []*schema.Message) (toolResult, error) {
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role == schema.Tool {
			var tr toolResult
			if err := json.Unmarshal([]byte(input[i].Content), &tr); err != nil {
				return toolResult{}, fmt.Errorf("tool message is not a chained result: %q", input[i].Content)
			}
			return tr, nil
		}
	}
	return toolResult{}, errors.New("no tool message in model input")
}

func TestRun_AskModeApprovedToolRunsOnce(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("I'll create the issue.", call("call-1", "create_issue", `{"title":"Login broken"}`)),
		finishTurn("stop", "Created issue #42"),
	)
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: `{"number":42}`})

	done := h.runAsync(RunOptions{})
	evt := h.events.nextApproval(t)
	if evt.ToolName != "create_issue" || evt.Args != `{"title":"Login broken"}` {
		t.Fatalf("unexpected approval event %+v", evt)
	}
	if evt.AutoApproveAt != nil {
		t.Fatal("ask mode must not carry an auto-approve deadline")
	}
	if pending := h.orch.PendingApprovals(); len(pending) != 1 || pending[0].ID != evt.RequestID {
		t.Fatalf("expected request %q pending, got %+v", evt.RequestID, pending)
	}
	if !h.orch.ResolveApproval(evt.RequestID, approval.Approve()) {
		t.Fatal("expected resolve to succeed")
	}

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if out.result.Outcome != OutcomeCompleted || out.result.Text != "Created issue #42" {
		t.Fatalf("unexpected result %+v", out.result)
	}
	if got := len(issue.calls()); got != 1 {
		t.Fatalf("expected tool to run once, got %d", got)
	}
	if h.model.calls() != 2 {
		t.Fatalf("expected 2 model calls, got %d", h.model.calls())
	}
	if h.orch.ResolveApproval(evt.RequestID, approval.Approve()) {
		t.Fatal("expected second resolve to be a no-op")
	}

	want := []bus.EventType{bus.EventReasoning, bus.EventApprovalRequired, bus.EventToolCall, bus.EventToolResult, bus.EventFinalResult}
	if got := h.events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	if len(h.model.bound) != 1 || h.model.bound[0].Name != "create_issue" {
		t.Fatalf("expected tools bound to the model, got %+v", h.model.bound)
	}
}

func TestRun_YoloModeNeverAsks(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "search", `{}`), call("c2", "create_issue", `{}`)),
		toolTurn("", call("c3", "create_issue", `{}`)),
		finishTurn("end_turn", "done"),
	)
	search := h.addTool(t, "", &fakeTool{name: "search", output: "results"})
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if n := h.events.count(bus.EventApprovalRequired); n != 0 {
		t.Fatalf("expected no approval requests, got %d", n)
	}
	if len(search.calls()) != 1 || len(issue.calls()) != 2 {
		t.Fatalf("unexpected tool calls: search=%d issue=%d", len(search.calls()), len(issue.calls()))
	}
	if n := h.events.count(bus.EventReasoning); n != 0 {
		t.Fatalf("expected no reasoning events for empty text, got %d", n)
	}
}

func TestRun_WaitModeAutoApproves(t *testing.T) {
	h := newHarness(t, settings.ModeWait,
		toolTurn("", call("c1", "create_issue", `{"title":"x"}`)),
		finishTurn("stop", "done"),
	)
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	start := time.Now()
	done := h.runAsync(RunOptions{})
	evt := h.events.nextApproval(t)
	if evt.AutoApproveAt == nil {
		t.Fatal("wait mode must carry an auto-approve deadline")
	}

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("auto-approval fired early after %s", elapsed)
	}
	if len(issue.calls()) != 1 {
		t.Fatalf("expected tool to run via auto-approval, got %d calls", len(issue.calls()))
	}
	want := []bus.EventType{bus.EventApprovalRequired, bus.EventToolCall, bus.EventToolResult, bus.EventFinalResult}
	if got := h.events.types(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
}

func TestRun_RequestChangesContinuesBatchWithoutModelCall(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{"project":"Alpha"}`), call("c2", "add_comment", `{"text":"hi"}`)),
		finishTurn("stop", "revised"),
	)
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})
	comment := h.addTool(t, "", &fakeTool{name: "add_comment", output: "ok"})

	done := h.runAsync(RunOptions{})
	first := h.events.nextApproval(t)
	if !h.orch.ResolveApproval(first.RequestID, approval.RequestChanges("wrong project")) {
		t.Fatal("expected resolve to succeed")
	}
	second := h.events.nextApproval(t)
	if second.ToolName != "add_comment" {
		t.Fatalf("expected next call in batch, got %q", second.ToolName)
	}
	if h.model.calls() != 1 {
		t.Fatalf("expected no model call between batch entries, got %d calls", h.model.calls())
	}
	h.orch.ResolveApproval(second.RequestID, approval.Approve())

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if len(issue.calls()) != 0 || len(comment.calls()) != 1 {
		t.Fatalf("unexpected executions: issue=%d comment=%d", len(issue.calls()), len(comment.calls()))
	}

	input := h.model.input(1)
	var toolMsg, userMsg *schema.Message
	for _, m := range input[3:] {
		switch {
		case m.Role == schema.Tool && m.ToolCallID == "c1":
			toolMsg = m
		case m.Role == schema.User:
			userMsg = m
		}
	}
	if toolMsg == nil || userMsg == nil {
		t.Fatalf("expected correction tool and user messages, got %+v", input)
	}
	for _, m := range []*schema.Message{toolMsg, userMsg} {
		if !strings.Contains(m.Content, "wrong project") {
			t.Fatalf("expected feedback in %q", m.Content)
		}
		if !strings.Contains(m.Content, `{"project":"Alpha"}`) {
			t.Fatalf("expected previous arguments in %q", m.Content)
		}
	}
	if isErr, _ := toolMsg.Extra[toolErrorExtraKey].(bool); !isErr {
		t.Fatal("expected correction tool message to be marked as an error")
	}
	if toolMsg.Content != userMsg.Content {
		t.Fatal("expected the same correction text in both messages")
	}
}

func TestRun_StopClearsBufferAndEmitsOneFinalResult(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "fetch", `{}`)),
		finishTurn("stop", "all done"),
	)
	h.addTool(t, "", &fakeTool{name: "fetch", output: "payload"})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if h.orch.BufferLen() != 0 {
		t.Fatalf("expected empty buffer after run, got %d entries", h.orch.BufferLen())
	}
	if n := h.events.count(bus.EventFinalResult); n != 1 {
		t.Fatalf("expected exactly one final_result, got %d", n)
	}
	if out.result.RunID == "" {
		t.Fatal("expected run id on result")
	}
}

func (l *eventLog) textOf(t bus.EventType) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e.Text)
		}
	}
	return out
}

func TestRun_SeparatesThinkBlocks(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("<think>need the repo first</think>Looking it up.", call("c1", "fetch", `{}`)),
		finishTurn("stop", "<think>ready</think>Created issue #7"),
	)
	h.addTool(t, "", &fakeTool{name: "fetch", output: "repo"})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if out.result.Text != "Created issue #7" {
		t.Fatalf("expected think block stripped from result, got %q", out.result.Text)
	}
	if got := h.events.textOf(bus.EventReasoning); len(got) != 1 || got[0] != "need the repo first" {
		t.Fatalf("unexpected reasoning events %q", got)
	}
	if got := h.events.textOf(bus.EventFinalResult); len(got) != 1 || got[0] != "Created issue #7" {
		t.Fatalf("unexpected final_result events %q", got)
	}
}

func TestRun_DenyStopReturnsEarly(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "fetch", `{}`)),
		toolTurn("", call("c2", "create_issue", `{}`), call("c3", "add_comment", `{}`)),
	)
	h.addTool(t, "", &fakeTool{name: "fetch", output: "payload"})
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})
	comment := h.addTool(t, "", &fakeTool{name: "add_comment", output: "ok"})

	done := h.runAsync(RunOptions{})
	h.orch.ResolveApproval(h.events.nextApproval(t).RequestID, approval.Approve())
	denied := h.events.nextApproval(t)
	h.orch.ResolveApproval(denied.RequestID, approval.DenyStop("not this sprint"))

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if out.result.Outcome != OutcomeCancelled || out.result.Text != "User feedback: not this sprint" {
		t.Fatalf("unexpected result %+v", out.result)
	}
	if len(issue.calls()) != 0 || len(comment.calls()) != 0 {
		t.Fatal("expected no tool in the denied batch to run")
	}
	if h.orch.BufferLen() != 0 {
		t.Fatal("expected buffer cleared after denial")
	}

	h.events.mu.Lock()
	last := h.events.events[len(h.events.events)-1]
	h.events.mu.Unlock()
	if last.Type != bus.EventToolDenied || last.RequestID != denied.RequestID {
		t.Fatalf("expected tool_denied for %q, got %+v", denied.RequestID, last)
	}
}

func TestRun_InvalidDecisionLeavesRequestPending(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{}`)),
		finishTurn("stop", "done"),
	)
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	done := h.runAsync(RunOptions{})
	evt := h.events.nextApproval(t)

	for _, d := range []approval.Decision{
		{Kind: "rejectt"},
		{},
		{Kind: approval.KindRequestChanges},
	} {
		if h.orch.ResolveApproval(evt.RequestID, d) {
			t.Fatalf("expected decision %+v to be rejected", d)
		}
	}
	if pending := h.orch.PendingApprovals(); len(pending) != 1 || pending[0].ID != evt.RequestID {
		t.Fatalf("expected request still pending, got %+v", pending)
	}
	if len(issue.calls()) != 0 {
		t.Fatal("expected tool not to run before a valid decision")
	}

	if !h.orch.ResolveApproval(evt.RequestID, approval.Approve()) {
		t.Fatal("expected valid decision to resolve")
	}
	out := waitRun(t, done)
	if out.err != nil || out.result.Outcome != OutcomeCompleted {
		t.Fatalf("unexpected run result %+v, err %v", out.result, out.err)
	}
	if got := issue.invocation(0).ApprovalRequestID; got != evt.RequestID {
		t.Fatalf("expected approval request id %q in tool context, got %q", evt.RequestID, got)
	}
}

func TestRun_UnrecognizedDecisionKindStopsRun(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{}`)),
	)
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	done := h.runAsync(RunOptions{})
	evt := h.events.nextApproval(t)
	// The gate itself delivers whatever it is given.
	if !h.orch.gate.Resolve(evt.RequestID, approval.Decision{Kind: "rejectt"}) {
		t.Fatal("expected gate to accept the decision")
	}

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if out.result.Outcome != OutcomeCancelled || out.result.Text != "Cancelled by user" {
		t.Fatalf("unexpected result %+v", out.result)
	}
	if len(issue.calls()) != 0 {
		t.Fatal("expected tool not to run")
	}
	if n := h.events.count(bus.EventToolDenied); n != 1 {
		t.Fatalf("expected one tool_denied event, got %d", n)
	}
}

func TestRun_YoloModeHasNoApprovalRequestID(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "fetch", `{}`)),
		finishTurn("stop", "done"),
	)
	fetch := h.addTool(t, "", &fakeTool{name: "fetch", output: "page"})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	inv := fetch.invocation(0)
	if inv.ApprovalRequestID != "" || inv.ToolCallID != "c1" || inv.RunID != out.result.RunID {
		t.Fatalf("unexpected invocation context %+v", inv)
	}
}

func TestRun_ChainsBufferedOutputVerbatim(t *testing.T) {
	const raw = "RAW <b>content</b> & \"quotes\""
	var ref string
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "fetch", `{}`)),
		func(input []*schema.Message) (*schema.Message, error) {
			tr, err := lastToolResult(input)
			if err != nil {
				return nil, err
			}
			ref = tr.OutputRef
			args := fmt.Sprintf(`{"output_ref":%q,"project":"Alpha"}`, ref)
			return toolTurn("", call("c2", "create_issue", args))(input)
		},
		toolTurn("", call("c3", "create_issue", `{"output_ref":"missing","project":"Beta"}`)),
		finishTurn("stop", "done"),
	)
	h.addTool(t, "", &fakeTool{name: "fetch", output: raw})
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}

	calls := issue.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 create_issue calls, got %d", len(calls))
	}
	var chained map[string]any
	if err := json.Unmarshal([]byte(calls[0]), &chained); err != nil {
		t.Fatalf("chained args are not JSON: %v", err)
	}
	if chained["template"] != raw {
		t.Fatalf("expected verbatim template, got %q", chained["template"])
	}
	if _, ok := chained["output_ref"]; ok {
		t.Fatal("expected output_ref to be removed")
	}
	if calls[1] != `{"output_ref":"missing","project":"Beta"}` {
		t.Fatalf("expected unresolved input unchanged, got %q", calls[1])
	}
	if ref == "" {
		t.Fatal("expected tool result to carry an output_ref")
	}
}

func TestRun_ApproveAndWhitelistSkipsLaterApprovals(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "github__create_issue", `{}`)),
		toolTurn("", call("c2", "github__create_issue", `{}`)),
		finishTurn("stop", "done"),
	)
	issue := h.addTool(t, "github", &fakeTool{name: "github__create_issue", output: "ok"})

	done := h.runAsync(RunOptions{})
	h.orch.ResolveApproval(h.events.nextApproval(t).RequestID, approval.ApproveAndWhitelist())

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if n := h.events.count(bus.EventApprovalRequired); n != 1 {
		t.Fatalf("expected one approval request, got %d", n)
	}
	if len(issue.calls()) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(issue.calls()))
	}

	stored, err := h.store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(stored.Whitelist) != 1 {
		t.Fatalf("expected one whitelist entry, got %+v", stored.Whitelist)
	}
	entry := stored.Whitelist[0]
	if entry.ServerName != "github" || entry.ToolName != "create_issue" {
		t.Fatalf("unexpected whitelist entry %+v", entry)
	}
}

func TestRun_ModeChangeAppliesNextIteration(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{}`)),
		toolTurn("", call("c2", "create_issue", `{}`)),
		finishTurn("stop", "done"),
	)
	issue := h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})
	issue.onRun = func() {
		if err := h.store.SetMode(context.Background(), settings.ModeYolo); err != nil {
			t.Errorf("SetMode error: %v", err)
		}
	}

	done := h.runAsync(RunOptions{})
	h.orch.ResolveApproval(h.events.nextApproval(t).RequestID, approval.Approve())

	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if n := h.events.count(bus.EventApprovalRequired); n != 1 {
		t.Fatalf("expected only the first call to need approval, got %d requests", n)
	}
	if len(issue.calls()) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(issue.calls()))
	}
}

func TestRun_TerminalFinishReasons(t *testing.T) {
	cases := []struct {
		reason  string
		outcome Outcome
		text    string
	}{
		{"content_filter", OutcomeContentFiltered, ContentFilteredMessage},
		{"length", OutcomeTruncated, TruncatedMessage},
		{"max_tokens", OutcomeTruncated, TruncatedMessage},
		{"recitation", OutcomeUnknownFinish, ""},
	}

	for _, tc := range cases {
		t.Run(tc.reason, func(t *testing.T) {
			h := newHarness(t, settings.ModeYolo,
				toolTurn("", call("c1", "fetch", `{}`)),
				finishTurn(tc.reason, "partial model text"),
			)
			h.addTool(t, "", &fakeTool{name: "fetch", output: "payload"})

			out := waitRun(t, h.runAsync(RunOptions{}))
			if out.err != nil {
				t.Fatalf("Run error: %v", out.err)
			}
			if out.result.Outcome != tc.outcome || out.result.Text != tc.text {
				t.Fatalf("expected %s/%q, got %+v", tc.outcome, tc.text, out.result)
			}
			if h.orch.BufferLen() != 0 {
				t.Fatal("expected buffer cleared")
			}
			if n := h.events.count(bus.EventFinalResult); n != 0 {
				t.Fatalf("expected no final_result, got %d", n)
			}
		})
	}
}

func TestRun_IterationLimit(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "fetch", `{}`)),
		toolTurn("", call("c2", "fetch", `{}`)),
	)
	h.addTool(t, "", &fakeTool{name: "fetch", output: "payload"})

	out := waitRun(t, h.runAsync(RunOptions{MaxToolIterations: 2}))
	if !errors.Is(out.err, ErrIterationLimit) {
		t.Fatalf("expected ErrIterationLimit, got %v", out.err)
	}
	if out.result.Outcome != OutcomeIterationsExhausted {
		t.Fatalf("expected iterations_exhausted, got %q", out.result.Outcome)
	}
	if h.orch.BufferLen() != 0 {
		t.Fatal("expected buffer cleared")
	}
}

func TestRun_ToolErrorIsFatal(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "fetch", `{}`)),
		toolTurn("", call("c2", "create_issue", `{}`)),
	)
	h.addTool(t, "", &fakeTool{name: "fetch", output: "payload"})
	h.addTool(t, "", &fakeTool{name: "create_issue", err: errors.New("permission denied")})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err == nil || !strings.Contains(out.err.Error(), "permission denied") {
		t.Fatalf("expected tool error, got %v", out.err)
	}
	if out.result.Outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %q", out.result.Outcome)
	}
	if h.orch.BufferLen() != 0 {
		t.Fatal("expected buffer cleared after failure")
	}
}

func TestRun_ModelErrorIsFatal(t *testing.T) {
	h := newHarness(t, settings.ModeYolo, func([]*schema.Message) (*schema.Message, error) {
		return nil, errors.New("rate limited")
	})

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err == nil || !strings.Contains(out.err.Error(), "rate limited") {
		t.Fatalf("expected model error, got %v", out.err)
	}
}

func TestRun_UnknownToolIsReportedToModel(t *testing.T) {
	h := newHarness(t, settings.ModeYolo,
		toolTurn("", call("c1", "does_not_exist", `{}`)),
		finishTurn("stop", "done"),
	)

	out := waitRun(t, h.runAsync(RunOptions{}))
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	input := h.model.input(1)
	last := input[len(input)-1]
	if last.Role != schema.Tool || !strings.Contains(last.Content, "not available") {
		t.Fatalf("expected tool error message, got %+v", last)
	}
}

func TestRun_SecondConcurrentRunIsRejected(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{}`)),
	)
	h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	done := h.runAsync(RunOptions{})
	h.events.nextApproval(t)

	if _, ok := h.orch.Current(); !ok {
		t.Fatal("expected an active run")
	}
	if _, err := h.orch.Run(context.Background(), "again", RunContext{}, RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	h.orch.CancelAllPending("recording discarded")
	out := waitRun(t, done)
	if out.err != nil {
		t.Fatalf("Run error: %v", out.err)
	}
	if out.result.Outcome != OutcomeCancelled || out.result.Text != "User feedback: recording discarded" {
		t.Fatalf("unexpected result %+v", out.result)
	}
	if _, ok := h.orch.Current(); ok {
		t.Fatal("expected no active run after cancellation")
	}
}

func TestStart_ReservesRunBeforeReturning(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{}`)),
		finishTurn("stop", "filed"),
	)
	h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	runID, done, err := h.orch.Start(context.Background(), "goal", RunContext{}, RunOptions{RunID: "run-7"})
	if err != nil || runID != "run-7" {
		t.Fatalf("Start = %q, %v", runID, err)
	}
	if status, ok := h.orch.Current(); !ok || status.RunID != "run-7" {
		t.Fatalf("expected run-7 active as soon as Start returns, got %+v", status)
	}
	if _, _, err := h.orch.Start(context.Background(), "again", RunContext{}, RunOptions{}); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	h.orch.ResolveApproval(h.events.nextApproval(t).RequestID, approval.Approve())
	select {
	case out := <-done:
		if out.Err != nil || out.Result.Outcome != OutcomeCompleted || out.Result.RunID != "run-7" {
			t.Fatalf("unexpected outcome %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for started run")
	}
	if _, ok := h.orch.Current(); ok {
		t.Fatal("expected no active run after completion")
	}
}

func TestRun_ContextCancelWithdrawsApproval(t *testing.T) {
	h := newHarness(t, settings.ModeAsk,
		toolTurn("", call("c1", "create_issue", `{}`)),
	)
	h.addTool(t, "", &fakeTool{name: "create_issue", output: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(ctx, "goal", RunContext{}, RunOptions{})
		done <- err
	}()
	h.events.nextApproval(t)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
	if len(h.orch.PendingApprovals()) != 0 {
		t.Fatal("expected pending approval withdrawn")
	}
}

func TestNew_RequiresModel(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoModel) {
		t.Fatalf("expected ErrNoModel, got %v", err)
	}
}
