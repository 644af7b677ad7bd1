package approval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/settings"
	"github.com/google/uuid"
)

// DefaultAutoApproveDelay is how long wait mode waits before approving.
const DefaultAutoApproveDelay = 15 * time.Second

type pendingRequest struct {
	req   Request
	ch    chan Decision
	timer *time.Timer
}

// Gate holds approval requests until they are decided. Each request
// resolves exactly once.
type Gate struct {
	notifier bus.Notifier
	delay    time.Duration
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewGate creates a gate that announces requests through notifier.
// A non-positive delay falls back to DefaultAutoApproveDelay.
func NewGate(notifier bus.Notifier, autoApproveDelay time.Duration) *Gate {
	if notifier == nil {
		notifier = bus.Discard
	}
	if autoApproveDelay <= 0 {
		autoApproveDelay = DefaultAutoApproveDelay
	}
	return &Gate{
		notifier: notifier,
		delay:    autoApproveDelay,
		now:      time.Now,
		newID:    uuid.NewString,
		pending:  make(map[string]*pendingRequest),
	}
}

// AutoApproveDelay returns the wait mode delay.
func (g *Gate) AutoApproveDelay() time.Duration {
	return g.delay
}

// Await registers a request, announces it and blocks until it is resolved.
// In wait mode an automatic approval fires after the delay unless a decision
// arrives first. Cancelling ctx withdraws the request.
func (g *Gate) Await(ctx context.Context, in Input) (Decision, error) {
	now := g.now().UTC()
	req := Request{
		ID:          g.newID(),
		RunID:       in.RunID,
		ToolCallID:  in.ToolCallID,
		ToolName:    in.ToolName,
		ServerName:  in.ServerName,
		Args:        in.Args,
		Mode:        in.Mode,
		RequestedAt: now,
	}
	if in.Mode == settings.ModeWait {
		at := now.Add(g.delay)
		req.AutoApproveAt = &at
	}

	p := &pendingRequest{req: req, ch: make(chan Decision, 1)}

	g.mu.Lock()
	g.pending[req.ID] = p
	if req.AutoApproveAt != nil {
		id := req.ID
		p.timer = time.AfterFunc(g.delay, func() {
			if g.Resolve(id, Decision{Kind: KindApprove, Auto: true}) {
				slog.Info("approval auto-approved", "request_id", id, "tool", in.ToolName)
			}
		})
	}
	g.mu.Unlock()

	g.notifier.Publish(bus.Event{
		Type:          bus.EventApprovalRequired,
		RunID:         req.RunID,
		RequestID:     req.ID,
		ToolCallID:    req.ToolCallID,
		ToolName:      req.ToolName,
		Args:          req.Args,
		AutoApproveAt: req.AutoApproveAt,
	})

	select {
	case d := <-p.ch:
		return d, nil
	case <-ctx.Done():
		g.withdraw(req.ID)
		return Decision{}, ctx.Err()
	}
}

// Resolve delivers a decision. It returns false when id is unknown or was
// already resolved.
func (g *Gate) Resolve(id string, d Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	d.RequestID = id
	p.ch <- d
	return true
}

// CancelAllPending denies every open request with reason as feedback.
// Requests created afterwards are unaffected.
func (g *Gate) CancelAllPending(reason string) {
	g.mu.Lock()
	open := g.pending
	g.pending = make(map[string]*pendingRequest)
	for _, p := range open {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	g.mu.Unlock()

	for id, p := range open {
		d := DenyStop(reason)
		d.RequestID = id
		p.ch <- d
	}
	if len(open) > 0 {
		slog.Info("cancelled pending approvals", "count", len(open), "reason", reason)
	}
}

// Pending lists open requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func (g *Gate) withdraw(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pending[id]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(g.pending, id)
	}
}
