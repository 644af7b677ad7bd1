package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/SSWConsulting/yakshaver/internal/agent"
	"github.com/SSWConsulting/yakshaver/internal/audit"
	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/mcp"
	"github.com/SSWConsulting/yakshaver/internal/metrics"
	"github.com/SSWConsulting/yakshaver/internal/provider"
	"github.com/SSWConsulting/yakshaver/internal/settings"
	"github.com/SSWConsulting/yakshaver/internal/tools"
)

const auditSubscriberBuffer = 256

// appRuntime is everything a run needs, wired from config.
type appRuntime struct {
	cfg          *config.Config
	orchestrator *agent.Orchestrator
	hub          *bus.Hub
	metrics      *metrics.Metrics
	registry     *tools.Registry
	mcp          *mcp.Manager
	settings     settings.Store

	settingsCloser io.Closer
	stopAudit      func()
	shutdownTraces func(context.Context) error
}

func buildRuntime(ctx context.Context, cfg *config.Config) (*appRuntime, error) {
	rt := &appRuntime{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	shutdown, err := setupTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	rt.shutdownTraces = shutdown

	store, closer, err := settings.Open(ctx, cfg.Approval.SettingsBackend, cfg.SettingsPath())
	if err != nil {
		return nil, fmt.Errorf("open approval settings: %w", err)
	}
	rt.settings = store
	rt.settingsCloser = closer

	model, err := provider.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rt.registry = tools.NewRegistry()
	webFetch, err := tools.NewWebFetchTool()
	if err != nil {
		return nil, fmt.Errorf("create web_fetch tool: %w", err)
	}
	if err := rt.registry.Register(webFetch); err != nil {
		return nil, err
	}

	rt.mcp = mcp.NewManager(cfg.MCP.Servers, nil)
	if err := rt.mcp.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect mcp servers: %w", err)
	}
	if err := rt.mcp.RegisterTools(rt.registry); err != nil {
		return nil, fmt.Errorf("register mcp tools: %w", err)
	}

	rt.hub = bus.NewHub()
	rt.metrics = metrics.New()

	auditWriter := audit.NewWriter(cfg.DataDir())
	events, unsubscribe := rt.hub.Subscribe(auditSubscriberBuffer)
	auditCtx, cancelAudit := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		audit.NewSink(auditWriter, 0).Run(auditCtx, events)
	}()
	rt.stopAudit = func() {
		unsubscribe()
		<-done
		cancelAudit()
	}

	rt.orchestrator, err = agent.New(agent.Options{
		Model:             model,
		Tools:             rt.registry,
		Settings:          store,
		Notifier:          rt.hub,
		Metrics:           rt.metrics,
		Audit:             auditWriter,
		AutoApproveDelay:  time.Duration(cfg.Approval.AutoApproveDelaySeconds) * time.Second,
		MaxToolIterations: cfg.Agents.Defaults.MaxToolIterations,
		SystemPrompt:      cfg.Agents.Defaults.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("runtime ready", "tools", len(rt.registry.Names()), "audit_log", auditWriter.Path())
	ok = true
	return rt, nil
}

// Close releases resources in reverse order of creation.
func (rt *appRuntime) Close() {
	if rt.stopAudit != nil {
		rt.stopAudit()
	}
	if rt.mcp != nil {
		if err := rt.mcp.Close(); err != nil {
			slog.Warn("mcp shutdown failed", "error", err)
		}
	}
	if rt.settingsCloser != nil {
		if err := rt.settingsCloser.Close(); err != nil {
			slog.Warn("settings store close failed", "error", err)
		}
	}
	if rt.shutdownTraces != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.shutdownTraces(ctx); err != nil {
			slog.Warn("trace export shutdown failed", "error", err)
		}
	}
}
