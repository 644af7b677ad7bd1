// Package metrics exposes prometheus collectors for orchestration runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "yakshaver"

// Approval outcome labels.
const (
	ApprovalApprove        = "approve"
	ApprovalAutoApprove    = "auto_approve"
	ApprovalDenyStop       = "deny_stop"
	ApprovalRequestChanges = "request_changes"
	ApprovalBypass         = "bypass"
)

// Metrics bundles the collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	Runs             *prometheus.CounterVec
	RunDuration      *prometheus.HistogramVec
	ModelTurns       *prometheus.CounterVec
	ToolExecutions   *prometheus.CounterVec
	ToolDuration     *prometheus.HistogramVec
	Approvals        *prometheus.CounterVec
	PendingApprovals prometheus.Gauge
}

// New constructs a registry with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Orchestration runs by outcome",
	}, []string{"outcome"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Orchestration run duration in seconds",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"outcome"})

	turns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "model_turns_total",
		Help:      "Model turns by normalized finish reason",
	}, []string{"finish_reason"})

	tools := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_executions_total",
		Help:      "Tool executions by tool and status",
	}, []string{"tool", "status"})

	toolDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_duration_seconds",
		Help:      "Tool execution duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"tool"})

	approvals := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_total",
		Help:      "Approval gate outcomes",
	}, []string{"outcome"})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_approvals",
		Help:      "Approval requests awaiting a decision",
	})

	reg.MustRegister(runs, runDuration, turns, tools, toolDuration, approvals, pending)

	return &Metrics{
		registry:         reg,
		Runs:             runs,
		RunDuration:      runDuration,
		ModelTurns:       turns,
		ToolExecutions:   tools,
		ToolDuration:     toolDuration,
		Approvals:        approvals,
		PendingApprovals: pending,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRun records one finished run.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	outcome = orUnknown(outcome)
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordModelTurn counts one model response.
func (m *Metrics) RecordModelTurn(finishReason string) {
	if m == nil {
		return
	}
	m.ModelTurns.WithLabelValues(orUnknown(finishReason)).Inc()
}

// RecordToolExecution records one tool call; err decides the status label.
func (m *Metrics) RecordToolExecution(tool string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	tool = orUnknown(tool)
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordApproval counts one gate outcome.
func (m *Metrics) RecordApproval(outcome string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(orUnknown(outcome)).Inc()
}

// SetPendingApprovals sets the pending gauge.
func (m *Metrics) SetPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.PendingApprovals.Set(float64(n))
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
