package agent

import (
	"errors"
)

var (
	// ErrRunInProgress is returned when Run is called while another run is active.
	ErrRunInProgress = errors.New("an orchestration run is already in progress")
	// ErrIterationLimit is wrapped when a run uses up its model turns.
	ErrIterationLimit = errors.New("tool iteration limit reached")
	// ErrNoModel is returned by New without a chat model.
	ErrNoModel = errors.New("no chat model configured")
)

// Outcome classifies how a run ended.
type Outcome string

const (
	OutcomeCompleted           Outcome = "completed"
	OutcomeCancelled           Outcome = "cancelled"
	OutcomeContentFiltered     Outcome = "content_filtered"
	OutcomeTruncated           Outcome = "truncated"
	OutcomeUnknownFinish       Outcome = "unknown_finish"
	OutcomeIterationsExhausted Outcome = "iterations_exhausted"
	OutcomeFailed              Outcome = "failed"
)

// Fixed replies for turns the model could not finish normally.
const (
	ContentFilteredMessage = "The response was blocked by the model provider's content filter. Try rephrasing the request."
	TruncatedMessage       = "The response hit the model's output length limit before finishing. Try a shorter request or raise max_tokens."
)

// Result is what a run returns to its caller.
type Result struct {
	RunID   string  `json:"run_id"`
	Outcome Outcome `json:"outcome"`
	// Text is the model's answer, the denial message, or a fixed explanation.
	Text string `json:"text,omitempty"`
}

// RunOptions tunes a single run. Zero values fall back to the orchestrator defaults.
type RunOptions struct {
	SystemPrompt      string
	MaxToolIterations int
	RunID             string
}

// RunContext is optional material about the recording the goal refers to.
type RunContext struct {
	Transcript string            `json:"transcript,omitempty"`
	VideoURL   string            `json:"video_url,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}
