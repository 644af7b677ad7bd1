package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/SSWConsulting/yakshaver/internal/agent"
	"github.com/SSWConsulting/yakshaver/internal/approval"
	"github.com/SSWConsulting/yakshaver/internal/bus"
	"github.com/SSWConsulting/yakshaver/internal/config"
	"github.com/SSWConsulting/yakshaver/internal/transcribe"
)

const (
	choiceApprove   = "approve"
	choiceWhitelist = "whitelist"
	choiceRevise    = "revise"
	choiceDeny      = "deny"
)

// approvalPrompt asks a human to decide on one request. It must return once
// ctx is done.
type approvalPrompt func(ctx context.Context, e bus.Event) (approval.Decision, error)

func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <goal>",
		Short: "Run one goal interactively, prompting for tool approvals",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runGoal,
	}
	cmd.Flags().String("transcript-file", "", "Read the recording transcript from a file")
	cmd.Flags().String("recording", "", "Transcribe an audio or video file when no transcript file is given")
	cmd.Flags().String("language", "", "Language hint for --recording (ISO-639-1)")
	cmd.Flags().String("video-url", "", "URL of the recording")
	cmd.Flags().StringToString("meta", nil, "Extra context as key=value pairs")
	cmd.Flags().Int("max-iterations", 0, "Override the model turn limit for this run")
	return cmd
}

func runGoal(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rc, err := runContextFromFlags(ctx, cmd, cfg)
	if err != nil {
		return err
	}
	maxIterations, _ := cmd.Flags().GetInt("max-iterations")

	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	events, unsubscribe := rt.hub.Subscribe(0)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		consumeEvents(ctx, cmd, events, rt.orchestrator, promptApproval)
	}()

	goal := strings.Join(args, " ")
	res, runErr := rt.orchestrator.Run(ctx, goal, rc, agent.RunOptions{MaxToolIterations: maxIterations})
	unsubscribe()
	<-printerDone

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, formatOutcome(res))
	if res.Text != "" {
		fmt.Fprintln(out, renderMarkdown(res.Text))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func runContextFromFlags(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (agent.RunContext, error) {
	var rc agent.RunContext
	if path, _ := cmd.Flags().GetString("transcript-file"); strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return rc, fmt.Errorf("read transcript: %w", err)
		}
		rc.Transcript = string(data)
	} else if path, _ := cmd.Flags().GetString("recording"); strings.TrimSpace(path) != "" {
		language, _ := cmd.Flags().GetString("language")
		client, err := transcribe.New(transcribe.Options{
			APIKey:   cfg.Providers.OpenAI.APIKey,
			BaseURL:  cfg.Providers.OpenAI.BaseURL,
			Language: language,
		})
		if err != nil {
			return rc, fmt.Errorf("transcribe recording: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("transcribing "+path+" ..."))
		text, err := client.TranscribeFile(ctx, path)
		if err != nil {
			return rc, fmt.Errorf("transcribe recording: %w", err)
		}
		rc.Transcript = text
	}
	rc.VideoURL, _ = cmd.Flags().GetString("video-url")
	rc.Metadata, _ = cmd.Flags().GetStringToString("meta")
	return rc, nil
}

// resolver is what consumeEvents needs from the orchestrator.
type resolver interface {
	ResolveApproval(requestID string, d approval.Decision) bool
}

// consumeEvents prints events and answers approval requests until events is
// closed. The run is blocked while a prompt is open, so prompts never overlap.
// A prompt for a wait-mode request closes when its auto-approve deadline
// passes, since the timer has decided by then.
func consumeEvents(ctx context.Context, cmd *cobra.Command, events <-chan bus.Event, orch resolver, prompt approvalPrompt) {
	out := cmd.OutOrStdout()
	for event := range events {
		if line := formatEvent(event); line != "" {
			fmt.Fprintln(out, line)
		}
		if event.Type != bus.EventApprovalRequired || ctx.Err() != nil {
			continue
		}

		promptCtx, cancel := ctx, context.CancelFunc(func() {})
		if event.AutoApproveAt != nil {
			promptCtx, cancel = context.WithDeadline(ctx, *event.AutoApproveAt)
		}
		d, err := prompt(promptCtx, event)
		expired := promptCtx.Err()
		cancel()

		if err != nil {
			switch {
			case expired != nil && ctx.Err() == nil:
				fmt.Fprintln(out, dimStyle.Render("auto-approved when the timer ran out"))
				continue
			case expired != nil:
				continue
			case errors.Is(err, huh.ErrUserAborted):
				d = approval.DenyStop("")
			default:
				fmt.Fprintf(cmd.ErrOrStderr(), "approval prompt failed: %v\n", err)
				continue
			}
		}
		if !orch.ResolveApproval(event.RequestID, d) {
			fmt.Fprintln(out, dimStyle.Render("request was already resolved"))
		}
	}
}

func promptApproval(ctx context.Context, e bus.Event) (approval.Decision, error) {
	choice := choiceApprove
	title := fmt.Sprintf("Run %s?", e.ToolName)
	if e.AutoApproveAt != nil {
		title += fmt.Sprintf(" (auto-approves at %s)", e.AutoApproveAt.Local().Format("15:04:05"))
	}

	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(title).
			Description(preview(e.Args)).
			Options(
				huh.NewOption("Approve", choiceApprove),
				huh.NewOption("Approve and always allow this tool", choiceWhitelist),
				huh.NewOption("Request changes", choiceRevise),
				huh.NewOption("Deny and stop", choiceDeny),
			).
			Value(&choice),
	))
	if err := form.RunWithContext(ctx); err != nil {
		return approval.Decision{}, err
	}

	switch choice {
	case choiceWhitelist:
		return approval.ApproveAndWhitelist(), nil
	case choiceRevise:
		feedback, err := promptFeedback(ctx, "What should change?", true)
		if err != nil {
			return approval.Decision{}, err
		}
		return approval.RequestChanges(feedback), nil
	case choiceDeny:
		feedback, err := promptFeedback(ctx, "Reason (optional)", false)
		if err != nil {
			return approval.Decision{}, err
		}
		return approval.DenyStop(feedback), nil
	default:
		return approval.Approve(), nil
	}
}

func promptFeedback(ctx context.Context, title string, required bool) (string, error) {
	var feedback string
	input := huh.NewInput().Title(title).Value(&feedback)
	if required {
		input = input.Validate(func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("feedback is required")
			}
			return nil
		})
	}
	if err := huh.NewForm(huh.NewGroup(input)).RunWithContext(ctx); err != nil {
		return "", err
	}
	return strings.TrimSpace(feedback), nil
}
