package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/display"
	"github.com/linnemanlabs/aegis/internal/history"
	"github.com/linnemanlabs/aegis/internal/llm/claude"
	"github.com/linnemanlabs/aegis/internal/llm/offline"
	"github.com/linnemanlabs/aegis/internal/notify/slack"
	"github.com/linnemanlabs/aegis/internal/workflow"
	"github.com/linnemanlabs/aegis/internal/workflow/memstore"
)

// tuning holds the workflow knobs shared by the run and demo commands.
type tuning struct {
	threshold    float64
	maxRetries   int
	deadline     time.Duration
	historyPath  string
	slackWebhook string
	model        string
}

// registerTuning wires the shared workflow flags onto a command.
func registerTuning(cmd *cobra.Command, tn *tuning) {
	f := cmd.Flags()
	f.Float64Var(&tn.threshold, "threshold", 0.80, "Confidence threshold for automated mitigation, in (0,1]")
	f.IntVar(&tn.maxRetries, "max-retries", 3, "Maximum log-analysis attempts")
	f.DurationVar(&tn.deadline, "deadline", 30*time.Second, "Coordination deadline for the parallel branches")
	f.StringVar(&tn.historyPath, "history", "", "Knowledge base YAML path (default: embedded)")
	f.StringVar(&tn.slackWebhook, "slack-webhook", "", "Slack webhook URL for status notifications")
	f.StringVar(&tn.model, "model", "claude-sonnet-4-20250514", "Claude model when ANTHROPIC_API_KEY is set")
}

// validate rejects out-of-range tuning before a run starts.
func (tn tuning) validate() error {
	if !(tn.threshold > 0 && tn.threshold <= 1) {
		return fmt.Errorf("threshold must be in (0,1], got %v", tn.threshold)
	}
	if tn.maxRetries < 1 {
		return fmt.Errorf("max-retries must be at least 1, got %d", tn.maxRetries)
	}
	if tn.deadline <= 0 {
		return fmt.Errorf("deadline must be positive, got %v", tn.deadline)
	}
	return nil
}

// buildService assembles a workflow service for one CLI invocation: the
// Claude provider when ANTHROPIC_API_KEY is set, the deterministic
// offline provider otherwise, an in-memory store, and the embedded
// knowledge base unless --history points at a file. Progress milestones
// are narrated on progressW.
func buildService(progressW io.Writer, tn tuning, delay time.Duration) (*workflow.Service, error) {
	hist, err := loadHistory(tn.historyPath)
	if err != nil {
		return nil, fmt.Errorf("load knowledge base: %w", err)
	}

	var provider workflow.AnalysisProvider
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		provider = claude.New(key, tn.model, claude.Options{})
	} else {
		provider = offline.New(delay)
	}

	var notifier workflow.Notifier
	if tn.slackWebhook != "" {
		notifier = slack.New(tn.slackWebhook, log.Nop())
	}

	store := memstore.New()
	hooks := display.NewProgress(progressW).Hooks()
	orch := workflow.NewOrchestrator(workflow.OrchestratorOptions{
		Provider: provider,
		History:  hist,
		Notifier: notifier,
		Store:    store,
		Config: workflow.Config{
			Thresholds: workflow.Thresholds{
				Confidence: tn.threshold,
				MaxRetries: tn.maxRetries,
			},
			Deadline: tn.deadline,
		},
		Logger: log.Nop(),
		Hooks:  hooks,
	})
	return workflow.NewService(store, orch, log.Nop(), hooks), nil
}

func loadHistory(path string) (*history.Store, error) {
	if path == "" {
		return history.New()
	}
	return history.NewFromFile(path)
}
