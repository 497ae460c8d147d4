package workflow

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// maxLookupKeywords bounds the keyword set derived from the description
// for the knowledge-lookup branch.
const maxLookupKeywords = 3

// BranchOutcome is one branch's completion report, handed to the
// coordinator as it arrives. Exactly one payload pointer is set on
// success; Err marks a terminal branch failure.
type BranchOutcome struct {
	Branch   incident.Branch
	Logs     *incident.LogReport
	History  *incident.HistoryReport
	Cause    *incident.CauseReport
	Attempts int
	Duration time.Duration
	Err      error
}

// Dispatcher launches the three analysis branches concurrently against an
// immutable snapshot of incident context. It never merges results; each
// branch's outcome is delivered on the returned channel as it finishes.
type Dispatcher struct {
	provider AnalysisProvider
	history  HistoryStore
	retry    RetryPolicy
	logger   log.Logger
	hooks    Hooks
}

// NewDispatcher creates a dispatcher. A nil logger degrades to Nop.
func NewDispatcher(provider AnalysisProvider, history HistoryStore, retry RetryPolicy, logger log.Logger, hooks Hooks) *Dispatcher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatcher{
		provider: provider,
		history:  history,
		retry:    retry,
		logger:   logger,
		hooks:    hooks,
	}
}

// Dispatch starts exactly three branches and returns their outcome
// channel. The channel is buffered to the branch count so a branch
// finishing after the coordinator stopped consuming never leaks its
// goroutine, and is closed once every branch has reported. A failure in
// one branch never prevents the others from running to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, snap incident.Snapshot) <-chan BranchOutcome {
	out := make(chan BranchOutcome, len(incident.Branches()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out <- d.runBranch(gctx, incident.BranchLogAnalysis, snap)
		return nil
	})
	g.Go(func() error {
		out <- d.runBranch(gctx, incident.BranchKnowledgeLookup, snap)
		return nil
	})
	g.Go(func() error {
		out <- d.runBranch(gctx, incident.BranchRootCause, snap)
		return nil
	})

	go func() {
		_ = g.Wait() // branch failures travel as outcome values
		close(out)
	}()

	return out
}

func (d *Dispatcher) runBranch(ctx context.Context, b incident.Branch, snap incident.Snapshot) BranchOutcome {
	ctx, span := tracer.Start(ctx, "branch."+string(b), trace.WithAttributes(
		attribute.String("aegis.incident.id", snap.ID),
		attribute.String("aegis.branch", string(b)),
	))
	defer span.End()

	start := time.Now()
	var o BranchOutcome
	switch b {
	case incident.BranchLogAnalysis:
		o = d.runLogAnalysis(ctx, snap)
	case incident.BranchKnowledgeLookup:
		o = d.runKnowledgeLookup(ctx, snap)
	case incident.BranchRootCause:
		o = d.runRootCause(ctx, snap)
	}
	o.Branch = b
	o.Duration = time.Since(start)

	status := "success"
	if o.Err != nil {
		status = "error"
		span.RecordError(o.Err)
		span.SetStatus(codes.Error, "branch failed")
		d.logger.Warn(ctx, "branch failed",
			"incident_id", snap.ID,
			"branch", string(b),
			"attempts", o.Attempts,
			"error", o.Err.Error(),
		)
	} else {
		d.logger.Info(ctx, "branch complete",
			"incident_id", snap.ID,
			"branch", string(b),
			"duration", o.Duration.Seconds(),
		)
	}
	if d.hooks.OnBranch != nil {
		d.hooks.OnBranch(b, status, o.Duration.Seconds(), o.Attempts)
	}
	return o
}

// runLogAnalysis wraps the provider call in the retry helper. The exact
// attempt count rides on both the report and the outcome so the decision
// rules can read it whether the branch succeeded or not.
func (d *Dispatcher) runLogAnalysis(ctx context.Context, snap incident.Snapshot) BranchOutcome {
	p := d.retry
	p.Notify = func(err error, next time.Duration) {
		d.logger.Warn(ctx, "log analysis attempt failed, backing off",
			"incident_id", snap.ID,
			"wait", next.String(),
			"error", err.Error(),
		)
	}

	report, attempts, err := RunWithRetry(ctx, p, func(ctx context.Context) (*incident.LogReport, error) {
		return d.provider.AnalyzeLogs(ctx, snap)
	})
	o := BranchOutcome{Attempts: attempts, Err: err}
	if err == nil {
		report.Attempts = attempts
		o.Logs = report
	}
	return o
}

func (d *Dispatcher) runKnowledgeLookup(ctx context.Context, snap incident.Snapshot) BranchOutcome {
	keywords := lookupKeywords(snap.Description)
	matches, err := d.history.FindSimilar(ctx, snap.Service, keywords)
	if err != nil {
		return BranchOutcome{Err: err}
	}
	return BranchOutcome{History: &incident.HistoryReport{Matches: matches, Keywords: keywords}}
}

func (d *Dispatcher) runRootCause(ctx context.Context, snap incident.Snapshot) BranchOutcome {
	// Sibling results are never available during the parallel run.
	cause, err := d.provider.AnalyzeRootCause(ctx, snap, nil, nil)
	if err != nil {
		return BranchOutcome{Err: err}
	}
	return BranchOutcome{Cause: cause}
}

// lookupKeywords derives knowledge-base keywords from the incident
// description: the first few words, since anomaly lists from the sibling
// branch are not available mid-fan-out.
func lookupKeywords(description string) []string {
	words := strings.Fields(description)
	if len(words) > maxLookupKeywords {
		words = words[:maxLookupKeywords]
	}
	return words
}
