package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aegis/internal/workflow")

// Config carries the tunables for a workflow run.
type Config struct {
	Thresholds Thresholds
	Retry      RetryPolicy

	// Deadline bounds the parallel phase: branch work is canceled and the
	// join barrier releases once it elapses.
	Deadline time.Duration

	// NotifyTimeout bounds each outbound notification.
	NotifyTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		Retry:         DefaultRetryPolicy(),
		Deadline:      30 * time.Second,
		NotifyTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Thresholds.Confidence <= 0 {
		c.Thresholds.Confidence = d.Thresholds.Confidence
	}
	if c.Thresholds.MaxRetries <= 0 {
		c.Thresholds.MaxRetries = d.Thresholds.MaxRetries
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = c.Thresholds.MaxRetries
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = d.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = d.Retry.MaxBackoff
	}
	if c.Deadline <= 0 {
		c.Deadline = d.Deadline
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = d.NotifyTimeout
	}
	return c
}

// Orchestrator drives one incident through the full remediation workflow,
// coordinating the dispatcher, the join barrier, the decision rules, and
// the outbound notifier.
type Orchestrator struct {
	provider   AnalysisProvider
	history    HistoryStore
	notifier   Notifier
	store      Store
	dispatcher *Dispatcher
	cfg        Config
	logger     log.Logger
	hooks      Hooks
}

// OrchestratorOptions bundles the orchestrator's collaborators. Provider
// and History are required; Notifier and Store are optional and skipped
// when nil.
type OrchestratorOptions struct {
	Provider AnalysisProvider
	History  HistoryStore
	Notifier Notifier
	Store    Store
	Config   Config
	Logger   log.Logger
	Hooks    Hooks
}

// NewOrchestrator creates an orchestrator. A nil logger degrades to Nop.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.Provider == nil {
		panic("workflow: nil AnalysisProvider")
	}
	if opts.History == nil {
		panic("workflow: nil HistoryStore")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	cfg := opts.Config.withDefaults()
	return &Orchestrator{
		provider:   opts.Provider,
		history:    opts.History,
		notifier:   opts.Notifier,
		store:      opts.Store,
		dispatcher: NewDispatcher(opts.Provider, opts.History, cfg.Retry, opts.Logger, opts.Hooks),
		cfg:        cfg,
		logger:     opts.Logger,
		hooks:      opts.Hooks,
	}
}

// Run executes the workflow for a freshly created record, mutating it in
// place through every stage. The record ends terminal: completed on the
// happy path, failed on an invariant violation. The returned error is
// non-nil only for the failed case.
func (o *Orchestrator) Run(ctx context.Context, rec *incident.Record) error {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("aegis.incident.id", rec.ID),
	))
	defer span.End()

	L := o.logger.With("incident_id", rec.ID)

	// Trigger: parse the raw alert into structured incident fields.
	if err := rec.Advance(incident.StageTriggered); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	o.trigger(ctx, L, rec)
	span.SetAttributes(attribute.String("aegis.service", rec.Service))
	o.persist(ctx, rec)
	o.notify(ctx, L, rec)

	// Fan out the three analysis branches against an immutable snapshot.
	if err := rec.Advance(incident.StageParallelRunning); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	branchCtx, cancelBranches := context.WithTimeout(ctx, o.cfg.Deadline)
	defer cancelBranches()
	outcomes := o.dispatcher.Dispatch(branchCtx, rec.Snapshot())

	// Join barrier: merge outcomes until all branches report or the
	// deadline writes the stragglers off.
	if err := rec.Advance(incident.StageCoordinating); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	waitStart := time.Now()
	coord := NewCoordinator(o.cfg.Deadline, o.logger)
	timedOut, err := coord.Collect(ctx, rec, outcomes)
	if err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	if o.hooks.OnCoordinate != nil {
		o.hooks.OnCoordinate(time.Since(waitStart).Seconds(), timedOut)
	}
	if err := rec.Advance(incident.StageCoordinated); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	o.persist(ctx, rec)

	// Route through the decision rules, exactly once.
	d := Decide(rec, o.cfg.Thresholds)
	d.DecidedAt = time.Now()
	if err := rec.SetDecision(d); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	if err := rec.Advance(incident.StageDecided); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	if o.hooks.OnDecision != nil {
		o.hooks.OnDecision(d.Route, d.Reason)
	}
	span.SetAttributes(
		attribute.String("aegis.route", string(d.Route)),
		attribute.String("aegis.reason", string(d.Reason)),
	)
	L.Info(ctx, "route decided",
		"route", string(d.Route),
		"reason", string(d.Reason),
		"rule", d.RuleID,
		"confidence", d.Confidence,
		"anomalies", d.AnomaliesFound,
		"similar_incidents", d.SimilarIncidents,
		"retry_count", d.RetryCount,
	)
	o.persist(ctx, rec)

	switch d.Route {
	case incident.RouteMitigate:
		if err := rec.Advance(incident.StageRemediating); err != nil {
			return o.fail(ctx, span, L, rec, start, err)
		}
		o.remediate(ctx, L, rec)
	case incident.RouteEscalate:
		if err := rec.Advance(incident.StageEscalating); err != nil {
			return o.fail(ctx, span, L, rec, start, err)
		}
		o.escalate(rec)
		L.Info(ctx, "escalated to a human", "reason", rec.Escalation.Reason)
	}
	o.persist(ctx, rec)

	if err := rec.Advance(incident.StageNotified); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	o.notify(ctx, L, rec)

	if err := rec.Finish(incident.StageCompleted); err != nil {
		return o.fail(ctx, span, L, rec, start, err)
	}
	o.persist(ctx, rec)
	o.complete(rec, start)

	L.Info(ctx, "workflow complete",
		"route", string(d.Route),
		"duration", rec.Duration,
	)
	return nil
}

// fail moves the record to the failed stage, emits a terminal
// notification, and returns the cause.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, L log.Logger, rec *incident.Record, start time.Time, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "workflow failed")
	L.Error(ctx, cause, "workflow failed", "stage", string(rec.Stage))

	if !rec.Stage.Terminal() {
		_ = rec.Finish(incident.StageFailed)
	}
	o.persist(ctx, rec)
	o.notify(ctx, L, rec)
	o.complete(rec, start)
	return cause
}

// trigger parses the raw alert. Provider failures never abort the run;
// the record falls back to defaults derived from the alert text.
func (o *Orchestrator) trigger(ctx context.Context, L log.Logger, rec *incident.Record) {
	parsed, err := o.provider.ParseAlert(ctx, rec.RawAlert)
	switch {
	case err != nil:
		L.Warn(ctx, "alert parse failed, using fallback", "error", err.Error())
		rec.ApplyParseFallback()
	case parsed == nil:
		L.Warn(ctx, "alert parse produced nothing, using fallback")
		rec.ApplyParseFallback()
	default:
		rec.ApplyParse(parsed.Service, parsed.Severity, parsed.Description)
	}
	L.Info(ctx, "incident triggered",
		"service", rec.Service,
		"severity", rec.Severity,
	)
}

// remediate applies the guided mitigation. A failed or erroring
// mitigation records the failure and attaches an escalation instead of
// aborting the workflow.
func (o *Orchestrator) remediate(ctx context.Context, L log.Logger, rec *incident.Record) {
	solution := remediationSolution(rec)
	rem, err := o.provider.SimulateMitigation(ctx, rec.Snapshot(), solution)
	if err != nil {
		rem = &incident.Remediation{Success: false, Solution: solution, Details: err.Error()}
	}
	if rem.Solution == "" {
		rem.Solution = solution
	}
	rem.At = time.Now()
	rec.Remediation = rem

	if !rem.Success {
		rec.Escalation = &incident.Escalation{
			Reason:  "Mitigation failed: " + rem.Details,
			Summary: escalationSummary(rec),
			At:      time.Now(),
		}
		L.Warn(ctx, "mitigation failed, escalating to a human", "details", rem.Details)
		return
	}
	L.Info(ctx, "mitigation applied", "solution", solution)
}

// escalate records the handoff to humans using the decision's
// explanation as the reason.
func (o *Orchestrator) escalate(rec *incident.Record) {
	reason := "Escalated for human review"
	if rec.Decision != nil {
		reason = rec.Decision.Explanation
	}
	rec.Escalation = &incident.Escalation{
		Reason:  reason,
		Summary: escalationSummary(rec),
		At:      time.Now(),
	}
}

func (o *Orchestrator) notify(ctx context.Context, L log.Logger, rec *incident.Record) {
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.NotifyTimeout)
	defer cancel()
	err := o.notifier.Notify(nctx, rec)
	if err != nil {
		L.Warn(ctx, "notification failed",
			"stage", string(rec.Stage),
			"error", err.Error(),
		)
	}
	if o.hooks.OnNotify != nil {
		o.hooks.OnNotify(err)
	}
}

// persist writes the record through the optional store. Mid-run
// persistence is best effort and survives caller cancellation so the
// terminal state always lands.
func (o *Orchestrator) persist(ctx context.Context, rec *incident.Record) {
	if o.store == nil {
		return
	}
	pctx := context.WithoutCancel(ctx)
	if err := o.store.Put(pctx, rec); err != nil {
		o.logger.Error(pctx, err, "failed to persist incident record",
			"incident_id", rec.ID,
			"stage", string(rec.Stage),
		)
	}
}

func (o *Orchestrator) complete(rec *incident.Record, start time.Time) {
	if o.hooks.OnComplete == nil {
		return
	}
	e := &CompleteEvent{Stage: rec.Stage, Duration: time.Since(start).Seconds()}
	if rec.Decision != nil {
		e.Route = rec.Decision.Route
		e.Reason = rec.Decision.Reason
	}
	o.hooks.OnComplete(e)
}

// remediationSolution picks the mitigation to apply: the top historical
// match's resolution, then the root cause, then a generic runbook.
func remediationSolution(rec *incident.Record) string {
	if res, ok := rec.Results[incident.BranchKnowledgeLookup]; ok && res.History != nil && len(res.History.Matches) > 0 {
		return res.History.Matches[0].Resolution
	}
	if res, ok := rec.Results[incident.BranchRootCause]; ok && res.Cause != nil && res.Cause.Cause != "" {
		return "Address root cause: " + res.Cause.Cause
	}
	return "Apply standard recovery runbook"
}

func escalationSummary(rec *incident.Record) string {
	return fmt.Sprintf("%s (%s): %s", rec.Service, rec.Severity, rec.Description)
}
