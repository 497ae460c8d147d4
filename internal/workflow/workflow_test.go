package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// stubProvider returns preconfigured analysis results.
type stubProvider struct {
	mu sync.Mutex

	parse    *ParsedAlert
	parseErr error

	logs     *incident.LogReport
	logsErr  error
	logFails int // first N AnalyzeLogs calls fail
	logCalls int

	cause     *incident.CauseReport
	causeErr  error
	causeGate chan struct{} // when set, AnalyzeRootCause blocks until closed

	remediation  *incident.Remediation
	mitigateErr  error
	lastSolution string

	gate *sync.WaitGroup // when set, each branch call joins the barrier
}

func (p *stubProvider) join() {
	if p.gate != nil {
		p.gate.Done()
		p.gate.Wait()
	}
}

func (p *stubProvider) ParseAlert(_ context.Context, _ string) (*ParsedAlert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parseErr != nil {
		return nil, p.parseErr
	}
	if p.parse == nil {
		return nil, nil
	}
	cp := *p.parse
	return &cp, nil
}

func (p *stubProvider) AnalyzeLogs(_ context.Context, _ incident.Snapshot) (*incident.LogReport, error) {
	p.join()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logCalls++
	if p.logCalls <= p.logFails {
		return nil, errors.New("log backend unavailable")
	}
	if p.logsErr != nil {
		return nil, p.logsErr
	}
	if p.logs == nil {
		return &incident.LogReport{}, nil
	}
	cp := *p.logs
	cp.Anomalies = append([]string(nil), p.logs.Anomalies...)
	return &cp, nil
}

func (p *stubProvider) AnalyzeRootCause(_ context.Context, _ incident.Snapshot, _ *incident.LogReport, _ *incident.HistoryReport) (*incident.CauseReport, error) {
	p.join()
	if p.causeGate != nil {
		<-p.causeGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.causeErr != nil {
		return nil, p.causeErr
	}
	if p.cause == nil {
		return &incident.CauseReport{}, nil
	}
	cp := *p.cause
	cp.Factors = append([]string(nil), p.cause.Factors...)
	return &cp, nil
}

func (p *stubProvider) SimulateMitigation(_ context.Context, _ incident.Snapshot, solution string) (*incident.Remediation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastSolution = solution
	if p.mitigateErr != nil {
		return nil, p.mitigateErr
	}
	if p.remediation == nil {
		return &incident.Remediation{Success: true, Solution: solution, Details: "verified in simulation"}, nil
	}
	cp := *p.remediation
	return &cp, nil
}

// stubHistory returns preconfigured knowledge-base matches and records
// what it was queried with.
type stubHistory struct {
	mu       sync.Mutex
	matches  []incident.HistoryMatch
	err      error
	service  string
	keywords []string

	gate *sync.WaitGroup
}

func (h *stubHistory) FindSimilar(_ context.Context, service string, keywords []string) ([]incident.HistoryMatch, error) {
	if h.gate != nil {
		h.gate.Done()
		h.gate.Wait()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.service = service
	h.keywords = keywords
	if h.err != nil {
		return nil, h.err
	}
	return append([]incident.HistoryMatch(nil), h.matches...), nil
}

// stubNotifier records the record stage at each notification.
type stubNotifier struct {
	mu     sync.Mutex
	err    error
	stages []incident.Stage
}

func (n *stubNotifier) Notify(_ context.Context, rec *incident.Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stages = append(n.stages, rec.Stage)
	return n.err
}

func (n *stubNotifier) seen() []incident.Stage {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]incident.Stage(nil), n.stages...)
}

// stubStore implements Store over a map with deep copies, the same
// contract the real stores honor.
type stubStore struct {
	mu      sync.Mutex
	records map[string]*incident.Record
	putErr  error
	getErr  error
	puts    int
}

func newStubStore() *stubStore {
	return &stubStore{records: make(map[string]*incident.Record)}
}

func (s *stubStore) Get(_ context.Context, id string) (*incident.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	r, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (s *stubStore) Put(_ context.Context, r *incident.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.puts++
	s.records[r.ID] = r.Clone()
	return nil
}

func healthyProvider() *stubProvider {
	return &stubProvider{
		parse: &ParsedAlert{
			Service:     "Payment API",
			Severity:    "HIGH",
			Description: "database connection timeouts and high error rates",
		},
		logs: &incident.LogReport{
			Anomalies:  []string{"connection pool exhausted", "p99 latency spike"},
			Confidence: 0.85,
			Summary:    "pool saturation during the incident window",
		},
		cause: &incident.CauseReport{
			Cause:      "Connection pool exhausted under sustained load",
			Confidence: 0.9,
			Factors:    []string{"pool size", "slow queries"},
		},
	}
}

func knownHistory() *stubHistory {
	return &stubHistory{matches: []incident.HistoryMatch{{
		ID:          "INC-01HISTORICAL",
		Service:     "Payment API",
		Description: "database connection pool exhaustion",
		Resolution:  "Increase pool size and restart the connection manager",
		Score:       0.9,
	}}}
}

func newTestOrchestrator(p *stubProvider, h *stubHistory, n Notifier, st Store, hooks Hooks) *Orchestrator {
	return NewOrchestrator(OrchestratorOptions{
		Provider: p,
		History:  h,
		Notifier: n,
		Store:    st,
		Config: Config{
			Retry:         fastRetry(3),
			Deadline:      2 * time.Second,
			NotifyTimeout: time.Second,
		},
		Logger: log.Nop(),
		Hooks:  hooks,
	})
}

func timelineStages(rec *incident.Record) []incident.Stage {
	stages := make([]incident.Stage, 0, len(rec.Timeline))
	for _, tc := range rec.Timeline {
		stages = append(stages, tc.Stage)
	}
	return stages
}

func TestRun_MitigatePath(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	h := knownHistory()
	n := &stubNotifier{}
	st := newStubStore()
	orch := newTestOrchestrator(p, h, n, st, Hooks{})

	rec := incident.New("Payment API experiencing database connection timeouts and high error rates")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []incident.Stage{
		incident.StageCreated,
		incident.StageTriggered,
		incident.StageParallelRunning,
		incident.StageCoordinating,
		incident.StageCoordinated,
		incident.StageDecided,
		incident.StageRemediating,
		incident.StageNotified,
		incident.StageCompleted,
	}
	if diff := cmp.Diff(want, timelineStages(rec)); diff != "" {
		t.Errorf("timeline mismatch (-want +got):\n%s", diff)
	}

	d := rec.Decision
	if d == nil {
		t.Fatal("expected a decision")
	}
	if d.Route != incident.RouteMitigate {
		t.Errorf("route = %q, want %q", d.Route, incident.RouteMitigate)
	}
	if d.RuleID != "R5" {
		t.Errorf("rule = %q, want R5", d.RuleID)
	}
	if d.DecidedAt.IsZero() {
		t.Error("expected DecidedAt to be stamped")
	}

	if rec.Remediation == nil || !rec.Remediation.Success {
		t.Fatalf("remediation = %+v, want success", rec.Remediation)
	}
	if got, want := p.lastSolution, "Increase pool size and restart the connection manager"; got != want {
		t.Errorf("solution = %q, want top historical resolution %q", got, want)
	}
	if rec.Escalation != nil {
		t.Errorf("escalation = %+v, want none on successful mitigation", rec.Escalation)
	}

	if rec.CompletedAt.IsZero() || rec.Duration <= 0 {
		t.Error("expected terminal timestamps")
	}
	if got := n.seen(); len(got) != 2 || got[0] != incident.StageTriggered || got[1] != incident.StageNotified {
		t.Errorf("notified at stages %v, want [triggered notified]", got)
	}

	stored, ok, err := st.Get(context.Background(), rec.ID)
	if err != nil || !ok {
		t.Fatalf("stored record missing: ok=%v err=%v", ok, err)
	}
	if stored.Stage != incident.StageCompleted {
		t.Errorf("stored stage = %q, want %q", stored.Stage, incident.StageCompleted)
	}
	if st.puts < 5 {
		t.Errorf("puts = %d, want mid-run persistence at each milestone", st.puts)
	}
}

func TestRun_EscalatePath_LowConfidence(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.cause.Confidence = 0.5
	orch := newTestOrchestrator(p, knownHistory(), nil, nil, Hooks{})

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	d := rec.Decision
	if d == nil || d.Route != incident.RouteEscalate || d.Reason != incident.ReasonLowConfidence {
		t.Fatalf("decision = %+v, want escalate/low-confidence", d)
	}
	if rec.Escalation == nil {
		t.Fatal("expected escalation record")
	}
	if got, want := rec.Escalation.Reason, "Low confidence (0.50) in root cause analysis"; got != want {
		t.Errorf("escalation reason = %q, want %q", got, want)
	}
	if !strings.Contains(rec.Escalation.Summary, "Payment API") {
		t.Errorf("escalation summary = %q, want it to name the service", rec.Escalation.Summary)
	}

	stages := timelineStages(rec)
	for _, s := range stages {
		if s == incident.StageRemediating {
			t.Error("escalate path must not enter remediating")
		}
	}
	if rec.Stage != incident.StageCompleted {
		t.Errorf("stage = %q, want %q", rec.Stage, incident.StageCompleted)
	}
	if rec.Remediation != nil {
		t.Errorf("remediation = %+v, want none on escalate", rec.Remediation)
	}
}

func TestRun_RetriesExhaustedEscalates(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.logFails = 3 // every retry attempt fails
	orch := newTestOrchestrator(p, knownHistory(), nil, nil, Hooks{})

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	d := rec.Decision
	if d == nil || d.Reason != incident.ReasonMaxRetries {
		t.Fatalf("decision = %+v, want max-retries-exhausted", d)
	}
	if d.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", d.RetryCount)
	}
	if got, want := d.Explanation, "Max retries (3) reached without successful log analysis"; got != want {
		t.Errorf("explanation = %q, want %q", got, want)
	}

	var kinds []incident.ErrorKind
	for _, e := range rec.Errors {
		kinds = append(kinds, e.Kind)
	}
	if len(kinds) != 1 || kinds[0] != incident.ErrBranchFailed {
		t.Errorf("error kinds = %v, want one branch_failed descriptor", kinds)
	}
	if rec.Stage != incident.StageCompleted {
		t.Errorf("stage = %q, want %q despite branch failure", rec.Stage, incident.StageCompleted)
	}
}

func TestRun_RemediationFailureStillCompletes(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.remediation = &incident.Remediation{Success: false, Details: "canary rollout failed"}
	n := &stubNotifier{}
	orch := newTestOrchestrator(p, knownHistory(), n, nil, Hooks{})

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec.Stage != incident.StageCompleted {
		t.Fatalf("stage = %q, want %q", rec.Stage, incident.StageCompleted)
	}
	if rec.Remediation == nil || rec.Remediation.Success {
		t.Fatalf("remediation = %+v, want recorded failure", rec.Remediation)
	}
	if rec.Escalation == nil {
		t.Fatal("expected escalation after failed mitigation")
	}
	if got, want := rec.Escalation.Reason, "Mitigation failed: canary rollout failed"; got != want {
		t.Errorf("escalation reason = %q, want %q", got, want)
	}
	if got := n.seen(); len(got) != 2 || got[1] != incident.StageNotified {
		t.Errorf("notified at stages %v, want final notification", got)
	}
}

func TestRun_MitigationErrorRecordsFailure(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.mitigateErr = errors.New("simulation backend down")
	orch := newTestOrchestrator(p, knownHistory(), nil, nil, Hooks{})

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec.Remediation == nil || rec.Remediation.Success {
		t.Fatalf("remediation = %+v, want failure", rec.Remediation)
	}
	if !strings.Contains(rec.Remediation.Details, "simulation backend down") {
		t.Errorf("details = %q, want provider error", rec.Remediation.Details)
	}
	if rec.Escalation == nil || !strings.HasPrefix(rec.Escalation.Reason, "Mitigation failed: ") {
		t.Errorf("escalation = %+v, want mitigation-failed reason", rec.Escalation)
	}
	if rec.Stage != incident.StageCompleted {
		t.Errorf("stage = %q, want %q", rec.Stage, incident.StageCompleted)
	}
}

func TestRun_NotifierFailureDoesNotAbort(t *testing.T) {
	t.Parallel()

	n := &stubNotifier{err: errors.New("webhook returned 500")}
	var notifyErrs int
	hooks := Hooks{OnNotify: func(err error) {
		if err != nil {
			notifyErrs++
		}
	}}
	orch := newTestOrchestrator(healthyProvider(), knownHistory(), n, nil, hooks)

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec.Stage != incident.StageCompleted {
		t.Errorf("stage = %q, want %q", rec.Stage, incident.StageCompleted)
	}
	if rec.Decision == nil || rec.Decision.Route != incident.RouteMitigate {
		t.Errorf("decision = %+v, want unchanged mitigate route", rec.Decision)
	}
	if notifyErrs != 2 {
		t.Errorf("notify error hook fired %d times, want 2", notifyErrs)
	}
}

func TestRun_ParseFailureFallsBack(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.parseErr = errors.New("model unavailable")
	orch := newTestOrchestrator(p, knownHistory(), nil, nil, Hooks{})

	raw := strings.Repeat("x", 150)
	rec := incident.New(raw)
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec.Service != incident.FallbackService {
		t.Errorf("service = %q, want %q", rec.Service, incident.FallbackService)
	}
	if rec.Severity != incident.SeverityMedium {
		t.Errorf("severity = %q, want %q", rec.Severity, incident.SeverityMedium)
	}
	if len(rec.Description) != 100 {
		t.Errorf("description length = %d, want truncation to 100", len(rec.Description))
	}
	if rec.Stage != incident.StageCompleted {
		t.Errorf("stage = %q, want %q", rec.Stage, incident.StageCompleted)
	}
}

func TestRun_UsedRecordFails(t *testing.T) {
	t.Parallel()

	var completed *CompleteEvent
	hooks := Hooks{OnComplete: func(e *CompleteEvent) { completed = e }}
	n := &stubNotifier{}
	orch := newTestOrchestrator(healthyProvider(), knownHistory(), n, nil, hooks)

	rec := incident.New("db timeouts")
	if err := rec.Advance(incident.StageTriggered); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	if err := orch.Run(context.Background(), rec); err == nil {
		t.Fatal("expected error for a record past created")
	}
	if rec.Stage != incident.StageFailed {
		t.Errorf("stage = %q, want %q", rec.Stage, incident.StageFailed)
	}
	if completed == nil || completed.Stage != incident.StageFailed {
		t.Errorf("complete event = %+v, want failed stage", completed)
	}
	if got := n.seen(); len(got) != 1 || got[0] != incident.StageFailed {
		t.Errorf("notified at stages %v, want terminal failure notification", got)
	}
}

func TestRun_DeadlineWritesOffStragglers(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.causeGate = make(chan struct{})
	defer close(p.causeGate)

	var timedOut bool
	hooks := Hooks{OnCoordinate: func(_ float64, to bool) { timedOut = to }}
	orch := NewOrchestrator(OrchestratorOptions{
		Provider: p,
		History:  knownHistory(),
		Config: Config{
			Retry:    fastRetry(3),
			Deadline: 60 * time.Millisecond,
		},
		Logger: log.Nop(),
		Hooks:  hooks,
	})

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !timedOut {
		t.Error("expected coordination timeout")
	}
	var deadlineErrs int
	for _, e := range rec.Errors {
		if e.Branch == incident.BranchRootCause && e.Kind == incident.ErrDeadline {
			deadlineErrs++
		}
	}
	if deadlineErrs != 1 {
		t.Errorf("deadline descriptors for root cause = %d, want 1", deadlineErrs)
	}

	// Missing root cause reads as worst-case zero confidence.
	if rec.Decision == nil || rec.Decision.Reason != incident.ReasonLowConfidence {
		t.Errorf("decision = %+v, want low-confidence escalation", rec.Decision)
	}
	if rec.Stage != incident.StageCompleted {
		t.Errorf("stage = %q, want %q", rec.Stage, incident.StageCompleted)
	}
}

func TestRun_HooksObserveLifecycle(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		branches = map[incident.Branch]string{}
		route    incident.Route
		reason   incident.ReasonCode
		event    *CompleteEvent
	)
	hooks := Hooks{
		OnBranch: func(b incident.Branch, status string, _ float64, _ int) {
			mu.Lock()
			defer mu.Unlock()
			branches[b] = status
		},
		OnDecision: func(r incident.Route, rc incident.ReasonCode) {
			mu.Lock()
			defer mu.Unlock()
			route, reason = r, rc
		},
		OnComplete: func(e *CompleteEvent) {
			mu.Lock()
			defer mu.Unlock()
			event = e
		},
	}
	orch := newTestOrchestrator(healthyProvider(), knownHistory(), nil, nil, hooks)

	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, b := range incident.Branches() {
		if branches[b] != "success" {
			t.Errorf("branch %s status = %q, want success", b, branches[b])
		}
	}
	if route != incident.RouteMitigate || reason != incident.ReasonHighConfidence {
		t.Errorf("decision hook = %s/%s, want mitigate/high-confidence", route, reason)
	}
	if event == nil || event.Stage != incident.StageCompleted || event.Route != incident.RouteMitigate {
		t.Errorf("complete event = %+v", event)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	got := Config{}.withDefaults()
	want := DefaultConfig()
	if got.Thresholds != want.Thresholds || got.Deadline != want.Deadline || got.NotifyTimeout != want.NotifyTimeout {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}
	if got.Retry.MaxAttempts != want.Thresholds.MaxRetries {
		t.Errorf("retry attempts = %d, want coupled to max retries %d", got.Retry.MaxAttempts, want.Thresholds.MaxRetries)
	}

	// Raising the retry ceiling flows into the retry policy.
	got = Config{Thresholds: Thresholds{MaxRetries: 5}}.withDefaults()
	if got.Retry.MaxAttempts != 5 {
		t.Errorf("retry attempts = %d, want 5", got.Retry.MaxAttempts)
	}
}

func TestRun_CreatesSpans(t *testing.T) {
	// Runs serially because it replaces the process-wide tracer provider.

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	orch := newTestOrchestrator(healthyProvider(), knownHistory(), nil, nil, Hooks{})
	rec := incident.New("db timeouts")
	if err := orch.Run(context.Background(), rec); err != nil {
		t.Fatalf("Run: %v", err)
	}

	spans := exporter.GetSpans()
	byName := make(map[string]int)
	for _, s := range spans {
		byName[s.Name]++
	}
	if byName["workflow.run"] != 1 {
		t.Errorf("workflow.run spans = %d, want 1", byName["workflow.run"])
	}
	for _, b := range incident.Branches() {
		name := "branch." + string(b)
		if byName[name] != 1 {
			t.Errorf("%s spans = %d, want 1", name, byName[name])
		}
	}

	for _, s := range spans {
		if s.Name != "workflow.run" {
			continue
		}
		attrs := make(map[string]any, len(s.Attributes))
		for _, a := range s.Attributes {
			attrs[string(a.Key)] = a.Value.AsInterface()
		}
		if attrs["aegis.incident.id"] != rec.ID {
			t.Errorf("aegis.incident.id = %v, want %s", attrs["aegis.incident.id"], rec.ID)
		}
		if attrs["aegis.route"] != string(incident.RouteMitigate) {
			t.Errorf("aegis.route = %v, want mitigate", attrs["aegis.route"])
		}
		if attrs["aegis.service"] != "Payment API" {
			t.Errorf("aegis.service = %v, want Payment API", attrs["aegis.service"])
		}
	}
}
