package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/incident"
)

func testSnapshot() incident.Snapshot {
	return incident.Snapshot{
		ID:          "INC-01TESTSNAPSHOT",
		Service:     "Payment API",
		Severity:    incident.SeverityHigh,
		Description: "database connection timeouts and high error rates",
	}
}

// drain collects every outcome until the channel closes, keyed by branch.
func drain(t *testing.T, outcomes <-chan BranchOutcome) map[incident.Branch]BranchOutcome {
	t.Helper()
	got := make(map[incident.Branch]BranchOutcome)
	for o := range outcomes {
		if _, dup := got[o.Branch]; dup {
			t.Fatalf("branch %s reported twice", o.Branch)
		}
		got[o.Branch] = o
	}
	return got
}

func TestDispatch_AllBranchesReport(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	h := knownHistory()
	d := NewDispatcher(p, h, fastRetry(3), log.Nop(), Hooks{})

	got := drain(t, d.Dispatch(context.Background(), testSnapshot()))
	if len(got) != len(incident.Branches()) {
		t.Fatalf("outcomes = %d, want %d", len(got), len(incident.Branches()))
	}

	logs := got[incident.BranchLogAnalysis]
	if logs.Err != nil || logs.Logs == nil {
		t.Fatalf("log analysis outcome = %+v", logs)
	}
	if logs.Attempts != 1 || logs.Logs.Attempts != 1 {
		t.Errorf("attempts = %d/%d, want 1 on both outcome and report", logs.Attempts, logs.Logs.Attempts)
	}
	if len(logs.Logs.Anomalies) != 2 {
		t.Errorf("anomalies = %d, want 2", len(logs.Logs.Anomalies))
	}

	hist := got[incident.BranchKnowledgeLookup]
	if hist.Err != nil || hist.History == nil {
		t.Fatalf("knowledge lookup outcome = %+v", hist)
	}
	if len(hist.History.Matches) != 1 {
		t.Errorf("matches = %d, want 1", len(hist.History.Matches))
	}

	cause := got[incident.BranchRootCause]
	if cause.Err != nil || cause.Cause == nil {
		t.Fatalf("root cause outcome = %+v", cause)
	}
	if cause.Cause.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", cause.Cause.Confidence)
	}
}

func TestDispatch_FailureIsolation(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.causeErr = errors.New("model overloaded")
	d := NewDispatcher(p, knownHistory(), fastRetry(3), log.Nop(), Hooks{})

	got := drain(t, d.Dispatch(context.Background(), testSnapshot()))

	if got[incident.BranchRootCause].Err == nil {
		t.Error("expected root cause failure")
	}
	if got[incident.BranchLogAnalysis].Err != nil {
		t.Error("log analysis must not be affected by a sibling failure")
	}
	if got[incident.BranchKnowledgeLookup].Err != nil {
		t.Error("knowledge lookup must not be affected by a sibling failure")
	}
}

func TestDispatch_LogAnalysisRetries(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.logFails = 1
	d := NewDispatcher(p, knownHistory(), fastRetry(3), log.Nop(), Hooks{})

	got := drain(t, d.Dispatch(context.Background(), testSnapshot()))
	logs := got[incident.BranchLogAnalysis]
	if logs.Err != nil {
		t.Fatalf("log analysis err = %v, want recovery on retry", logs.Err)
	}
	if logs.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", logs.Attempts)
	}
	if logs.Logs.Attempts != 2 {
		t.Errorf("report attempts = %d, want 2", logs.Logs.Attempts)
	}
}

func TestDispatch_LogAnalysisExhausted(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	p.logFails = 3
	d := NewDispatcher(p, knownHistory(), fastRetry(3), log.Nop(), Hooks{})

	got := drain(t, d.Dispatch(context.Background(), testSnapshot()))
	logs := got[incident.BranchLogAnalysis]
	if logs.Err == nil {
		t.Fatal("expected exhausted retries to surface an error")
	}
	if logs.Attempts != 3 {
		t.Errorf("attempts = %d, want exactly 3", logs.Attempts)
	}
	if logs.Logs != nil {
		t.Errorf("logs payload = %+v, want none on failure", logs.Logs)
	}
}

func TestDispatch_BranchesRunConcurrently(t *testing.T) {
	t.Parallel()

	// Every branch blocks until all three have started. A sequential
	// dispatcher would never release the barrier.
	var gate sync.WaitGroup
	gate.Add(3)

	p := healthyProvider()
	p.gate = &gate
	h := knownHistory()
	h.gate = &gate
	d := NewDispatcher(p, h, fastRetry(3), log.Nop(), Hooks{})

	outcomes := d.Dispatch(context.Background(), testSnapshot())

	done := make(chan int, 1)
	go func() {
		n := 0
		for range outcomes {
			n++
		}
		done <- n
	}()

	select {
	case n := <-done:
		if n != 3 {
			t.Errorf("outcomes = %d, want 3", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("branches did not run concurrently")
	}
}

func TestDispatch_KeywordDerivation(t *testing.T) {
	t.Parallel()

	p := healthyProvider()
	h := knownHistory()
	d := NewDispatcher(p, h, fastRetry(3), log.Nop(), Hooks{})

	drain(t, d.Dispatch(context.Background(), testSnapshot()))

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.service != "Payment API" {
		t.Errorf("service = %q, want Payment API", h.service)
	}
	if diff := cmp.Diff([]string{"database", "connection", "timeouts"}, h.keywords); diff != "" {
		t.Errorf("keywords mismatch (-want +got):\n%s", diff)
	}
}

func TestLookupKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"long description", "database connection timeouts and high error rates", []string{"database", "connection", "timeouts"}},
		{"short description", "memory leak", []string{"memory", "leak"}},
		{"empty", "", []string{}},
		{"whitespace only", "   ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := lookupKeywords(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("lookupKeywords(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

func TestDispatch_HookObservesBranchStatus(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	statuses := make(map[incident.Branch]string)
	attempts := make(map[incident.Branch]int)
	hooks := Hooks{OnBranch: func(b incident.Branch, status string, _ float64, n int) {
		mu.Lock()
		defer mu.Unlock()
		statuses[b] = status
		attempts[b] = n
	}}

	p := healthyProvider()
	p.logFails = 3
	d := NewDispatcher(p, knownHistory(), fastRetry(3), log.Nop(), hooks)

	drain(t, d.Dispatch(context.Background(), testSnapshot()))

	mu.Lock()
	defer mu.Unlock()
	if statuses[incident.BranchLogAnalysis] != "error" {
		t.Errorf("log analysis status = %q, want error", statuses[incident.BranchLogAnalysis])
	}
	if attempts[incident.BranchLogAnalysis] != 3 {
		t.Errorf("log analysis attempts = %d, want 3", attempts[incident.BranchLogAnalysis])
	}
	if statuses[incident.BranchRootCause] != "success" {
		t.Errorf("root cause status = %q, want success", statuses[incident.BranchRootCause])
	}
}

func TestLookupKeywords_CapsAtThree(t *testing.T) {
	t.Parallel()

	got := lookupKeywords("one two three four five")
	if len(got) != maxLookupKeywords {
		t.Errorf("keywords = %v, want %d entries", got, maxLookupKeywords)
	}
}
