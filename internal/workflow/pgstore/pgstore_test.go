package pgstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/linnemanlabs/aegis/internal/incident"
	"github.com/linnemanlabs/aegis/internal/postgres"
	"github.com/linnemanlabs/aegis/internal/workflow/pgstore"
)

// testStore connects to the database named by AEGIS_TEST_DATABASE_URL,
// or skips the test when none is configured.
func testStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("AEGIS_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("AEGIS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Postgres keeps microseconds on timestamptz columns; truncate up
	// front so the stored record compares equal.
	now := time.Now().UTC().Truncate(time.Microsecond)
	r := incident.New("Payment API experiencing database connection timeouts")
	r.CreatedAt = now
	r.ApplyParse("Payment API", "HIGH", "database connection timeouts")
	_ = r.AddResult(&incident.BranchResult{
		Branch: incident.BranchLogAnalysis,
		Logs: &incident.LogReport{
			Anomalies:  []string{"connection pool exhausted", "p99 latency spike"},
			Confidence: 0.85,
			Summary:    "pool saturation",
			Attempts:   2,
		},
		Duration: 1.2,
	})
	_ = r.AddResult(&incident.BranchResult{
		Branch: incident.BranchKnowledgeLookup,
		History: &incident.HistoryReport{
			Matches:  []incident.HistoryMatch{{ID: "INC-OLD", Service: "Payment API", Resolution: "scale pool", Score: 0.8}},
			Keywords: []string{"database", "connection", "timeouts"},
		},
	})
	_ = r.AddFailure(incident.BranchError{
		Branch:  incident.BranchRootCause,
		Kind:    incident.ErrDeadline,
		Message: "coordination deadline elapsed",
	})

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("record mutated in storage (-put +got):\n%s", diff)
	}
}

func TestMissingID(t *testing.T) {
	s := testStore(t)

	_, ok, err := s.Get(context.Background(), "INC-NONEXISTENT")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("lookup of an unknown ID reported a hit")
	}
}

func TestPutReplacesEarlierState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	r := incident.New("db timeouts")
	r.CreatedAt = now
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put initial: %v", err)
	}

	// Mutate nearly every column, write again, and expect the second
	// state back verbatim.
	r.ApplyParse("Auth Service", "LOW", "token refresh failures")
	_ = r.Advance(incident.StageTriggered)
	_ = r.SetDecision(&incident.Decision{
		Route:       incident.RouteEscalate,
		Reason:      incident.ReasonNoHistory,
		RuleID:      "R4",
		Explanation: "No similar historical incidents found for guidance",
		DecidedAt:   now,
	})
	r.Remediation = &incident.Remediation{Success: false, Solution: "restart", Details: "simulated", At: now}
	r.CompletedAt = now.Add(time.Minute)
	r.Duration = 60.0

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(r, got); diff != "" {
		t.Errorf("updated record diverged (-put +got):\n%s", diff)
	}
	if got.Escalation != nil {
		t.Errorf("escalation = %+v, want nil round-trip", got.Escalation)
	}
}

func TestTimelineRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	r := incident.New("db timeouts")
	_ = r.Advance(incident.StageTriggered)
	_ = r.Advance(incident.StageParallelRunning)

	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok, err := s.Get(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if len(got.Timeline) != 3 {
		t.Fatalf("timeline entries = %d, want 3", len(got.Timeline))
	}
	if got.Timeline[2].Stage != incident.StageParallelRunning {
		t.Errorf("timeline[2] = %q, want %q", got.Timeline[2].Stage, incident.StageParallelRunning)
	}
}
