package memstore

import (
	"context"
	"fmt"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/aegis/internal/incident"
)

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "INC-MISSING"); err != nil || ok {
		t.Fatalf("Get on empty store = ok=%v err=%v, want miss", ok, err)
	}

	r := incident.New("db timeouts")
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("Get after Put = ok=%v err=%v", ok, err)
	}
	if got.ID != r.ID || got.RawAlert != "db timeouts" {
		t.Errorf("got ID=%q RawAlert=%q", got.ID, got.RawAlert)
	}

	// A second Put under the same ID replaces the stored record.
	r.ApplyParse("Payment API", "HIGH", "connection pool exhausted")
	if err := s.Put(ctx, r); err != nil {
		t.Fatalf("Put again: %v", err)
	}
	got, _, _ = s.Get(ctx, r.ID)
	if got.Service != "Payment API" {
		t.Errorf("Service = %q, want the re-put value", got.Service)
	}
}

func TestStore_CopiesBothWays(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	r := incident.New("db timeouts")
	_ = r.AddResult(&incident.BranchResult{
		Branch: incident.BranchLogAnalysis,
		Logs:   &incident.LogReport{Anomalies: []string{"spike"}, Confidence: 0.8},
	})
	_ = s.Put(ctx, r)

	// Mutating the original after Put must not affect the stored copy.
	r.Results[incident.BranchLogAnalysis].Logs.Anomalies[0] = "mutated"
	got, _, _ := s.Get(ctx, r.ID)
	if got.Results[incident.BranchLogAnalysis].Logs.Anomalies[0] != "spike" {
		t.Error("Put stored a shared reference instead of a copy")
	}

	// Mutating a Get result must not affect the stored copy either.
	got.Results[incident.BranchLogAnalysis].Logs.Anomalies[0] = "mutated"
	again, _, _ := s.Get(ctx, r.ID)
	if again.Results[incident.BranchLogAnalysis].Logs.Anomalies[0] != "spike" {
		t.Error("Get returned a shared reference instead of a copy")
	}
}

func TestStore_ParallelReadersAndWriters(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var g errgroup.Group
	for i := range 64 {
		rec := incident.New(fmt.Sprintf("alert %d", i))
		g.Go(func() error { return s.Put(ctx, rec) })
		g.Go(func() error {
			_, _, err := s.Get(ctx, rec.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent access: %v", err)
	}
}
