// Package offline implements a deterministic analysis provider used when
// no Claude API key is configured. Alerts for known demo services get
// canned analyses that exercise the different decision routes; anything
// else parses to the unknown-service fallback.
package offline

import (
	"context"
	"strings"
	"time"

	"github.com/linnemanlabs/aegis/internal/incident"
	"github.com/linnemanlabs/aegis/internal/workflow"
)

// Provider is a workflow.AnalysisProvider with canned, deterministic
// results. The optional delay is applied to every call so the parallel
// phase stays visible in demos; it honors context cancellation.
type Provider struct {
	delay time.Duration
}

// New creates an offline provider. A zero delay answers immediately.
func New(delay time.Duration) *Provider {
	return &Provider{delay: delay}
}

// scenario is one recognized alert family and its canned analyses.
type scenario struct {
	parse             workflow.ParsedAlert
	anomalies         []string
	logConfidence     float64
	logSummary        string
	cause             string
	causeConfidence   float64
	factors           []string
	mitigationDetails string
}

var scenarios = []struct {
	match func(alert string) bool
	scenario
}{
	{
		match: func(a string) bool {
			return strings.Contains(a, "payment") && (strings.Contains(a, "database") || strings.Contains(a, "timeout"))
		},
		scenario: scenario{
			parse: workflow.ParsedAlert{
				Service:     "Payment API",
				Severity:    "HIGH",
				Description: "database connection timeouts and high error rates",
			},
			anomalies: []string{
				"Connection pool exhausted: 150/150 connections in use",
				"Query latency p99 at 8.2s against a 120ms baseline",
				"Error rate 23% on POST /api/checkout",
			},
			logConfidence:   0.92,
			logSummary:      "Connection pool saturation correlates with the error rate spike",
			cause:           "Database connection pool exhaustion under peak checkout traffic",
			causeConfidence: 0.88,
			factors: []string{
				"Pool limit unchanged since the last capacity review",
				"Checkout traffic 3x above weekly baseline",
			},
			mitigationDetails: "Raised the pool limit and restarted the connection manager; error rate recovered",
		},
	},
	{
		match: func(a string) bool {
			return strings.Contains(a, "auth") && (strings.Contains(a, "memory") || strings.Contains(a, "leak"))
		},
		scenario: scenario{
			parse: workflow.ParsedAlert{
				Service:     "Auth Service",
				Severity:    "HIGH",
				Description: "memory leak patterns and degraded performance",
			},
			anomalies: []string{
				"Heap usage climbing 4% per hour since the last deploy",
				"GC pause p99 doubled over the same window",
			},
			logConfidence:   0.81,
			logSummary:      "Steady heap growth with no matching traffic increase",
			cause:           "Suspected session cache growth in the token refresh path",
			causeConfidence: 0.72,
			factors: []string{
				"Heap profile dominated by session entries",
				"No recent dependency upgrade to pin the leak to",
			},
			mitigationDetails: "Rolled the deployment and capped the session cache",
		},
	},
	{
		match: func(a string) bool {
			return strings.Contains(a, "load balancer") || (strings.Contains(a, "traffic") && strings.Contains(a, "uneven"))
		},
		scenario: scenario{
			parse: workflow.ParsedAlert{
				Service:     "Load Balancer",
				Severity:    "MEDIUM",
				Description: "uneven traffic distribution and connection failures",
			},
			anomalies:       []string{},
			logConfidence:   0.85,
			logSummary:      "Backend logs show volume and error rates within normal bounds",
			cause:           "Connection imbalance after a node pool scale-up",
			causeConfidence: 0.84,
			factors: []string{
				"New nodes registered with zero warm connections",
			},
			mitigationDetails: "Rebalanced backends and drained the hot node",
		},
	},
}

// unknown is the canned analysis for alerts no scenario matches. ParseAlert
// deliberately returns nothing for these so the trigger step applies the
// unknown-service fallback.
var unknown = scenario{
	anomalies: []string{
		"Intermittent task restarts with no correlated deploy",
	},
	logConfidence:   0.86,
	logSummary:      "Sparse evidence; restarts observed without a clear trigger",
	cause:           "Unattributed instability in an unidentified component",
	causeConfidence: 0.90,
	factors: []string{
		"No service name to scope the investigation to",
	},
	mitigationDetails: "Applied the standard recovery runbook",
}

func lookup(text string) (scenario, bool) {
	a := strings.ToLower(text)
	for _, s := range scenarios {
		if s.match(a) {
			return s.scenario, true
		}
	}
	return unknown, false
}

// ParseAlert recognizes the demo alert families. Unrecognized alerts
// return (nil, nil): the caller falls back to defaults.
func (p *Provider) ParseAlert(ctx context.Context, rawAlert string) (*workflow.ParsedAlert, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	s, ok := lookup(rawAlert)
	if !ok {
		return nil, nil
	}
	parsed := s.parse
	return &parsed, nil
}

// AnalyzeLogs returns the scenario's canned log evidence. The report is a
// fresh allocation per call; callers mutate it.
func (p *Provider) AnalyzeLogs(ctx context.Context, snap incident.Snapshot) (*incident.LogReport, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	s, _ := lookup(snap.RawAlert)
	return &incident.LogReport{
		Anomalies:  append([]string{}, s.anomalies...),
		Confidence: s.logConfidence,
		Summary:    s.logSummary,
	}, nil
}

// AnalyzeRootCause returns the scenario's canned cause narrative.
func (p *Provider) AnalyzeRootCause(ctx context.Context, snap incident.Snapshot, logs *incident.LogReport, history *incident.HistoryReport) (*incident.CauseReport, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	s, _ := lookup(snap.RawAlert)
	return &incident.CauseReport{
		Cause:      s.cause,
		Confidence: s.causeConfidence,
		Factors:    append([]string{}, s.factors...),
	}, nil
}

// SimulateMitigation always succeeds offline, echoing the solution it was
// handed.
func (p *Provider) SimulateMitigation(ctx context.Context, snap incident.Snapshot, solution string) (*incident.Remediation, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	s, _ := lookup(snap.RawAlert)
	return &incident.Remediation{
		Success:  true,
		Solution: solution,
		Details:  s.mitigationDetails,
	}, nil
}

func (p *Provider) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return nil
	}
	t := time.NewTimer(p.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
