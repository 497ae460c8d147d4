package workflow

import (
	"fmt"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// Thresholds parameterize the decision rule table.
type Thresholds struct {
	// Confidence is the minimum root-cause confidence for automated
	// mitigation. Must be in (0, 1].
	Confidence float64

	// MaxRetries is the log-analysis attempt budget. Must be >= 1.
	MaxRetries int
}

// DefaultThresholds returns the stock routing thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Confidence: 0.80,
		MaxRetries: 3,
	}
}

// Signals are the rule inputs extracted from a merged record. A branch
// missing from the results map contributes the worst value for its field
// (zero anomalies, zero confidence, zero similar incidents), so the
// matching rule fires instead of the engine crashing on absent data.
type Signals struct {
	RetryCount int
	Anomalies  int
	Confidence float64
	Similar    int
}

// Rule is one entry in the ordered decision table. Matches is evaluated
// against the signals only; rules never touch the record or do I/O.
type Rule struct {
	ID      string
	Reason  incident.ReasonCode
	Route   incident.Route
	Matches func(s Signals, t Thresholds) bool
	Explain func(s Signals, t Thresholds) string
}

// rules returns the decision table in priority order. Evaluation is
// first-match-wins; the final rule always matches.
func rules() []Rule {
	return []Rule{
		{
			ID:     "R1",
			Reason: incident.ReasonMaxRetries,
			Route:  incident.RouteEscalate,
			Matches: func(s Signals, t Thresholds) bool {
				return s.RetryCount >= t.MaxRetries
			},
			Explain: func(s Signals, t Thresholds) string {
				return fmt.Sprintf("Max retries (%d) reached without successful log analysis", t.MaxRetries)
			},
		},
		{
			ID:     "R2",
			Reason: incident.ReasonNoAnomalies,
			Route:  incident.RouteEscalate,
			Matches: func(s Signals, t Thresholds) bool {
				return s.Anomalies == 0
			},
			Explain: func(s Signals, t Thresholds) string {
				return "No anomalies detected in log analysis"
			},
		},
		{
			ID:     "R3",
			Reason: incident.ReasonLowConfidence,
			Route:  incident.RouteEscalate,
			Matches: func(s Signals, t Thresholds) bool {
				return s.Confidence < t.Confidence
			},
			Explain: func(s Signals, t Thresholds) string {
				return fmt.Sprintf("Low confidence (%.2f) in root cause analysis", s.Confidence)
			},
		},
		{
			ID:     "R4",
			Reason: incident.ReasonNoHistory,
			Route:  incident.RouteEscalate,
			Matches: func(s Signals, t Thresholds) bool {
				return s.Similar == 0
			},
			Explain: func(s Signals, t Thresholds) string {
				return "No similar historical incidents found for guidance"
			},
		},
		{
			ID:     "R5",
			Reason: incident.ReasonHighConfidence,
			Route:  incident.RouteMitigate,
			Matches: func(s Signals, t Thresholds) bool {
				return true
			},
			Explain: func(s Signals, t Thresholds) string {
				return fmt.Sprintf("High confidence (%.2f) root cause with %d similar incidents for guidance", s.Confidence, s.Similar)
			},
		},
	}
}

// ExtractSignals reads the rule inputs from a merged record. The retry
// count comes from the log-analysis payload when present, otherwise from
// the highest attempt count among log-analysis error descriptors.
func ExtractSignals(rec *incident.Record) Signals {
	var s Signals

	if res, ok := rec.Results[incident.BranchLogAnalysis]; ok && res.Logs != nil {
		s.Anomalies = len(res.Logs.Anomalies)
		s.RetryCount = res.Logs.Attempts
	} else {
		for _, e := range rec.Errors {
			if e.Branch == incident.BranchLogAnalysis && e.Attempts > s.RetryCount {
				s.RetryCount = e.Attempts
			}
		}
	}

	if res, ok := rec.Results[incident.BranchRootCause]; ok && res.Cause != nil {
		s.Confidence = res.Cause.Confidence
	}

	if res, ok := rec.Results[incident.BranchKnowledgeLookup]; ok && res.History != nil {
		s.Similar = len(res.History.Matches)
	}

	return s
}

// Decide evaluates the rule table against the merged record and returns
// the route plus decision metrics. Pure: no I/O, no clock, deterministic
// for identical records. DecidedAt is left zero for the caller to stamp.
func Decide(rec *incident.Record, th Thresholds) *incident.Decision {
	s := ExtractSignals(rec)
	for _, r := range rules() {
		if !r.Matches(s, th) {
			continue
		}
		return &incident.Decision{
			Route:               r.Route,
			Reason:              r.Reason,
			RuleID:              r.ID,
			Explanation:         r.Explain(s, th),
			Confidence:          s.Confidence,
			AggregateConfidence: rec.AggregateConfidence,
			AnomaliesFound:      s.Anomalies > 0,
			SimilarIncidents:    s.Similar,
			RetryCount:          s.RetryCount,
		}
	}
	// unreachable: the final rule always matches
	return nil
}
