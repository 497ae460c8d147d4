package workflow

import (
	"context"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// ParsedAlert is the structured form of a raw alert produced by the
// trigger step.
type ParsedAlert struct {
	Service     string `json:"service"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// AnalysisProvider is the interface for any analysis backend. Every call
// may fail for external reasons (network, quota, parse); failures are
// normal outcomes the branch wrappers absorb, never a crash.
type AnalysisProvider interface {
	// ParseAlert extracts structured fields from raw alert text.
	ParseAlert(ctx context.Context, rawAlert string) (*ParsedAlert, error)

	// AnalyzeLogs inspects log evidence for the incident's service and
	// returns detected anomalies with a confidence value.
	AnalyzeLogs(ctx context.Context, snap incident.Snapshot) (*incident.LogReport, error)

	// AnalyzeRootCause produces a root-cause narrative. The merged sibling
	// results are passed when available; nil during a parallel run.
	AnalyzeRootCause(ctx context.Context, snap incident.Snapshot, logs *incident.LogReport, history *incident.HistoryReport) (*incident.CauseReport, error)

	// SimulateMitigation executes (or simulates) the chosen remediation.
	SimulateMitigation(ctx context.Context, snap incident.Snapshot, solution string) (*incident.Remediation, error)
}

// HistoryStore looks up historical incidents by service and keywords.
// An empty result is a valid, common outcome.
type HistoryStore interface {
	FindSimilar(ctx context.Context, service string, keywords []string) ([]incident.HistoryMatch, error)
}

// Notifier delivers a status notification for the record's current stage.
// Delivery is fire-and-forget under a short timeout; a Notifier failure
// never changes the incident's decided route.
type Notifier interface {
	Notify(ctx context.Context, rec *incident.Record) error
}
