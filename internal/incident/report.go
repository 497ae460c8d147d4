package incident

import "time"

// LogReport is the log-analysis branch payload.
type LogReport struct {
	Anomalies  []string `json:"anomalies"`
	Confidence float64  `json:"confidence,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	Attempts   int      `json:"attempts"`
}

// HistoryMatch is one ranked historical incident from the knowledge base.
type HistoryMatch struct {
	ID          string  `json:"id"`
	Service     string  `json:"service"`
	Description string  `json:"description"`
	Resolution  string  `json:"resolution"`
	Score       float64 `json:"score"`
}

// HistoryReport is the knowledge-lookup branch payload.
type HistoryReport struct {
	Matches  []HistoryMatch `json:"matches"`
	Keywords []string       `json:"keywords,omitempty"`
}

// CauseReport is the root-cause branch payload.
type CauseReport struct {
	Cause      string   `json:"cause"`
	Confidence float64  `json:"confidence"`
	Factors    []string `json:"factors,omitempty"`
}

// BranchResult is one branch's successful outcome. Exactly one of the
// payload pointers is set, matching Branch.
type BranchResult struct {
	Branch   Branch         `json:"branch"`
	Logs     *LogReport     `json:"logs,omitempty"`
	History  *HistoryReport `json:"history,omitempty"`
	Cause    *CauseReport   `json:"cause,omitempty"`
	Duration float64        `json:"duration_seconds,omitempty"`
}

// Route is the path selected by the decision rules.
type Route string

const (
	RouteMitigate Route = "mitigate"
	RouteEscalate Route = "escalate"
)

// ReasonCode identifies which decision rule matched.
type ReasonCode string

const (
	ReasonMaxRetries     ReasonCode = "max-retries-exhausted"
	ReasonNoAnomalies    ReasonCode = "no-anomalies"
	ReasonLowConfidence  ReasonCode = "low-confidence"
	ReasonNoHistory      ReasonCode = "no-history"
	ReasonHighConfidence ReasonCode = "high-confidence"
)

// Decision is the routing outcome plus the metrics it was based on.
// Written into the record exactly once.
type Decision struct {
	Route               Route      `json:"route"`
	Reason              ReasonCode `json:"reason"`
	RuleID              string     `json:"rule_id"`
	Explanation         string     `json:"explanation"`
	Confidence          float64    `json:"confidence"`
	AggregateConfidence float64    `json:"aggregate_confidence"`
	AnomaliesFound      bool       `json:"anomalies_found"`
	SimilarIncidents    int        `json:"similar_incidents_count"`
	RetryCount          int        `json:"retry_count"`
	DecidedAt           time.Time  `json:"decided_at"`
}

// Remediation is the outcome of the automated mitigation path.
type Remediation struct {
	Success  bool      `json:"success"`
	Solution string    `json:"solution"`
	Details  string    `json:"details,omitempty"`
	At       time.Time `json:"at"`
}

// Escalation is the outcome of the human hand-off path.
type Escalation struct {
	Reason  string    `json:"reason"`
	Summary string    `json:"summary,omitempty"`
	At      time.Time `json:"at"`
}
