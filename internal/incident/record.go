package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Severity levels recognized on parsed alerts. Anything else normalizes
// to SeverityMedium.
const (
	SeverityHigh   = "HIGH"
	SeverityMedium = "MEDIUM"
	SeverityLow    = "LOW"
)

// FallbackService is the service name used when alert parsing fails.
const FallbackService = "Unknown Service"

// fallbackDescriptionLen bounds the description taken from the raw alert
// when parsing fails.
const fallbackDescriptionLen = 100

// NewID returns a fresh incident identifier.
func NewID() string {
	return "INC-" + ulid.Make().String()
}

// StageChange is one entry in the record's stage timeline.
type StageChange struct {
	Stage Stage     `json:"stage"`
	At    time.Time `json:"at"`
}

// Record is the state for one incident. It is plain data: the coordinator
// serializes merges, and stores persist deep copies, so the record itself
// carries no locking.
type Record struct {
	ID          string `json:"id"`
	RawAlert    string `json:"raw_alert"`
	Service     string `json:"service"`
	Severity    string `json:"severity"`
	Description string `json:"description"`

	Stage    Stage         `json:"stage"`
	Timeline []StageChange `json:"timeline,omitempty"`

	Results   map[Branch]*BranchResult `json:"results"`
	Completed map[Branch]bool          `json:"completed"`
	Errors    []BranchError            `json:"errors,omitempty"`

	AggregateConfidence float64      `json:"aggregate_confidence,omitempty"`
	Decision            *Decision    `json:"decision,omitempty"`
	Remediation         *Remediation `json:"remediation,omitempty"`
	Escalation          *Escalation  `json:"escalation,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Duration    float64   `json:"duration_seconds,omitempty"`
}

// New creates a record for a raw alert with a fresh ID at StageCreated.
func New(rawAlert string) *Record {
	now := time.Now()
	return &Record{
		ID:        NewID(),
		RawAlert:  rawAlert,
		Stage:     StageCreated,
		Timeline:  []StageChange{{Stage: StageCreated, At: now}},
		Results:   make(map[Branch]*BranchResult),
		Completed: make(map[Branch]bool),
		CreatedAt: now,
	}
}

// ApplyParse sets the structured fields from the trigger step. The fields
// are write-once: later calls are no-ops. Empty fields fall back to
// defaults derived from the raw alert.
func (r *Record) ApplyParse(service, severity, description string) {
	if r.Service != "" {
		return
	}
	if service == "" {
		service = FallbackService
	}
	if description == "" {
		description = r.RawAlert
		if len(description) > fallbackDescriptionLen {
			description = description[:fallbackDescriptionLen]
		}
	}
	r.Service = service
	r.Severity = NormalizeSeverity(severity)
	r.Description = description
}

// ApplyParseFallback fills the structured fields from the raw alert alone,
// used when the provider could not produce a parse.
func (r *Record) ApplyParseFallback() {
	r.ApplyParse("", "", "")
}

// NormalizeSeverity maps free-form severity text onto HIGH/MEDIUM/LOW.
func NormalizeSeverity(s string) string {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case SeverityHigh:
		return SeverityHigh
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Advance moves the record to the next stage. Transitions must move
// strictly forward along the state machine; StageFailed is reachable from
// any non-terminal stage. A backward or sideways transition is an
// invariant violation and returns an error with the record unchanged.
func (r *Record) Advance(next Stage) error {
	if next.ordinal() < 0 {
		return fmt.Errorf("unknown stage %q", next)
	}
	if r.Stage.Terminal() {
		return fmt.Errorf("stage transition %s -> %s: record is terminal", r.Stage, next)
	}
	if next != StageFailed && next.ordinal() <= r.Stage.ordinal() {
		return fmt.Errorf("stage transition %s -> %s: not monotonic", r.Stage, next)
	}
	r.Stage = next
	r.Timeline = append(r.Timeline, StageChange{Stage: next, At: time.Now()})
	return nil
}

// AddResult merges one successful branch outcome. The first report for a
// branch wins: a duplicate is a no-op and returns false. The results map
// never loses an entry.
func (r *Record) AddResult(res *BranchResult) bool {
	if res == nil || r.Completed[res.Branch] {
		return false
	}
	r.Completed[res.Branch] = true
	r.Results[res.Branch] = res
	return true
}

// AddFailure merges one terminal branch failure. Like AddResult it is
// idempotent per branch: only the first report counts.
func (r *Record) AddFailure(e BranchError) bool {
	if r.Completed[e.Branch] {
		return false
	}
	r.Completed[e.Branch] = true
	r.Errors = append(r.Errors, e)
	return true
}

// Done reports whether the branch has completed (success or failure).
func (r *Record) Done(b Branch) bool {
	return r.Completed[b]
}

// AllDone reports whether every expected branch has completed.
func (r *Record) AllDone() bool {
	for _, b := range Branches() {
		if !r.Completed[b] {
			return false
		}
	}
	return true
}

// SetDecision writes the decision metrics. They are written exactly once;
// a second write is an invariant violation.
func (r *Record) SetDecision(d *Decision) error {
	if r.Decision != nil {
		return fmt.Errorf("decision already recorded for %s", r.ID)
	}
	r.Decision = d
	return nil
}

// Finish marks the record terminal and stamps the total duration.
func (r *Record) Finish(final Stage) error {
	if err := r.Advance(final); err != nil {
		return err
	}
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.CreatedAt).Seconds()
	return nil
}

// Snapshot is the immutable view of incident context handed to branches.
type Snapshot struct {
	ID          string
	Service     string
	Severity    string
	Description string
	RawAlert    string
}

// Snapshot returns the branch-facing view of the record.
func (r *Record) Snapshot() Snapshot {
	return Snapshot{
		ID:          r.ID,
		Service:     r.Service,
		Severity:    r.Severity,
		Description: r.Description,
		RawAlert:    r.RawAlert,
	}
}

// Clone returns a deep copy. Stores use it so callers never share
// interior maps or slices with persisted state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r

	cp.Timeline = append([]StageChange(nil), r.Timeline...)
	cp.Errors = append([]BranchError(nil), r.Errors...)

	cp.Results = make(map[Branch]*BranchResult, len(r.Results))
	for b, res := range r.Results {
		rc := *res
		if res.Logs != nil {
			lg := *res.Logs
			lg.Anomalies = append([]string(nil), res.Logs.Anomalies...)
			rc.Logs = &lg
		}
		if res.History != nil {
			h := *res.History
			h.Matches = append([]HistoryMatch(nil), res.History.Matches...)
			h.Keywords = append([]string(nil), res.History.Keywords...)
			rc.History = &h
		}
		if res.Cause != nil {
			c := *res.Cause
			c.Factors = append([]string(nil), res.Cause.Factors...)
			rc.Cause = &c
		}
		cp.Results[b] = &rc
	}

	cp.Completed = make(map[Branch]bool, len(r.Completed))
	for b, done := range r.Completed {
		cp.Completed[b] = done
	}

	if r.Decision != nil {
		d := *r.Decision
		cp.Decision = &d
	}
	if r.Remediation != nil {
		m := *r.Remediation
		cp.Remediation = &m
	}
	if r.Escalation != nil {
		e := *r.Escalation
		cp.Escalation = &e
	}
	return &cp
}
