package incident

// Branch names one of the concurrently executed analysis units.
type Branch string

const (
	BranchLogAnalysis     Branch = "log_analysis"
	BranchKnowledgeLookup Branch = "knowledge_lookup"
	BranchRootCause       Branch = "root_cause"
)

// Branches is the expected fan-out set, in display order.
func Branches() []Branch {
	return []Branch{BranchLogAnalysis, BranchKnowledgeLookup, BranchRootCause}
}

// Known reports whether b is one of the expected branch names. A report
// under any other name is an orchestrator-fatal invariant violation.
func (b Branch) Known() bool {
	switch b {
	case BranchLogAnalysis, BranchKnowledgeLookup, BranchRootCause:
		return true
	}
	return false
}

// ErrorKind classifies a branch-level failure.
type ErrorKind string

const (
	// ErrBranchFailed means the branch itself reported a terminal failure
	ErrBranchFailed ErrorKind = "branch_failed"

	// ErrDeadline means the branch did not report before the coordination
	// deadline and was written off by the barrier
	ErrDeadline ErrorKind = "deadline"
)

// BranchError describes one branch-level failure. Attempts carries the
// exact retry count reached, which the decision rules read for the
// log-analysis branch.
type BranchError struct {
	Branch   Branch    `json:"branch"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	Attempts int       `json:"attempts,omitempty"`
}
