package incident

// Stage tracks where an incident is in its workflow lifecycle.
type Stage string

const (
	// StageCreated means the record exists but the workflow has not started
	StageCreated Stage = "created"

	// StageTriggered means the alert has been parsed into structured fields
	StageTriggered Stage = "triggered"

	// StageParallelRunning means the three analysis branches are in flight
	StageParallelRunning Stage = "parallel_running"

	// StageCoordinating means the join barrier is waiting on branches
	StageCoordinating Stage = "coordinating"

	// StageCoordinated means the barrier released and results are merged
	StageCoordinated Stage = "coordinated"

	// StageDecided means the rule table has selected a route
	StageDecided Stage = "decided"

	// StageRemediating means the automated mitigation path is running
	StageRemediating Stage = "remediating"

	// StageEscalating means the incident is being handed to a human
	StageEscalating Stage = "escalating"

	// StageNotified means the final status notification was attempted
	StageNotified Stage = "notified"

	// StageCompleted means the workflow finished normally
	StageCompleted Stage = "completed"

	// StageFailed means an orchestrator-level error aborted the workflow
	StageFailed Stage = "failed"
)

// stageOrder defines the one-directional transition order. Remediating and
// Escalating share an ordinal: exactly one of them is entered from Decided,
// and neither can transition into the other.
var stageOrder = map[Stage]int{
	StageCreated:         0,
	StageTriggered:       1,
	StageParallelRunning: 2,
	StageCoordinating:    3,
	StageCoordinated:     4,
	StageDecided:         5,
	StageRemediating:     6,
	StageEscalating:      6,
	StageNotified:        7,
	StageCompleted:       8,
	StageFailed:          9,
}

// Terminal reports whether s is a terminal stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ordinal returns the position of s in the state machine, or -1 for an
// unknown stage.
func (s Stage) ordinal() int {
	n, ok := stageOrder[s]
	if !ok {
		return -1
	}
	return n
}
