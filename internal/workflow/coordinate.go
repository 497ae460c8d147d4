package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// ErrUnknownBranch marks a report under a name outside the expected set.
// It is orchestrator-fatal: the incident aborts into the failed stage.
var ErrUnknownBranch = xerrors.New("branch report outside expected set")

// Coordinator is the join barrier. During the parallel run it holds the
// only writable path into the record; every merge goes through its mutex,
// so concurrent or duplicate completion signals cannot corrupt the
// results map or double-count a branch.
type Coordinator struct {
	deadline time.Duration
	logger   log.Logger

	mu sync.Mutex
}

// NewCoordinator creates a coordinator with the given coordination
// deadline. A nil logger degrades to Nop.
func NewCoordinator(deadline time.Duration, logger log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Nop()
	}
	return &Coordinator{deadline: deadline, logger: logger}
}

// Collect consumes branch outcomes until every expected branch has
// reported or the deadline elapses, whichever comes first. On deadline
// expiry the missing branches are recorded as failed-by-timeout and the
// merged record proceeds with whatever is present; Collect never blocks
// indefinitely. Late results after release are discarded by the barrier's
// idempotent merge. The returned flag reports whether the deadline fired;
// the only error is an orchestrator-fatal invariant violation.
func (c *Coordinator) Collect(ctx context.Context, rec *incident.Record, outcomes <-chan BranchOutcome) (timedOut bool, err error) {
	timer := time.NewTimer(c.deadline)
	defer timer.Stop()

	for !c.allDone(rec) {
		select {
		case o, ok := <-outcomes:
			if !ok {
				// Dispatcher closed the channel with branches missing.
				c.markMissing(rec, "branch never reported")
				c.release(rec)
				return false, nil
			}
			if err := c.Merge(rec, o); err != nil {
				return false, err
			}

		case <-timer.C:
			n := c.markMissing(rec, "coordination deadline elapsed")
			c.logger.Warn(ctx, "coordination deadline elapsed",
				"incident_id", rec.ID,
				"missing_branches", n,
				"deadline", c.deadline.String(),
			)
			c.release(rec)
			return true, nil

		case <-ctx.Done():
			c.markMissing(rec, "coordination canceled: "+ctx.Err().Error())
			c.release(rec)
			return true, nil
		}
	}

	c.release(rec)
	return false, nil
}

// Merge applies a single branch outcome to the record as one atomic step:
// insert the result or error descriptor, add the branch to the completed
// set. The first report per branch wins; a duplicate is logged and
// dropped. A report under an unknown branch name returns ErrUnknownBranch.
func (c *Coordinator) Merge(rec *incident.Record, o BranchOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !o.Branch.Known() {
		return fmt.Errorf("%w: %q", ErrUnknownBranch, o.Branch)
	}
	if rec.Done(o.Branch) {
		c.logger.Warn(context.Background(), "duplicate branch report dropped",
			"incident_id", rec.ID,
			"branch", string(o.Branch),
		)
		return nil
	}

	if o.Err != nil {
		rec.AddFailure(incident.BranchError{
			Branch:   o.Branch,
			Kind:     incident.ErrBranchFailed,
			Message:  o.Err.Error(),
			Attempts: o.Attempts,
		})
		return nil
	}

	rec.AddResult(&incident.BranchResult{
		Branch:   o.Branch,
		Logs:     o.Logs,
		History:  o.History,
		Cause:    o.Cause,
		Duration: o.Duration.Seconds(),
	})
	return nil
}

// markMissing records a failed-by-timeout descriptor for every branch that
// has not reported, and returns how many were written off.
func (c *Coordinator) markMissing(rec *incident.Record, msg string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, b := range incident.Branches() {
		if rec.Done(b) {
			continue
		}
		rec.AddFailure(incident.BranchError{Branch: b, Kind: incident.ErrDeadline, Message: msg})
		n++
	}
	return n
}

// release computes the aggregate confidence from every branch that
// supplied one. Root-cause is the primary source; a log-analysis
// confidence contributes when present. No supplied value means zero,
// which sits below any valid threshold.
func (c *Coordinator) release(rec *incident.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var sum float64
	var n int
	if res, ok := rec.Results[incident.BranchRootCause]; ok && res.Cause != nil {
		sum += res.Cause.Confidence
		n++
	}
	if res, ok := rec.Results[incident.BranchLogAnalysis]; ok && res.Logs != nil && res.Logs.Confidence > 0 {
		sum += res.Logs.Confidence
		n++
	}
	if n > 0 {
		rec.AggregateConfidence = sum / float64(n)
	}
}

func (c *Coordinator) allDone(rec *incident.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rec.AllDone()
}
