package display

import (
	"fmt"
	"io"
	"sync"

	"github.com/linnemanlabs/aegis/internal/incident"
	"github.com/linnemanlabs/aegis/internal/workflow"
)

// progressLabelW is the milestone label column width.
const progressLabelW = 18

// Progress narrates workflow milestones on a writer as they happen. Hook
// callbacks arrive from branch goroutines, so writes are serialized.
type Progress struct {
	mu sync.Mutex
	w  io.Writer
}

// NewProgress creates a progress printer over w.
func NewProgress(w io.Writer) *Progress {
	return &Progress{w: w}
}

// Hooks returns workflow hooks that print one line per milestone.
func (p *Progress) Hooks() workflow.Hooks {
	return workflow.Hooks{
		OnBranch:     p.branch,
		OnCoordinate: p.coordinate,
		OnDecision:   p.decision,
	}
}

func (p *Progress) branch(b incident.Branch, status string, seconds float64, attempts int) {
	mark := goodStyle.Render("✓")
	suffix := ""
	if attempts > 1 {
		suffix = fmt.Sprintf("  %d attempts", attempts)
	}
	if status != "success" {
		mark = badStyle.Render("✗")
	}
	p.line(mark, BranchLabel(b), faintStyle.Render(fmt.Sprintf("%5.2fs%s", seconds, suffix)))
}

func (p *Progress) coordinate(waited float64, timedOut bool) {
	if timedOut {
		p.line(warnStyle.Render("⚠"), "Coordination", warnStyle.Render(fmt.Sprintf("deadline hit after %.2fs", waited)))
		return
	}
	p.line(goodStyle.Render("✓"), "Coordination", faintStyle.Render(fmt.Sprintf("%5.2fs", waited)))
}

func (p *Progress) decision(route incident.Route, reason incident.ReasonCode) {
	detail := RouteStyle(route).Render(string(route)) + faintStyle.Render("  ("+string(reason)+")")
	p.line(headStyle.Render("▸"), "Decision", detail)
}

// line writes one styled milestone row. Detail arrives pre-styled so each
// caller controls its emphasis.
func (p *Progress) line(mark, label, detail string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "   %s %s %s\n", mark, padVisual(label, progressLabelW), detail)
}
