// Package display renders incident records and workflow progress for
// terminal output.
package display

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/linnemanlabs/aegis/internal/incident"
)

// ANSI-256 palette indices so output follows the terminal theme.
var (
	red    = lipgloss.Color("9")
	green  = lipgloss.Color("10")
	yellow = lipgloss.Color("11")
	cyan   = lipgloss.Color("14")
	gray   = lipgloss.Color("245")

	headStyle  = lipgloss.NewStyle().Bold(true).Foreground(cyan)
	keyStyle   = lipgloss.NewStyle().Foreground(gray)
	textStyle  = lipgloss.NewStyle()
	goodStyle  = lipgloss.NewStyle().Foreground(green)
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(yellow)
	badStyle   = lipgloss.NewStyle().Bold(true).Foreground(red)
	faintStyle = lipgloss.NewStyle().Foreground(gray)
)

const (
	keyColW  = 13 // left column holding "Stage:", "Confidence:", "Duration:"
	boxInner = 74 // content width between the summary box borders
)

// SeverityStyle picks the style for a normalized severity level.
func SeverityStyle(severity string) lipgloss.Style {
	switch severity {
	case incident.SeverityHigh:
		return badStyle
	case incident.SeverityLow:
		return goodStyle
	default:
		return warnStyle
	}
}

// StageStyle picks the style for a workflow stage.
func StageStyle(stage incident.Stage) lipgloss.Style {
	switch stage {
	case incident.StageCompleted:
		return goodStyle
	case incident.StageFailed:
		return badStyle
	default:
		return headStyle
	}
}

// RouteStyle picks the style for a decision route.
func RouteStyle(route incident.Route) lipgloss.Style {
	if route == incident.RouteMitigate {
		return goodStyle
	}
	return warnStyle
}

// StageLabel renders a stage constant as display text: "parallel_running"
// becomes "PARALLEL RUNNING".
func StageLabel(stage incident.Stage) string {
	return strings.ToUpper(strings.ReplaceAll(string(stage), "_", " "))
}

// BranchLabel renders a branch constant as display text.
func BranchLabel(b incident.Branch) string {
	switch b {
	case incident.BranchLogAnalysis:
		return "Log analysis"
	case incident.BranchKnowledgeLookup:
		return "Knowledge lookup"
	case incident.BranchRootCause:
		return "Root cause"
	}
	return string(b)
}

// Summary renders a terminal report for an incident record: identity,
// merged branch findings, the routing decision, and the outcome.
func Summary(rec *incident.Record) string {
	b := openBox(boxInner)

	b.row(fmt.Sprintf("%s  %s  %s",
		headStyle.Render(rec.ID),
		SeverityStyle(rec.Severity).Render(rec.Severity),
		textStyle.Render(rec.Service)))
	for _, line := range wrap(rec.Description, boxInner) {
		b.row(faintStyle.Render(line))
	}

	b.divider()
	b.kv("Stage", StageStyle(rec.Stage).Render(StageLabel(rec.Stage)))
	if d := rec.Decision; d != nil {
		b.kv("Route", RouteStyle(d.Route).Render(string(d.Route))+faintStyle.Render("  rule "+d.RuleID))
		b.kv("Confidence", textStyle.Render(fmt.Sprintf("%.2f", d.AggregateConfidence)))
	}
	if rec.Duration > 0 {
		b.kv("Duration", textStyle.Render(fmt.Sprintf("%.1fs", rec.Duration)))
	}
	if lines := timelineLines(rec, boxInner-2); len(lines) > 0 {
		b.row(keyStyle.Render("Timeline:"))
		for _, line := range lines {
			b.row("  " + faintStyle.Render(line))
		}
	}

	logs, history, cause := findings(rec)
	if logs != nil || history != nil || cause != nil || len(rec.Errors) > 0 {
		b.divider()
		writeFindings(b, rec, logs, history, cause)
	}
	if hasOutcome(rec) {
		b.divider()
		writeOutcome(b, rec)
	}

	return b.render()
}

// findings pulls each branch report off the record, nil when the branch
// produced nothing.
func findings(rec *incident.Record) (*incident.LogReport, *incident.HistoryReport, *incident.CauseReport) {
	var logs *incident.LogReport
	var history *incident.HistoryReport
	var cause *incident.CauseReport
	if res, ok := rec.Results[incident.BranchLogAnalysis]; ok {
		logs = res.Logs
	}
	if res, ok := rec.Results[incident.BranchKnowledgeLookup]; ok {
		history = res.History
	}
	if res, ok := rec.Results[incident.BranchRootCause]; ok {
		cause = res.Cause
	}
	return logs, history, cause
}

func hasOutcome(rec *incident.Record) bool {
	return (rec.Decision != nil && rec.Decision.Explanation != "") ||
		rec.Remediation != nil || rec.Escalation != nil
}

// writeFindings lays out the merged branch reports in display order,
// followed by any branch failures.
func writeFindings(b *box, rec *incident.Record, logs *incident.LogReport, history *incident.HistoryReport, cause *incident.CauseReport) {
	if logs != nil {
		head := fmt.Sprintf("Anomalies (%d)", len(logs.Anomalies))
		if logs.Attempts > 1 {
			head += fmt.Sprintf(", %d attempts", logs.Attempts)
		}
		b.row(keyStyle.Render(head + ":"))
		for _, a := range logs.Anomalies {
			b.bullet(a)
		}
	}

	if history != nil {
		b.row(keyStyle.Render(fmt.Sprintf("Similar incidents (%d):", len(history.Matches))))
		for _, m := range history.Matches {
			b.row(fmt.Sprintf("  • %s %s %s",
				headStyle.Render(m.ID),
				faintStyle.Render(fmt.Sprintf("%.2f", m.Score)),
				textStyle.Render(truncate(m.Description, boxInner-20))))
		}
	}

	if cause != nil {
		b.row(keyStyle.Render(fmt.Sprintf("Root cause (%.2f):", cause.Confidence)))
		for _, line := range wrap(cause.Cause, boxInner-2) {
			b.row("  " + textStyle.Render(line))
		}
	}

	for _, e := range rec.Errors {
		b.row(fmt.Sprintf("%s %s",
			badStyle.Render("✗ "+BranchLabel(e.Branch)+":"),
			textStyle.Render(truncate(e.Message, boxInner-24))))
	}
}

// writeOutcome lays out the decision explanation and the terminal path
// taken: remediation, escalation, or both when a mitigation failed.
func writeOutcome(b *box, rec *incident.Record) {
	if rec.Decision != nil {
		for _, line := range wrap(rec.Decision.Explanation, boxInner) {
			b.row(textStyle.Render(line))
		}
	}

	if rem := rec.Remediation; rem != nil {
		if rem.Success {
			b.row(goodStyle.Render("✓ Remediation applied"))
		} else {
			b.row(badStyle.Render("✗ Remediation failed"))
		}
		for _, line := range wrap(rem.Solution, boxInner-2) {
			b.row("  " + textStyle.Render(line))
		}
		if !rem.Success && rem.Details != "" {
			for _, line := range wrap(rem.Details, boxInner-2) {
				b.row("  " + faintStyle.Render(line))
			}
		}
	}

	if esc := rec.Escalation; esc != nil {
		b.row(warnStyle.Render("⚠ Escalated to on-call"))
		for _, line := range wrap(esc.Reason, boxInner-2) {
			b.row("  " + textStyle.Render(line))
		}
	}
}

// timelineLines renders the stage timeline as wrapped text, each entry
// offset from record creation. A record that never advanced renders
// nothing.
func timelineLines(rec *incident.Record, width int) []string {
	if len(rec.Timeline) < 2 {
		return nil
	}
	segs := make([]string, 0, len(rec.Timeline))
	for _, tc := range rec.Timeline {
		segs = append(segs, fmt.Sprintf("%s +%.2fs", tc.Stage, tc.At.Sub(rec.CreatedAt).Seconds()))
	}
	return wrap(strings.Join(segs, " ▸ "), width)
}

// box accumulates styled rows between rounded borders. Every row is
// padded to a fixed inner width so the right border never tears.
type box struct {
	inner int
	sb    strings.Builder
}

func openBox(inner int) *box {
	b := &box{inner: inner}
	b.frame("╭", "╮")
	return b
}

// frame draws one horizontal border line between the given corner glyphs.
func (b *box) frame(left, right string) {
	b.sb.WriteString(" " + faintStyle.Render(left+strings.Repeat("─", b.inner+2)+right) + "\n")
}

func (b *box) divider() {
	b.frame("├", "┤")
}

// row writes one content line. Padding counts visual cells, not bytes,
// so styled content stays aligned.
func (b *box) row(content string) {
	pad := b.inner - lipgloss.Width(content)
	if pad < 0 {
		pad = 0
	}
	border := faintStyle.Render("│")
	b.sb.WriteString(" " + border + " " + content + strings.Repeat(" ", pad) + " " + border + "\n")
}

// kv writes a labeled row with the label padded to the key column.
func (b *box) kv(key, styledVal string) {
	b.row(padVisual(keyStyle.Render(key+":"), keyColW) + " " + styledVal)
}

// bullet writes one list item, wrapping continuation lines under the
// item text.
func (b *box) bullet(text string) {
	for i, line := range wrap(text, b.inner-4) {
		if i == 0 {
			b.row("  • " + textStyle.Render(line))
			continue
		}
		b.row("    " + textStyle.Render(line))
	}
}

// render closes the box and returns everything written so far.
func (b *box) render() string {
	b.frame("╰", "╯")
	return b.sb.String()
}

// padVisual pads styled text with spaces up to width visual cells.
// fmt's %-*s verb would count the ANSI escape bytes too.
func padVisual(styled string, width int) string {
	if w := lipgloss.Width(styled); w < width {
		return styled + strings.Repeat(" ", width-w)
	}
	return styled
}

// wrap breaks s into lines no wider than width, splitting on spaces. A
// single word longer than width stays on its own line.
func wrap(s string, width int) []string {
	if width < 1 {
		width = 1
	}
	words := strings.Fields(s)
	if len(words) == 0 {
		return nil
	}
	lines := make([]string, 0, 1)
	line := words[0]
	for _, w := range words[1:] {
		if len(line)+1+len(w) > width {
			lines = append(lines, line)
			line = w
			continue
		}
		line += " " + w
	}
	return append(lines, line)
}

// truncate bounds s to limit characters, marking the cut with an ellipsis.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
