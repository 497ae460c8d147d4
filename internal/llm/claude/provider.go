package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/linnemanlabs/aegis/internal/incident"
	"github.com/linnemanlabs/aegis/internal/workflow"
)

const (
	responseTokens = 4096

	fallbackCause      = "Unknown cause"
	fallbackConfidence = 0.70
	fallbackDetails    = "Mitigation executed"
)

const systemPrompt = `You are Aegis, an incident-response analysis AI. You parse alerts, inspect logs for anomalies, reason about root causes, and assess mitigations. Answer each task with a single compact JSON object, exactly as asked. Your output is consumed by software, not humans.`

// ParseAlert extracts service, severity and description from raw alert
// text. A reply without a JSON object yields (nil, nil); the caller
// applies its own fallback.
func (c *Client) ParseAlert(ctx context.Context, rawAlert string) (*workflow.ParsedAlert, error) {
	resp, err := c.send(ctx, &request{
		MaxTokens: responseTokens,
		System:    systemPrompt,
		Messages:  []message{userText(parseAlertPrompt(rawAlert))},
	})
	if err != nil {
		return nil, err
	}
	return parseAlertReply(textOf(resp)), nil
}

// AnalyzeRootCause produces a cause hypothesis with a confidence value,
// informed by whatever sibling evidence is available.
func (c *Client) AnalyzeRootCause(ctx context.Context, snap incident.Snapshot, logs *incident.LogReport, history *incident.HistoryReport) (*incident.CauseReport, error) {
	resp, err := c.send(ctx, &request{
		MaxTokens: responseTokens,
		System:    systemPrompt,
		Messages:  []message{userText(rootCausePrompt(snap, logs, history))},
	})
	if err != nil {
		return nil, err
	}
	return parseCauseReply(textOf(resp)), nil
}

// SimulateMitigation plays the chosen remediation through the model and
// reports whether it would have resolved the incident.
func (c *Client) SimulateMitigation(ctx context.Context, snap incident.Snapshot, solution string) (*incident.Remediation, error) {
	resp, err := c.send(ctx, &request{
		MaxTokens: responseTokens,
		System:    systemPrompt,
		Messages:  []message{userText(mitigationPrompt(snap, solution))},
	})
	if err != nil {
		return nil, err
	}
	return parseMitigationReply(textOf(resp), solution), nil
}

func parseAlertPrompt(rawAlert string) string {
	return fmt.Sprintf(`Parse this incident alert.

Alert: %s

Return a JSON object:
- "service": affected service name
- "severity": HIGH, MEDIUM, or LOW
- "description": brief description of the problem`, rawAlert)
}

func rootCausePrompt(snap incident.Snapshot, logs *incident.LogReport, history *incident.HistoryReport) string {
	anomalies := snap.Description
	if logs != nil && len(logs.Anomalies) > 0 {
		anomalies = strings.Join(logs.Anomalies, ", ")
	}

	var similar strings.Builder
	if history != nil {
		for _, m := range history.Matches {
			fmt.Fprintf(&similar, "- %s -> %s\n", m.Description, m.Resolution)
		}
	}
	if similar.Len() == 0 {
		similar.WriteString("- none on record\n")
	}

	return fmt.Sprintf(`Analyze this incident and identify the most likely root cause.

Current incident: Service: %s, Severity: %s, Description: %s
Observed anomalies: %s
Similar past incidents:
%s
Return a JSON object:
- "cause": the specific root cause
- "confidence": 0.0 to 1.0
- "factors": array of contributing factors`,
		snap.Service, snap.Severity, snap.Description, anomalies, similar.String())
}

func mitigationPrompt(snap incident.Snapshot, solution string) string {
	return fmt.Sprintf(`Simulate executing this remediation and judge whether it resolves the incident.

Service: %s
Incident: %s
Remediation: %s

Return a JSON object:
- "success": true or false
- "details": what happened during execution`,
		snap.Service, snap.Description, solution)
}

func parseAlertReply(text string) *workflow.ParsedAlert {
	j, ok := extractJSON(text)
	if !ok {
		return nil
	}
	return &workflow.ParsedAlert{
		Service:     strings.TrimSpace(j.Get("service").String()),
		Severity:    strings.TrimSpace(j.Get("severity").String()),
		Description: strings.TrimSpace(j.Get("description").String()),
	}
}

func parseCauseReply(text string) *incident.CauseReport {
	if j, ok := extractJSON(text); ok && j.Get("cause").Exists() {
		report := &incident.CauseReport{
			Cause:      strings.TrimSpace(j.Get("cause").String()),
			Confidence: fallbackConfidence,
		}
		if conf := j.Get("confidence"); conf.Exists() {
			report.Confidence = conf.Float()
		}
		for _, v := range j.Get("factors").Array() {
			if f := strings.TrimSpace(v.String()); f != "" {
				report.Factors = append(report.Factors, f)
			}
		}
		return report
	}

	cause := strings.TrimSpace(text)
	if cause == "" {
		cause = fallbackCause
	}
	return &incident.CauseReport{Cause: cause, Confidence: fallbackConfidence}
}

func parseMitigationReply(text, solution string) *incident.Remediation {
	rem := &incident.Remediation{Solution: solution}
	if j, ok := extractJSON(text); ok && j.Get("success").Exists() {
		rem.Success = j.Get("success").Bool()
		rem.Details = strings.TrimSpace(j.Get("details").String())
	} else {
		rem.Success = strings.Contains(strings.ToLower(text), "true")
		rem.Details = strings.TrimSpace(text)
	}
	if rem.Details == "" {
		rem.Details = fallbackDetails
	}
	return rem
}

// extractJSON returns the first-to-last brace span of the text as parsed
// JSON. Model replies wrap the object in prose often enough that a plain
// Unmarshal of the whole reply is useless.
func extractJSON(text string) (gjson.Result, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return gjson.Result{}, false
	}
	candidate := text[start : end+1]
	if !gjson.Valid(candidate) {
		return gjson.Result{}, false
	}
	return gjson.Parse(candidate), true
}

func userText(text string) message {
	return message{Role: "user", Content: []contentBlock{{Type: "text", Text: text}}}
}

// textOf joins the text blocks of a reply.
func textOf(resp *response) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type != "text" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block.Text)
	}
	return b.String()
}
