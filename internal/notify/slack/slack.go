// Package slack sends incident notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/incident"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second
)

// Notifier posts incident updates to a Slack webhook.
type Notifier struct {
	webhookURL string
	logger     log.Logger
	client     *http.Client
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		logger:     logger,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Notify posts the record's current state to the configured webhook.
// With no webhook URL configured it returns nil immediately.
func (n *Notifier) Notify(ctx context.Context, rec *incident.Record) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("slack: encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhook URL comes from operator config, never request input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook answered %d: %s", resp.StatusCode, snippet)
	}

	n.logger.Info(ctx, "slack notification sent",
		"incident_id", rec.ID,
		"stage", rec.Stage,
	)
	return nil
}

// mrkdwn wraps text in the Block Kit mrkdwn text object.
func mrkdwn(text string) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": text}
}

func buildMessage(rec *incident.Record) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(rec),
			{"type": "divider"},
			fieldsBlock(rec),
			{"type": "divider"},
			summaryBlock(rec),
			{"type": "divider"},
			contextBlock(rec),
		},
	}
}

func headerBlock(rec *incident.Record) map[string]any {
	subject := rec.Service
	if subject == "" {
		subject = rec.ID
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", severityEmoji(rec.Stage, rec.Severity), title(rec), subject),
		},
	}
}

func title(rec *incident.Record) string {
	switch {
	case rec.Stage == incident.StageFailed:
		return "Incident Failed"
	case rec.Decision == nil:
		return "Incident Triggered"
	case rec.Escalation != nil:
		return "Incident Escalated"
	default:
		return "Incident Mitigated"
	}
}

func fieldsBlock(rec *incident.Record) map[string]any {
	route := "pending"
	if rec.Decision != nil {
		route = string(rec.Decision.Route)
	}

	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			mrkdwn(fmt.Sprintf("*Service:* %s", rec.Service)),
			mrkdwn(fmt.Sprintf("*Severity:* %s", rec.Severity)),
			mrkdwn(fmt.Sprintf("*Stage:* %s", rec.Stage)),
			mrkdwn(fmt.Sprintf("*Route:* %s", route)),
			mrkdwn(fmt.Sprintf("*Duration:* %.1fs", elapsedSeconds(rec))),
			mrkdwn(fmt.Sprintf("*Confidence:* %.2f", rec.AggregateConfidence)),
		},
	}
}

func summaryBlock(rec *incident.Record) map[string]any {
	text := truncate(summaryText(rec), maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}
	return map[string]any{
		"type": "section",
		"text": mrkdwn("*Summary*\n\n" + text),
	}
}

func summaryText(rec *incident.Record) string {
	var parts []string
	if rec.Description != "" {
		parts = append(parts, rec.Description)
	}
	if rec.Decision != nil {
		parts = append(parts, "Decision: "+rec.Decision.Explanation)
	}
	if rec.Remediation != nil {
		if rec.Remediation.Success {
			parts = append(parts, "Remediation: "+rec.Remediation.Solution)
		} else {
			parts = append(parts, "Remediation failed: "+rec.Remediation.Details)
		}
	}
	if rec.Escalation != nil {
		parts = append(parts, "Escalation: "+rec.Escalation.Reason)
	}
	if len(parts) == 0 {
		return rec.RawAlert
	}
	return strings.Join(parts, "\n")
}

func contextBlock(rec *incident.Record) map[string]any {
	ts := rec.CompletedAt
	if ts.IsZero() {
		ts = rec.CreatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn(fmt.Sprintf("aegis • %s • %s", rec.ID, ts.UTC().Format("2006-01-02 15:04 UTC"))),
		},
	}
}

// elapsedSeconds is the final duration once recorded, otherwise the time
// since the incident was created.
func elapsedSeconds(rec *incident.Record) float64 {
	if rec.Duration > 0 {
		return rec.Duration
	}
	if rec.CreatedAt.IsZero() {
		return 0
	}
	return time.Since(rec.CreatedAt).Seconds()
}

func severityEmoji(stage incident.Stage, severity string) string {
	if stage == incident.StageFailed {
		return "\U0001f534" // red
	}
	switch strings.ToUpper(severity) {
	case "HIGH":
		return "\U0001f534" // red
	case "MEDIUM":
		return "\U0001f7e1" // yellow
	default:
		return "\U0001f7e2" // green
	}
}

// truncate caps s at limit bytes, backing up to a rune boundary so the
// ellipsis never lands mid-character.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
