package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/aegis/internal/incident"
	"github.com/linnemanlabs/aegis/internal/tools"
)

// Budgets for the log-analysis tool loop. Either limit ends the loop
// with an error; the branch retry policy decides what happens next.
const (
	maxToolRounds = 15
	maxLoopTokens = 50000
)

var (
	errToolBudget  = xerrors.New("claude: log analysis tool budget exhausted")
	errTokenBudget = xerrors.New("claude: log analysis token budget exhausted")
	errNoJSON      = xerrors.New("claude: log analysis reply had no JSON object")
	errNoAnomalies = xerrors.New("claude: log analysis reply had no anomalies array")
)

// AnalyzeLogs inspects log evidence for the incident and reports detected
// anomalies. With a tool registry configured the model may query log
// sources in a bounded loop; without one this is a single call. A reply
// without a parseable anomalies array is an error, so the branch retry
// can take another attempt.
func (c *Client) AnalyzeLogs(ctx context.Context, snap incident.Snapshot) (*incident.LogReport, error) {
	var defs []tools.ToolDef
	if c.registry != nil {
		defs = c.registry.ToToolDefs()
	}

	L := c.logger.With("incident_id", snap.ID, "service", snap.Service)
	msgs := []message{userText(logAnalysisPrompt(snap, len(defs) > 0))}

	var totalTokens, toolCalls int
	for {
		if toolCalls >= maxToolRounds {
			L.Warn(ctx, "log analysis hit tool call limit", "limit", maxToolRounds)
			return nil, errToolBudget
		}
		if totalTokens >= maxLoopTokens {
			L.Warn(ctx, "log analysis hit token limit", "limit", maxLoopTokens)
			return nil, errTokenBudget
		}

		resp, err := c.send(ctx, &request{
			MaxTokens: responseTokens,
			System:    systemPrompt,
			Messages:  msgs,
			Tools:     defs,
		})
		if err != nil {
			return nil, err
		}
		totalTokens += resp.Usage.InputTokens + resp.Usage.OutputTokens

		msgs = append(msgs, message{Role: "assistant", Content: resp.Content})

		if resp.StopReason != stopToolUse {
			return parseLogReply(textOf(resp))
		}

		msgs = append(msgs, message{Role: "user", Content: c.runTools(ctx, L, resp.Content, &toolCalls)})
	}
}

// runTools executes every tool_use block and returns the tool_result
// blocks for the next turn. Tool failures go back to the model as error
// results, not up the stack.
func (c *Client) runTools(ctx context.Context, L log.Logger, blocks []contentBlock, calls *int) []contentBlock {
	var results []contentBlock
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}

		*calls++
		L.Info(ctx, "executing tool", "tool", b.Name, "call_number", *calls)

		tool, ok := c.registry.Get(b.Name)
		if !ok {
			results = append(results, toolError(b.ID, fmt.Sprintf("unknown tool: %s", b.Name)))
			continue
		}

		output, err := tool.Execute(ctx, b.Input)
		if err != nil {
			L.Error(ctx, err, "tool execution failed", "tool", b.Name)
			results = append(results, toolError(b.ID, fmt.Sprintf("tool error: %v", err)))
			continue
		}

		results = append(results, contentBlock{
			Type:      "tool_result",
			ToolUseID: b.ID,
			Content:   string(output),
		})
	}
	return results
}

func toolError(toolUseID, msg string) contentBlock {
	return contentBlock{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Content:   msg,
		IsError:   true,
	}
}

func logAnalysisPrompt(snap incident.Snapshot, withTools bool) string {
	investigate := "Based on the incident description, infer the log evidence you would expect to find."
	if withTools {
		investigate = "Query the log store with the available tools before answering."
	}

	return fmt.Sprintf(`Analyze recent logs for this incident and identify anomalies.

Service: %s
Severity: %s
Incident: %s

%s

Return a JSON object:
- "anomalies": array of short anomaly descriptions, empty if the logs look healthy
- "confidence": 0.0 to 1.0
- "summary": one line describing the log evidence`,
		snap.Service, snap.Severity, snap.Description, investigate)
}

func parseLogReply(text string) (*incident.LogReport, error) {
	j, ok := extractJSON(text)
	if !ok {
		return nil, errNoJSON
	}
	arr := j.Get("anomalies")
	if !arr.IsArray() {
		return nil, errNoAnomalies
	}

	report := &incident.LogReport{
		Confidence: j.Get("confidence").Float(),
		Summary:    strings.TrimSpace(j.Get("summary").String()),
	}
	for _, v := range arr.Array() {
		if a := strings.TrimSpace(v.String()); a != "" {
			report.Anomalies = append(report.Anomalies, a)
		}
	}
	return report, nil
}
