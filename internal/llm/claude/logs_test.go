package claude

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/tools"
)

// scriptedSender plays preconfigured responses in sequence and records
// every request the loop sends.
type scriptedSender struct {
	mu        sync.Mutex
	responses []*response
	errs      []error
	reqs      []*request
	callIdx   int
}

func (s *scriptedSender) send(_ context.Context, req *request) (*response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.callIdx
	s.callIdx++
	s.reqs = append(s.reqs, req)

	if idx < len(s.errs) && s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	// fallback: end the turn with a healthy report
	return &response{
		Content:    []contentBlock{{Type: "text", Text: `{"anomalies":[],"confidence":0.5,"summary":"fallback"}`}},
		StopReason: stopEnd,
		Usage:      usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

// mockTool plays back a canned Execute result and records the input
// it was called with.
type mockTool struct {
	name   string
	output json.RawMessage
	err    error
	calls  int
	lastIn json.RawMessage
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return "canned tool for loop tests" }
func (m *mockTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}
func (m *mockTool) Execute(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
	m.calls++
	m.lastIn = in
	return m.output, m.err
}

func loopClient(reg *tools.Registry, s *scriptedSender) *Client {
	return &Client{
		model:    "claude-sonnet-4-20250514",
		registry: reg,
		logger:   log.Nop(),
		send:     s.send,
	}
}

func TestAnalyzeLogs_SingleTurn(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{
		responses: []*response{{
			Content:    []contentBlock{{Type: "text", Text: `{"anomalies":["error rate spike"],"confidence":0.85,"summary":"elevated errors"}`}},
			StopReason: stopEnd,
			Usage:      usage{InputTokens: 100, OutputTokens: 50},
		}},
	}
	c := loopClient(nil, sender)

	report, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("AnalyzeLogs: %v", err)
	}
	if len(report.Anomalies) != 1 || report.Anomalies[0] != "error rate spike" {
		t.Errorf("anomalies = %v, want [error rate spike]", report.Anomalies)
	}
	if report.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", report.Confidence)
	}
	if sender.callIdx != 1 {
		t.Errorf("model calls = %d, want 1", sender.callIdx)
	}

	req := sender.reqs[0]
	if len(req.Tools) != 0 {
		t.Errorf("tools offered = %d, want 0", len(req.Tools))
	}
	if req.System != systemPrompt {
		t.Errorf("system prompt = %q, want the shared system prompt", req.System)
	}
	if prompt := req.Messages[0].Content[0].Text; !strings.Contains(prompt, "infer the log evidence") {
		t.Errorf("prompt = %q, want the no-tools instruction", prompt)
	}
}

func TestAnalyzeLogs_ToolUseLoop(t *testing.T) {
	t.Parallel()

	tool := &mockTool{name: "query_logs", output: json.RawMessage(`{"lines":["timeout after 30s"]}`)}
	registry := tools.NewRegistry()
	registry.Register(tool)

	sender := &scriptedSender{
		responses: []*response{
			{
				Content: []contentBlock{
					{Type: "text", Text: "let me check the logs"},
					{Type: "tool_use", ID: "call-1", Name: "query_logs", Input: json.RawMessage(`{"query":"timeout"}`)},
				},
				StopReason: stopToolUse,
				Usage:      usage{InputTokens: 100, OutputTokens: 50},
			},
			{
				Content:    []contentBlock{{Type: "text", Text: `{"anomalies":["repeated 30s timeouts"],"confidence":0.9,"summary":"timeouts in recent logs"}`}},
				StopReason: stopEnd,
				Usage:      usage{InputTokens: 200, OutputTokens: 100},
			},
		},
	}
	c := loopClient(registry, sender)

	report, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("AnalyzeLogs: %v", err)
	}
	if len(report.Anomalies) != 1 || report.Anomalies[0] != "repeated 30s timeouts" {
		t.Errorf("anomalies = %v, want [repeated 30s timeouts]", report.Anomalies)
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tool.calls)
	}
	if string(tool.lastIn) != `{"query":"timeout"}` {
		t.Errorf("tool input = %s, want the model-supplied params", tool.lastIn)
	}
	if sender.callIdx != 2 {
		t.Fatalf("model calls = %d, want 2", sender.callIdx)
	}

	if got := len(sender.reqs[0].Tools); got != 1 {
		t.Errorf("tools offered = %d, want 1", got)
	}
	if prompt := sender.reqs[0].Messages[0].Content[0].Text; !strings.Contains(prompt, "Query the log store") {
		t.Errorf("prompt = %q, want the with-tools instruction", prompt)
	}

	// Second round: user prompt, assistant tool_use, user tool_result.
	msgs := sender.reqs[1].Messages
	if len(msgs) != 3 {
		t.Fatalf("second round messages = %d, want 3", len(msgs))
	}
	if len(msgs[2].Content) != 1 {
		t.Fatalf("tool result blocks = %d, want 1", len(msgs[2].Content))
	}
	result := msgs[2].Content[0]
	if result.Type != "tool_result" || result.ToolUseID != "call-1" {
		t.Errorf("result block = %+v, want tool_result for call-1", result)
	}
	if result.Content != `{"lines":["timeout after 30s"]}` {
		t.Errorf("result content = %q, want the tool output", result.Content)
	}
	if result.IsError {
		t.Error("result marked as error")
	}
}

func TestAnalyzeLogs_UnknownTool(t *testing.T) {
	t.Parallel()

	registry := tools.NewRegistry() // nothing registered, every lookup misses

	sender := &scriptedSender{
		responses: []*response{{
			Content: []contentBlock{
				{Type: "tool_use", ID: "call-1", Name: "nonexistent_tool", Input: json.RawMessage(`{}`)},
			},
			StopReason: stopToolUse,
			Usage:      usage{InputTokens: 50, OutputTokens: 30},
		}},
	}
	c := loopClient(registry, sender)

	report, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("AnalyzeLogs: %v", err)
	}
	if report.Summary != "fallback" {
		t.Errorf("summary = %q, want the recovery reply", report.Summary)
	}

	result := sender.reqs[1].Messages[2].Content[0]
	if !result.IsError {
		t.Error("expected an error tool result")
	}
	if !strings.Contains(result.Content, "unknown tool: nonexistent_tool") {
		t.Errorf("result content = %q, want the unknown tool message", result.Content)
	}
}

func TestAnalyzeLogs_ToolExecutionError(t *testing.T) {
	t.Parallel()

	tool := &mockTool{name: "failing_tool", err: errors.New("connection refused")}
	registry := tools.NewRegistry()
	registry.Register(tool)

	sender := &scriptedSender{
		responses: []*response{{
			Content: []contentBlock{
				{Type: "tool_use", ID: "call-1", Name: "failing_tool", Input: json.RawMessage(`{}`)},
			},
			StopReason: stopToolUse,
			Usage:      usage{InputTokens: 50, OutputTokens: 30},
		}},
	}
	c := loopClient(registry, sender)

	report, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if err != nil {
		t.Fatalf("AnalyzeLogs: %v", err)
	}
	if report == nil {
		t.Fatal("expected a report despite the tool failure")
	}
	if tool.calls != 1 {
		t.Errorf("tool calls = %d, want 1", tool.calls)
	}

	result := sender.reqs[1].Messages[2].Content[0]
	if !result.IsError {
		t.Error("expected an error tool result")
	}
	if !strings.Contains(result.Content, "tool error: connection refused") {
		t.Errorf("result content = %q, want the tool error message", result.Content)
	}
}

func TestAnalyzeLogs_LLMError(t *testing.T) {
	t.Parallel()

	sender := &scriptedSender{
		errs: []error{errors.New("invalid x-api-key")},
	}
	c := loopClient(nil, sender)

	_, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if err == nil || !strings.Contains(err.Error(), "invalid x-api-key") {
		t.Errorf("err = %v, want the provider error", err)
	}
}

func TestAnalyzeLogs_MaxToolRoundsLimit(t *testing.T) {
	t.Parallel()

	tool := &mockTool{name: "loop_tool", output: json.RawMessage(`"ok"`)}
	registry := tools.NewRegistry()
	registry.Register(tool)

	// Build maxToolRounds responses, each triggering one tool call.
	responses := make([]*response, maxToolRounds)
	for i := range maxToolRounds {
		responses[i] = &response{
			Content: []contentBlock{
				{Type: "tool_use", ID: fmt.Sprintf("call-%d", i+1), Name: "loop_tool", Input: json.RawMessage(`{}`)},
			},
			StopReason: stopToolUse,
			Usage:      usage{InputTokens: 10, OutputTokens: 5},
		}
	}
	sender := &scriptedSender{responses: responses}
	c := loopClient(registry, sender)

	_, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if !errors.Is(err, errToolBudget) {
		t.Fatalf("err = %v, want errToolBudget", err)
	}
	if sender.callIdx != maxToolRounds {
		t.Errorf("model calls = %d, want %d", sender.callIdx, maxToolRounds)
	}
	if tool.calls != maxToolRounds {
		t.Errorf("tool calls = %d, want %d", tool.calls, maxToolRounds)
	}
}

func TestAnalyzeLogs_MaxTokensLimit(t *testing.T) {
	t.Parallel()

	tool := &mockTool{name: "chatty_tool", output: json.RawMessage(`"ok"`)}
	registry := tools.NewRegistry()
	registry.Register(tool)

	// Two rounds of 30k tokens put the loop past the token budget.
	sender := &scriptedSender{
		responses: []*response{
			{
				Content: []contentBlock{
					{Type: "tool_use", ID: "call-1", Name: "chatty_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: stopToolUse,
				Usage:      usage{InputTokens: 15000, OutputTokens: 15000},
			},
			{
				Content: []contentBlock{
					{Type: "tool_use", ID: "call-2", Name: "chatty_tool", Input: json.RawMessage(`{}`)},
				},
				StopReason: stopToolUse,
				Usage:      usage{InputTokens: 15000, OutputTokens: 15000},
			},
		},
	}
	c := loopClient(registry, sender)

	_, err := c.AnalyzeLogs(context.Background(), testSnapshot())
	if !errors.Is(err, errTokenBudget) {
		t.Fatalf("err = %v, want errTokenBudget", err)
	}
	if sender.callIdx != 2 {
		t.Errorf("model calls = %d, want 2", sender.callIdx)
	}
}
