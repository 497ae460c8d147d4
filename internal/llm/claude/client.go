// Package claude implements the workflow analysis provider on the
// Anthropic Messages API.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aegis/internal/tools"
)

const httpTimeout = 120 * time.Second

// Client calls Claude for alert parsing, log analysis, root-cause
// reasoning and mitigation simulation.
type Client struct {
	api      anthropic.Client
	model    string
	registry *tools.Registry
	logger   log.Logger
	onUsage  func(inputTokens, outputTokens int, seconds float64)

	// send runs one model round trip. New wires it to the Messages
	// API; tests swap in scripted responses.
	send func(ctx context.Context, req *request) (*response, error)
}

// Options are optional collaborators for a Client.
type Options struct {
	// Registry supplies log-source tools for the log-analysis loop.
	// Without it log analysis is a single call.
	Registry *tools.Registry
	Logger   log.Logger
	// OnUsage is invoked after every API call with its token counts.
	OnUsage func(inputTokens, outputTokens int, seconds float64)
}

// New creates a Claude-backed provider with the given API key and model.
func New(apiKey, model string, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	c := &Client{
		api: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithRequestTimeout(httpTimeout),
		),
		model:    model,
		registry: opts.Registry,
		logger:   logger,
		onUsage:  opts.OnUsage,
	}
	c.send = c.sendAPI
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// message is a single turn in a conversation with the model.
type message struct {
	Role    string
	Content []contentBlock
}

// contentBlock is one block of message content: text, a tool call, or a
// tool result.
type contentBlock struct {
	Type      string
	Text      string
	ID        string
	Name      string
	Input     json.RawMessage
	ToolUseID string
	Content   string
	IsError   bool
}

type stopReason string

const (
	stopEnd     stopReason = "end_turn"
	stopToolUse stopReason = "tool_use"
)

// request is one provider round: the conversation so far plus the tools
// the model may call.
type request struct {
	MaxTokens int
	System    string
	Messages  []message
	Tools     []tools.ToolDef
}

type response struct {
	Content    []contentBlock
	StopReason stopReason
	Usage      usage
}

type usage struct {
	InputTokens  int
	OutputTokens int
}

// sendAPI performs one Messages API round trip and reports token usage.
func (c *Client) sendAPI(ctx context.Context, req *request) (*response, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  toSDKMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = toSDKTools(req.Tools)
	}

	start := time.Now()
	msg, err := c.api.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude: message create: %w", err)
	}

	resp := fromSDKResponse(msg)
	if c.onUsage != nil {
		c.onUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}
	return resp, nil
}

func toSDKMessages(msgs []message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			switch b.Type {
			case "text":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: b.Text},
				})
			case "tool_use":
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ID,
						Name:  b.Name,
						Input: b.Input,
					},
				})
			case "tool_result":
				result := &anthropic.ToolResultBlockParam{
					ToolUseID: b.ToolUseID,
					Content: []anthropic.ToolResultBlockParamContentUnion{
						{OfText: &anthropic.TextBlockParam{Text: b.Content}},
					},
				}
				if b.IsError {
					result.IsError = anthropic.Bool(true)
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolResult: result,
				})
			}
		}
		out = append(out, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: blocks,
		})
	}
	return out
}

func toSDKTools(defs []tools.ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema struct {
			Properties json.RawMessage `json:"properties"`
			Required   []string        `json:"required"`
		}
		_ = json.Unmarshal(d.InputSchema, &schema)

		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema.Properties,
					Required:   schema.Required,
				},
			},
		})
	}
	return out
}

func fromSDKResponse(msg *anthropic.Message) *response {
	out := &response{
		StopReason: stopReason(msg.StopReason),
		Usage: usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content = append(out.Content, contentBlock{
				Type: "text",
				Text: block.Text,
			})
		case "tool_use":
			// The SDK's Input wire type differs across minor versions;
			// Marshal covers both json.RawMessage and any.
			input, err := json.Marshal(block.Input)
			if err != nil {
				input = nil
			}
			out.Content = append(out.Content, contentBlock{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return out
}
