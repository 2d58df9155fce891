package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/careops/wardgate/core"
)

// Anthropic wraps the Messages API behind the Provider interface.
type Anthropic struct {
	client  *anthropic.Client
	cfg     Config
	timeout time.Duration
}

// NewAnthropic creates an adapter from cfg using the official client.
func NewAnthropic(cfg Config) *Anthropic {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(clientOpts...)

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Anthropic{client: &client, cfg: cfg, timeout: timeout}
}

func (p *Anthropic) Name() string    { return p.cfg.Name }
func (p *Anthropic) ModelID() string { return p.cfg.Model }
func (p *Anthropic) Trusted() bool   { return p.cfg.Trusted }

// Available reports whether the adapter is usable at all. The Messages
// API has no cheap health endpoint, so this only checks that a key is
// configured and leaves failure handling to the chat call itself.
func (p *Anthropic) Available(_ context.Context) bool {
	return p.cfg.APIKey != ""
}

// Chat runs one non-streaming Messages call with native tool use.
func (p *Anthropic) Chat(ctx context.Context, req ChatRequest) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.cfg.Model),
		Messages:  p.buildMessages(req.Messages),
		MaxTokens: 4096,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic api error: %w", err)
	}

	reply := &Reply{}
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			reply.Text += block.AsText().Text
		case "tool_use":
			toolBlock := block.AsToolUse()
			call := core.ToolCall{ID: toolBlock.ID, Name: toolBlock.Name}
			if toolBlock.Input != nil {
				raw, err := json.Marshal(toolBlock.Input)
				if err == nil {
					err = json.Unmarshal(raw, &call.Params)
				}
				if err != nil {
					return nil, fmt.Errorf("decode input for tool %q: %w", toolBlock.Name, err)
				}
			}
			reply.ToolCalls = append(reply.ToolCalls, call)
		}
	}
	return reply, nil
}

func (p *Anthropic) buildMessages(msgs []core.Message) []anthropic.MessageParam {
	var messages []anthropic.MessageParam
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return messages
}

func buildAnthropicTools(specs []ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, len(specs))
	for i, spec := range specs {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if properties, ok := spec.Parameters["properties"]; ok {
			inputSchema.Properties = properties
		}
		if required, ok := spec.Parameters["required"].([]string); ok {
			inputSchema.Required = required
		}
		tools[i] = anthropic.ToolUnionParamOfTool(inputSchema, spec.Name)
	}
	return tools
}
