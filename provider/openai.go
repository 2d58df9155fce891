package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/careops/wardgate/core"
)

// OpenAI wraps the Chat Completions API. Setting a base URL points the
// same adapter at any OpenAI-compatible endpoint, which is how local
// models are served on the hospital network.
type OpenAI struct {
	client  openai.Client
	cfg     Config
	timeout time.Duration
	health  *healthCache
}

// NewOpenAI creates an adapter from cfg using the official client.
func NewOpenAI(cfg Config) *OpenAI {
	var clientOpts []option.RequestOption
	if cfg.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.BaseURL))
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &OpenAI{
		client:  openai.NewClient(clientOpts...),
		cfg:     cfg,
		timeout: timeout,
		health:  newHealthCache(),
	}
}

func (p *OpenAI) Name() string    { return p.cfg.Name }
func (p *OpenAI) ModelID() string { return p.cfg.Model }
func (p *OpenAI) Trusted() bool   { return p.cfg.Trusted }

// Available probes the models endpoint. The verdict is cached so a burst
// of chat requests costs at most one probe per cache window.
func (p *OpenAI) Available(ctx context.Context) bool {
	return p.health.check(ctx, func(ctx context.Context) bool {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := p.client.Models.List(probeCtx)
		return err == nil
	})
}

// Chat runs one non-streaming completion with native tool calling.
func (p *OpenAI) Chat(ctx context.Context, req ChatRequest) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Messages: p.buildMessages(req),
		Model:    p.cfg.Model,
	}
	if len(req.Tools) > 0 {
		params.Tools = buildOpenAITools(req.Tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai api returned no choices")
	}

	msg := resp.Choices[0].Message
	reply := &Reply{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		call := core.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Params); err != nil {
				return nil, fmt.Errorf("decode arguments for tool %q: %w", tc.Function.Name, err)
			}
		}
		reply.ToolCalls = append(reply.ToolCalls, call)
	}
	return reply, nil
}

// buildMessages maps conversation roles onto the Chat Completions
// message union. Tool results travel as user text so the history stays
// model-agnostic.
func (p *OpenAI) buildMessages(req ChatRequest) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	return messages
}

func buildOpenAITools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, len(specs))
	for i, spec := range specs {
		tools[i] = openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  spec.Parameters,
			},
		}
	}
	return tools
}
