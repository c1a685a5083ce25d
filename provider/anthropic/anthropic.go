// Package anthropic implements the Claude chat provider on the official
// Anthropic Go SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/yodoca/yodoca"
)

// defaultMaxTokens is used when neither the provider nor the request sets a
// completion cap. The Messages API requires max_tokens on every call.
const defaultMaxTokens = 4096

// MessagesClient is the subset of the SDK message service the provider uses.
// *sdk.MessageService satisfies it; tests substitute a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Provider implements yodoca.Provider for Anthropic Claude models.
type Provider struct {
	msg       MessagesClient
	model     string
	maxTokens int
	logger    *slog.Logger
}

// Option configures an Anthropic provider.
type Option func(*Provider)

// WithMaxTokens sets the default completion cap (default 4096). Per-request
// GenerationParams.MaxTokens still overrides it.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithLogger sets a structured logger for the provider.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// WithMessagesClient replaces the SDK message service, e.g. with a stub in
// tests or a client configured for a proxy.
func WithMessagesClient(mc MessagesClient) Option {
	return func(p *Provider) { p.msg = mc }
}

// New creates an Anthropic chat provider for the given model.
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		model:     model,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.msg == nil {
		client := sdk.NewClient(option.WithAPIKey(apiKey))
		p.msg = &client.Messages
	}
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Chat sends a non-streaming Messages request and returns the complete
// response. When req.Tools is non-empty, the response may contain ToolCalls.
func (p *Provider) Chat(ctx context.Context, req yodoca.ChatRequest) (yodoca.ChatResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return yodoca.ChatResponse{}, err
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return yodoca.ChatResponse{}, sdkErr(err)
	}
	return parseMessage(msg), nil
}

// ChatStream streams text-delta events into ch, then returns the final
// accumulated response. The channel is closed when streaming completes.
func (p *Provider) ChatStream(ctx context.Context, req yodoca.ChatRequest, ch chan<- yodoca.StreamEvent) (yodoca.ChatResponse, error) {
	defer close(ch)

	params, err := p.buildParams(req)
	if err != nil {
		return yodoca.ChatResponse{}, err
	}

	stream := p.msg.NewStreaming(ctx, params)
	defer stream.Close()

	var content strings.Builder
	var usage yodoca.Usage
	var toolCalls []yodoca.ToolCall

	// Tool inputs arrive as JSON fragments keyed by content block index.
	inputBuffers := make(map[int64]*strings.Builder)
	blockToCall := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			// Input tokens are reported up front.
			usage.InputTokens = int(event.Message.Usage.InputTokens)

		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				blockToCall[event.Index] = len(toolCalls)
				toolCalls = append(toolCalls, yodoca.ToolCall{
					ID:   event.ContentBlock.ID,
					Name: event.ContentBlock.Name,
					Args: json.RawMessage(`{}`),
				})
				inputBuffers[event.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				content.WriteString(event.Delta.Text)
				select {
				case ch <- yodoca.StreamEvent{Type: yodoca.EventTextDelta, Content: event.Delta.Text}:
				case <-ctx.Done():
					return yodoca.ChatResponse{}, ctx.Err()
				}
			}
			if event.Delta.Type == "input_json_delta" {
				if buf, ok := inputBuffers[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if buf, ok := inputBuffers[event.Index]; ok {
				if args := json.RawMessage(buf.String()); buf.Len() > 0 && json.Valid(args) {
					toolCalls[blockToCall[event.Index]].Args = args
				}
				delete(inputBuffers, event.Index)
			}

		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
		}
	}

	if err := stream.Err(); err != nil && !errors.Is(err, io.EOF) {
		return yodoca.ChatResponse{}, sdkErr(err)
	}

	return yodoca.ChatResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

// buildParams converts a yodoca ChatRequest into SDK message params. System
// messages become top-level system blocks; tool results ride in user messages
// as tool_result blocks, per the Messages API shape.
func (p *Provider) buildParams(req yodoca.ChatRequest) (sdk.MessageNewParams, error) {
	var system []sdk.TextBlockParam
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch {
		case m.Role == "system":
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case m.Role == "assistant":
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))

		case m.Role == "tool":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := p.maxTokens
	params := sdk.MessageNewParams{
		Model:    sdk.Model(p.model),
		Messages: msgs,
	}

	if gp := req.GenerationParams; gp != nil {
		if gp.Temperature != nil {
			params.Temperature = sdk.Float(*gp.Temperature)
		}
		if gp.TopP != nil {
			params.TopP = sdk.Float(*gp.TopP)
		}
		if gp.TopK != nil {
			params.TopK = sdk.Int(int64(*gp.TopK))
		}
		if gp.MaxTokens != nil {
			maxTokens = *gp.MaxTokens
		}
	}
	params.MaxTokens = int64(maxTokens)

	if len(req.Tools) > 0 {
		tools, err := buildTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}

	// The Messages API has no response_format parameter; steer structured
	// output through a system instruction carrying the schema.
	if len(req.ResponseSchema) > 0 {
		system = append(system, sdk.TextBlockParam{
			Text: "Respond with a single JSON object that conforms to this JSON Schema:\n" + string(req.ResponseSchema),
		})
	}

	if len(system) > 0 {
		params.System = system
	}

	return params, nil
}

// buildTools converts yodoca ToolDefinitions to SDK tool params. The JSON
// Schema is passed through untouched via ExtraFields.
func buildTools(defs []yodoca.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// parseMessage translates an SDK message into a yodoca ChatResponse.
func parseMessage(msg *sdk.Message) yodoca.ChatResponse {
	var out yodoca.ChatResponse
	if msg == nil {
		return out
	}

	var content strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 || !json.Valid(args) {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, yodoca.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			})
		}
	}

	out.Content = content.String()
	out.Usage = yodoca.Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return out
}

// sdkErr maps SDK failures onto the shared error taxonomy: API errors become
// ErrHTTP (so retry middleware sees status and Retry-After), everything else
// becomes ErrLLM.
func sdkErr(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		out := &yodoca.ErrHTTP{
			Status: apierr.StatusCode,
			Body:   apierr.RawJSON(),
		}
		if apierr.Response != nil {
			out.RetryAfter = yodoca.ParseRetryAfter(apierr.Response.Header.Get("Retry-After"))
		}
		return out
	}
	return &yodoca.ErrLLM{Provider: "anthropic", Message: err.Error()}
}

// Compile-time checks.
var (
	_ yodoca.Provider = (*Provider)(nil)
	_ MessagesClient  = (*sdk.MessageService)(nil)
)
