// Package coretools builds the agent-facing tools that operate on kernel
// objects: channel discovery, proactive delivery, and secure-input
// collection. The runner folds them into the orchestrator tool list next to
// the task engine's tools.
package coretools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/yodoca/yodoca"
	"github.com/yodoca/yodoca/internal/router"
)

// Directory is the slice of the message router the channel tools use.
// *router.Router satisfies it.
type Directory interface {
	Channels() []router.ChannelInfo
	Channel(id string) (yodoca.Channel, bool)
	NotifyUser(ctx context.Context, text, channelID string) error
}

// PublishFunc persists one event onto the bus. bus.Publish matches.
type PublishFunc func(ctx context.Context, topic, source string, payload any, correlationID string) (int64, error)

const publishSource = "core_tools"

var secretIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// SendResult is the structured result of send_to_channel.
type SendResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SecureInputResult acknowledges a secure-input request. It never carries the
// secret value; the channel stores the collected value directly.
type SecureInputResult struct {
	Requested     bool   `json:"requested"`
	SecretID      string `json:"secret_id"`
	TargetChannel string `json:"target_channel,omitempty"`
}

// Tools exposes the kernel tool set.
type Tools struct {
	dir     Directory
	publish PublishFunc
	logger  *slog.Logger
}

var _ yodoca.ToolProvider = (*Tools)(nil)

func New(dir Directory, publish PublishFunc, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = nopLogger
	}
	return &Tools{dir: dir, publish: publish, logger: logger}
}

func (t *Tools) Tools() []yodoca.Tool {
	return []yodoca.Tool{
		yodoca.NewFuncTool("list_channels",
			"List the communication channels available for delivering messages to the user.",
			nil, t.toolListChannels),
		yodoca.NewFuncTool("send_to_channel",
			"Send a message to the user on a specific channel. Use list_channels to discover channel ids.",
			sendToChannelSchema, t.toolSendToChannel),
		yodoca.NewFuncTool("request_secure_input",
			"Ask the user to provide a secret (API key, password) through a secure channel prompt. The value goes straight into the secret store and is never shown to you.",
			secureInputSchema, t.toolRequestSecureInput),
	}
}

var sendToChannelSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"channel_id": {"type": "string", "description": "Target channel id from list_channels"},
		"text": {"type": "string", "description": "Message text to deliver"}
	},
	"required": ["channel_id", "text"]
}`)

var secureInputSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"secret_id": {"type": "string", "description": "Name the secret will be stored under (letters, digits, underscore)"},
		"prompt": {"type": "string", "description": "What to ask the user for"},
		"channel_id": {"type": "string", "description": "Channel to collect the secret on (optional)"}
	},
	"required": ["secret_id", "prompt"]
}`)

func (t *Tools) toolListChannels(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	return yodoca.StructuredResult(t.dir.Channels()), nil
}

func (t *Tools) toolSendToChannel(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		ChannelID string `json:"channel_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if p.ChannelID == "" || strings.TrimSpace(p.Text) == "" {
		return yodoca.ToolResult{Error: "channel_id and text are required"}, nil
	}
	if _, ok := t.dir.Channel(p.ChannelID); !ok {
		return yodoca.StructuredResult(SendResult{
			Success: false,
			Error:   fmt.Sprintf("channel %s not registered", p.ChannelID),
		}), nil
	}
	if err := t.dir.NotifyUser(ctx, p.Text, p.ChannelID); err != nil {
		t.logger.Warn("coretools: send failed", "channel_id", p.ChannelID, "error", err)
		return yodoca.StructuredResult(SendResult{Success: false, Error: err.Error()}), nil
	}
	return yodoca.StructuredResult(SendResult{Success: true}), nil
}

func (t *Tools) toolRequestSecureInput(ctx context.Context, args json.RawMessage) (yodoca.ToolResult, error) {
	var p struct {
		SecretID  string `json:"secret_id"`
		Prompt    string `json:"prompt"`
		ChannelID string `json:"channel_id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return yodoca.ToolResult{Error: "invalid arguments: " + err.Error()}, nil
	}
	if !secretIDPattern.MatchString(p.SecretID) {
		return yodoca.ToolResult{Error: "secret_id must match " + secretIDPattern.String()}, nil
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return yodoca.ToolResult{Error: "prompt is required"}, nil
	}
	if p.ChannelID != "" {
		if _, ok := t.dir.Channel(p.ChannelID); !ok {
			return yodoca.ToolResult{Error: fmt.Sprintf("channel %s not registered", p.ChannelID)}, nil
		}
	}

	payload := yodoca.SecureInputPayload{
		SecretID:      p.SecretID,
		Prompt:        p.Prompt,
		TargetChannel: p.ChannelID,
	}
	if _, err := t.publish(ctx, yodoca.TopicSecureInputRequest, publishSource, payload, yodoca.NewID()); err != nil {
		return yodoca.ToolResult{Error: "secure input request failed: " + err.Error()}, nil
	}
	t.logger.Info("coretools: secure input requested", "secret_id", p.SecretID, "channel_id", p.ChannelID)

	return yodoca.StructuredResult(SecureInputResult{
		Requested:     true,
		SecretID:      p.SecretID,
		TargetChannel: p.ChannelID,
	}), nil
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
