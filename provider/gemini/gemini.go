// Package gemini implements the Google Gemini chat provider.
package gemini

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/yodoca/yodoca"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements yodoca.Provider for Google Gemini models.
type Gemini struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	temperature      float64
	topP             float64
	thinkingEnabled  bool
	structuredOutput bool
}

// New creates a new Gemini chat provider with functional options.
func New(apiKey, model string, opts ...Option) *Gemini {
	g := &Gemini{
		apiKey:           apiKey,
		model:            model,
		baseURL:          defaultBaseURL,
		httpClient:       &http.Client{},
		temperature:      0.1,
		topP:             0.9,
		structuredOutput: true,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Chat sends a non-streaming chat request and returns the complete response.
// When req.Tools is non-empty, the response may contain ToolCalls.
func (g *Gemini) Chat(ctx context.Context, req yodoca.ChatRequest) (yodoca.ChatResponse, error) {
	body, err := g.buildBody(req.Messages, req.Tools, req.ResponseSchema, req.GenerationParams)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}
	return g.doGenerate(ctx, body)
}

// ChatStream streams text-delta events into ch, then returns the final accumulated response.
// The channel is closed when streaming completes.
func (g *Gemini) ChatStream(ctx context.Context, req yodoca.ChatRequest, ch chan<- yodoca.StreamEvent) (yodoca.ChatResponse, error) {
	defer close(ch)

	body, err := g.buildBody(req.Messages, req.Tools, req.ResponseSchema, req.GenerationParams)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("build body: " + err.Error())
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", g.baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("stream request failed: " + err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return yodoca.ChatResponse{}, httpErr(resp, string(b))
	}

	var fullContent strings.Builder
	var usage yodoca.Usage
	var toolCalls []yodoca.ToolCall

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	// Gemini sometimes splits a JSON chunk across SSE lines; buffer until the
	// braces balance.
	var jsonBuf strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if !strings.HasPrefix(line, "data: ") {
			if jsonBuf.Len() > 0 {
				jsonBuf.WriteString(line)
				if isCompleteJSON(jsonBuf.String()) {
					g.processStreamChunk(ctx, jsonBuf.String(), &fullContent, &usage, &toolCalls, ch)
					jsonBuf.Reset()
				}
			}
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "" {
			continue
		}

		if isCompleteJSON(data) {
			g.processStreamChunk(ctx, data, &fullContent, &usage, &toolCalls, ch)
		} else {
			jsonBuf.Reset()
			jsonBuf.WriteString(data)
		}
	}

	if jsonBuf.Len() > 0 && isCompleteJSON(jsonBuf.String()) {
		g.processStreamChunk(ctx, jsonBuf.String(), &fullContent, &usage, &toolCalls, ch)
	}

	if err := scanner.Err(); err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("read stream: " + err.Error())
	}

	return yodoca.ChatResponse{
		Content:   fullContent.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

// processStreamChunk parses a single JSON chunk from the SSE stream, extracts
// text deltas, tool calls, and usage, and sends text to the channel.
func (g *Gemini) processStreamChunk(ctx context.Context, jsonStr string, fullContent *strings.Builder, usage *yodoca.Usage, toolCalls *[]yodoca.ToolCall, ch chan<- yodoca.StreamEvent) {
	var parsed geminiResponse
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return
	}

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			if part.Thought {
				continue
			}
			if part.Text != nil && *part.Text != "" {
				fullContent.WriteString(*part.Text)
				select {
				case ch <- yodoca.StreamEvent{Type: yodoca.EventTextDelta, Content: *part.Text}:
				case <-ctx.Done():
					return
				}
			}
			if part.FunctionCall != nil {
				*toolCalls = append(*toolCalls, toCall(part))
			}
		}
	}

	// Usage metadata arrives on every chunk; last chunk wins.
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
}

// doGenerate performs a non-streaming generateContent call and parses the response.
func (g *Gemini) doGenerate(ctx context.Context, body map[string]any) (yodoca.ChatResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, g.apiKey)

	payload, err := json.Marshal(body)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("failed to read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return yodoca.ChatResponse{}, httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return yodoca.ChatResponse{}, g.wrapErr("failed to parse response JSON: " + err.Error())
	}

	var content strings.Builder
	var toolCalls []yodoca.ToolCall

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			// Skip thinking parts (thought: true) but keep their thoughtSignature.
			if part.Thought {
				continue
			}
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				toolCalls = append(toolCalls, toCall(part))
			}
		}
	}

	var usage yodoca.Usage
	if parsed.UsageMetadata != nil {
		usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}

	return yodoca.ChatResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
		Usage:     usage,
	}, nil
}

// toCall converts a functionCall part to a yodoca.ToolCall, preserving the
// thoughtSignature for multi-turn thinking models via ToolCall.Metadata.
func toCall(part geminiPart) yodoca.ToolCall {
	tc := yodoca.ToolCall{
		ID:   part.FunctionCall.Name,
		Name: part.FunctionCall.Name,
		Args: part.FunctionCall.Args,
	}
	if len(tc.Args) == 0 {
		tc.Args = json.RawMessage(`{}`)
	}
	if part.ThoughtSignature != "" {
		meta, _ := json.Marshal(map[string]string{
			"thoughtSignature": part.ThoughtSignature,
		})
		tc.Metadata = meta
	}
	return tc
}

func (g *Gemini) wrapErr(msg string) error {
	return &yodoca.ErrLLM{Provider: "gemini", Message: msg}
}

// httpErr creates an ErrHTTP from an HTTP response, extracting the retry delay
// from the Retry-After header or from the Gemini-specific google.rpc.RetryInfo
// detail in the JSON error body.
func httpErr(resp *http.Response, body string) *yodoca.ErrHTTP {
	ra := yodoca.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &yodoca.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Body builder ----

// buildBody constructs the Gemini API request body from chat messages,
// optional tool definitions, an optional response schema, and optional
// per-request generation parameter overrides.
func (g *Gemini) buildBody(messages []yodoca.ChatMessage, tools []yodoca.ToolDefinition, schema json.RawMessage, params *yodoca.GenerationParams) (map[string]any, error) {
	var systemParts []string
	var contents []map[string]any

	for _, m := range messages {
		switch {
		case m.Role == "system":
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			// Assistant message with tool calls -> model role with functionCall parts.
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				// Parse args from json.RawMessage into a generic map so Gemini gets an object.
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}

				part := map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				}

				// Preserve thoughtSignature from metadata.
				if len(tc.Metadata) > 0 {
					var meta map[string]any
					if err := json.Unmarshal(tc.Metadata, &meta); err == nil {
						if sig, ok := meta["thoughtSignature"]; ok {
							part["thoughtSignature"] = sig
						}
					}
				}

				parts = append(parts, part)
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == "tool":
			// Tool result message -> user role with functionResponse part.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			// Regular user or assistant message. Gemini requires at least one part.
			contents = append(contents, map[string]any{
				"role": mapRole(m.Role),
				"parts": []map[string]any{
					{"text": m.Content},
				},
			})
		}
	}

	body := map[string]any{
		"contents": contents,
	}

	// System instruction from accumulated system messages.
	if len(systemParts) > 0 {
		combined := strings.Join(systemParts, "\n\n")
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": combined},
			},
		}
	}

	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			var toolParams any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &toolParams); err != nil {
					toolParams = map[string]any{}
				}
			} else {
				toolParams = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  toolParams,
			})
		}
		body["tools"] = []map[string]any{
			{"functionDeclarations": declarations},
		}
	} else {
		// No tools declared: forbid function calling so the model cannot
		// hallucinate calls to tools that do not exist.
		body["toolConfig"] = map[string]any{
			"functionCallingConfig": map[string]any{
				"mode": "NONE",
			},
		}
	}

	// Generation config: provider defaults, overridden per-request.
	temperature := g.temperature
	topP := g.topP
	if params != nil {
		if params.Temperature != nil {
			temperature = *params.Temperature
		}
		if params.TopP != nil {
			topP = *params.TopP
		}
	}

	genConfig := map[string]any{
		"temperature": temperature,
		"topP":        topP,
	}

	if params != nil {
		if params.TopK != nil {
			genConfig["topK"] = *params.TopK
		}
		if params.MaxTokens != nil {
			genConfig["maxOutputTokens"] = *params.MaxTokens
		}
	}

	if g.thinkingEnabled {
		genConfig["thinkingConfig"] = map[string]any{
			"thinkingBudget": -1,
		}
	}

	// Structured output: enforce JSON response matching the schema.
	if g.structuredOutput && len(schema) > 0 {
		genConfig["responseMimeType"] = "application/json"
		var schemaObj any
		if err := json.Unmarshal(schema, &schemaObj); err == nil {
			genConfig["responseSchema"] = schemaObj
		}
	}

	body["generationConfig"] = genConfig

	return body, nil
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text             *string         `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	Thought          bool            `json:"thought,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// isCompleteJSON checks whether a string has balanced braces/brackets,
// indicating it is a complete JSON value.
func isCompleteJSON(s string) bool {
	depth := 0
	inString := false
	escape := false

	for _, ch := range s {
		if escape {
			escape = false
			continue
		}
		if ch == '\\' && inString {
			escape = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 0 && !inString
}

// Compile-time interface check.
var _ yodoca.Provider = (*Gemini)(nil)
