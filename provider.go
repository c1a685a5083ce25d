package yodoca

import (
	"context"
	"net/http"
	"strconv"
	"time"
)

// Provider abstracts the LLM backend. Tool definitions travel inside
// ChatRequest; a response may contain tool calls for the agent loop to
// execute.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response
	// with usage stats. Implementations close ch before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "anthropic").
	Name() string
}

// ParseRetryAfter parses an HTTP Retry-After header value: either delay
// seconds or an HTTP date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
