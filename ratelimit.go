package yodoca

import (
	"context"
	"sync"
	"time"
)

// rateLimitProvider wraps a Provider with client-side request and token
// budgets over a one-minute sliding window. Calls block until the budget
// allows them; cancellation is honoured while waiting.
type rateLimitProvider struct {
	inner Provider
	mu    sync.Mutex

	rpm      int // max requests per minute; 0 = unlimited
	tpm      int // max tokens per minute; 0 = unlimited
	requests []time.Time
	spend    []tokenSpend
}

// tokenSpend is one completed request's token count.
type tokenSpend struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitProvider.
type RateLimitOption func(*rateLimitProvider)

// RPM caps requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.rpm = n }
}

// TPM caps tokens per minute, input and output combined. Token counts come
// from ChatResponse.Usage after each request, so this is a soft cap: the
// request that crosses it still completes, and later requests block until
// the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tpm = n }
}

// WithRateLimit wraps p with client-side rate limiting. The model router
// applies it to any provider whose settings declare an rpm or tpm budget.
// Composes with other wrappers:
//
//	chatLLM = yodoca.WithRateLimit(provider, yodoca.RPM(60))
//	chatLLM = yodoca.WithRateLimit(yodoca.WithRetry(provider), yodoca.RPM(60), yodoca.TPM(100000))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name delegates to the inner provider.
func (r *rateLimitProvider) Name() string { return r.inner.Name() }

// Chat implements Provider, blocking first until the budget admits the call.
func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// ChatStream implements Provider. ch is closed even when admission fails.
func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// admit blocks until both budgets allow a request, then records it in the
// request window. Returns ctx.Err() if cancelled while waiting.
func (r *rateLimitProvider) admit(ctx context.Context) error {
	for {
		ok, retryIn := r.tryAdmit(time.Now())
		if ok {
			return nil
		}
		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAdmit checks both windows at now. On success the request is counted
// and ok is true. On failure retryIn is the time until the oldest entry of
// the blocking window expires.
func (r *rateLimitProvider) tryAdmit(now time.Time) (ok bool, retryIn time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	r.requests = pruneRequests(r.requests, cutoff)
	r.spend = pruneSpend(r.spend, cutoff)

	rpmOK := r.rpm <= 0 || len(r.requests) < r.rpm
	tpmOK := true
	if r.tpm > 0 {
		var total int
		for _, e := range r.spend {
			total += e.tokens
		}
		tpmOK = total < r.tpm
	}

	if rpmOK && tpmOK {
		if r.rpm > 0 {
			r.requests = append(r.requests, now)
		}
		return true, 0
	}

	if !rpmOK && len(r.requests) > 0 {
		retryIn = r.requests[0].Add(time.Minute).Sub(now)
	}
	if !tpmOK && len(r.spend) > 0 {
		if w := r.spend[0].at.Add(time.Minute).Sub(now); retryIn == 0 || w < retryIn {
			retryIn = w
		}
	}
	if retryIn <= 0 {
		retryIn = 10 * time.Millisecond
	}
	return false, retryIn
}

// recordUsage charges a completed request's tokens to the spend window.
func (r *rateLimitProvider) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.spend = append(r.spend, tokenSpend{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneRequests drops request timestamps older than cutoff. Entries are
// appended in time order, so the survivors form a suffix.
func pruneRequests(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneSpend drops token entries older than cutoff.
func pruneSpend(s []tokenSpend, cutoff time.Time) []tokenSpend {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Provider = (*rateLimitProvider)(nil)
