package openaicompat

import (
	"log/slog"
	"net/http"
)

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
// Use this to distinguish providers in logs and observability.
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithLogger sets the logger used for warnings about unsupported parameters.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) { p.logger = l }
}

// WithOptions appends request-level options (temperature, top_p, etc.)
// that are applied to every request made by this provider.
func WithOptions(opts ...Option) ProviderOption {
	return func(p *Provider) { p.opts = append(p.opts, opts...) }
}

// WithHeaders sets extra HTTP headers sent on every request. Self-hosted
// gateways often require them; values override the defaults on collision.
func WithHeaders(headers map[string]string) ProviderOption {
	return func(p *Provider) {
		if p.headers == nil {
			p.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			p.headers[k] = v
		}
	}
}
