// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"net/http"
	"net/url"
	"strings"
)

// Provider describes one upstream model API behind the relay
type Provider struct {
	// Name keys the relay path prefix /relay/{name}/ and the pricing table
	Name string

	// UpstreamBase is the scheme://host root requests are forwarded to
	UpstreamBase string

	// KeyHeader carries the credential on both legs. The caller presents
	// the per-instance secret there; the relay substitutes the real key.
	KeyHeader string

	// KeyPrefix, when set, precedes the key value (e.g. "Bearer ")
	KeyPrefix string

	// QueryKey, when set, names a query parameter the credential may
	// alternatively arrive in; it is always stripped before forwarding
	QueryKey string

	// APIKey is the real provider key
	APIKey string
}

// NewAnthropicProvider describes the Anthropic messages API, which carries
// its credential in the x-api-key header.
func NewAnthropicProvider(apiKey string) *Provider {
	return &Provider{
		Name:         "anthropic",
		UpstreamBase: "https://api.anthropic.com",
		KeyHeader:    "x-api-key",
		APIKey:       apiKey,
	}
}

// NewOpenAIProvider describes the OpenAI API, which uses a bearer token and
// additionally accepts ?key= for SDKs that cannot set headers.
func NewOpenAIProvider(apiKey string) *Provider {
	return &Provider{
		Name:         "openai",
		UpstreamBase: "https://api.openai.com",
		KeyHeader:    "Authorization",
		KeyPrefix:    "Bearer ",
		QueryKey:     "key",
		APIKey:       apiKey,
	}
}

// ExtractCredential pulls the per-instance secret from the request, looking
// at the provider's key header, a generic bearer header, then the query
// alternate. Returns the secret or "".
func (p *Provider) ExtractCredential(r *http.Request) string {
	if v := r.Header.Get(p.KeyHeader); v != "" {
		return strings.TrimPrefix(v, p.KeyPrefix)
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if p.QueryKey != "" {
		if v := r.URL.Query().Get(p.QueryKey); v != "" {
			return v
		}
	}

	return ""
}

// ScrubQuery returns the query string with any credential parameter removed
func (p *Provider) ScrubQuery(values url.Values) string {
	if p.QueryKey != "" {
		values.Del(p.QueryKey)
	}
	return values.Encode()
}

// Authorize sets the real provider key on the outbound request
func (p *Provider) Authorize(req *http.Request) {
	req.Header.Set(p.KeyHeader, p.KeyPrefix+p.APIKey)
}

// WantsStream reports whether the request expects a streamed response,
// decided by the Accept header or a provider URL marker.
func (p *Provider) WantsStream(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return true
	}
	// Google-style URL marker some SDKs use on alternate providers.
	return strings.Contains(r.URL.Path, ":streamGenerateContent")
}
