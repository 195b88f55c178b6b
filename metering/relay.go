// Copyright 2025 ClawGate
// SPDX-License-Identifier: BUSL-1.1

package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"clawgate/platform/credits"
	"clawgate/platform/directory"
	"clawgate/platform/shared/logger"
)

// usageParseLimit caps how much of a non-streaming response body is retained
// for usage extraction
const usageParseLimit = 1 << 20

var (
	promRelayRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_relay_requests_total",
			Help: "Total metered relay requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	promRelayUpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clawgate_relay_upstream_duration_milliseconds",
			Help:    "Upstream call duration in milliseconds",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
		},
		[]string{"provider"},
	)
	promRelayEstimatedUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clawgate_relay_estimated_cost_usd_total",
			Help: "Estimated relayed usage cost in dollars, from response usage blocks",
		},
		[]string{"provider", "model"},
	)
)

func init() {
	prometheus.MustRegister(promRelayRequests)
	prometheus.MustRegister(promRelayUpstreamDuration)
	prometheus.MustRegister(promRelayEstimatedUSD)
}

// Relay is the metered HTTP relay for third-party model APIs. The caller is
// the user's own gateway instance authenticating with its per-instance
// secret, never a browser session.
type Relay struct {
	repo    directory.Repository
	credits *credits.Cache
	pricing *PricingTable
	client  *http.Client
	log     *logger.Logger

	// afterCall fires once the relayed response has fully streamed out.
	// It runs on its own goroutine; failures belong to it, never to the
	// relayed response.
	afterCall func(inst *directory.Instance)
}

// NewRelay creates a metered relay
func NewRelay(repo directory.Repository, balanceCache *credits.Cache, pricing *PricingTable, afterCall func(*directory.Instance)) *Relay {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Relay{
		repo:      repo,
		credits:   balanceCache,
		pricing:   pricing,
		client:    &http.Client{}, // no client timeout: streams may run long, ctx bounds each call
		log:       logger.New("metering"),
		afterCall: afterCall,
	}
}

// Register mounts one relay path prefix per provider
func (rl *Relay) Register(router *mux.Router, providers ...*Provider) {
	for _, p := range providers {
		provider := p
		router.PathPrefix("/relay/" + provider.Name + "/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rl.serve(w, r, provider)
		})
	}
}

func (rl *Relay) serve(w http.ResponseWriter, r *http.Request, p *Provider) {
	secret := p.ExtractCredential(r)
	if secret == "" {
		promRelayRequests.WithLabelValues(p.Name, "unauthorized").Inc()
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}

	inst, err := rl.repo.GetBySecret(r.Context(), secret)
	if err != nil {
		promRelayRequests.WithLabelValues(p.Name, "unauthorized").Inc()
		if !errors.Is(err, directory.ErrInstanceNotFound) {
			rl.log.Error("", "", "directory lookup failed", map[string]interface{}{"error": err.Error()})
		}
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	stream := p.WantsStream(r)

	if rl.exhausted(r.Context(), inst.UserID) {
		promRelayRequests.WithLabelValues(p.Name, "exhausted").Inc()
		rl.log.Info(inst.UserID, "", "credits exhausted, serving synthetic response", map[string]interface{}{
			"provider": p.Name,
			"stream":   stream,
		})
		WriteExhausted(w, p, stream)
		return
	}

	rl.forward(w, r, p, inst, stream)
}

// exhausted checks the cached balance. Balance-store failures fail open:
// the reconciler remains the source of truth for charged cost, so an
// unmetered pass-through is bounded and preferable to a false outage.
func (rl *Relay) exhausted(ctx context.Context, userID string) bool {
	balance, err := rl.credits.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, credits.ErrBalanceNotFound) {
			return true
		}
		rl.log.Warn(userID, "", "balance check failed, allowing request", map[string]interface{}{
			"error": err.Error(),
		})
		return false
	}
	return balance.Exhausted()
}

func (rl *Relay) forward(w http.ResponseWriter, r *http.Request, p *Provider, inst *directory.Instance, stream bool) {
	remainder := strings.TrimPrefix(r.URL.Path, "/relay/"+p.Name)
	upstreamURL := p.UpstreamBase + remainder
	if query := p.ScrubQuery(r.URL.Query()); query != "" {
		upstreamURL += "?" + query
	}

	upReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, r.Body)
	if err != nil {
		promRelayRequests.WithLabelValues(p.Name, "error").Inc()
		http.Error(w, "bad relay request", http.StatusBadRequest)
		return
	}

	copyHeaders(upReq.Header, r.Header, p)
	p.Authorize(upReq)

	start := time.Now()
	upRes, err := rl.client.Do(upReq)
	if err != nil {
		promRelayRequests.WithLabelValues(p.Name, "upstream_error").Inc()
		rl.log.ErrorWithCode(inst.UserID, "", "upstream call failed", http.StatusBadGateway, err, map[string]interface{}{
			"provider": p.Name,
		})
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
		return
	}
	defer func() { _ = upRes.Body.Close() }()

	for key, values := range upRes.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(upRes.StatusCode)

	// Pipe bytes as they arrive. For non-streaming responses the tee keeps
	// a bounded copy so the usage block can be read after the fact.
	var tap bytes.Buffer
	var src io.Reader = upRes.Body
	if !stream {
		src = io.TeeReader(upRes.Body, &limitedWriter{w: &tap, n: usageParseLimit})
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}

	promRelayRequests.WithLabelValues(p.Name, "relayed").Inc()
	promRelayUpstreamDuration.WithLabelValues(p.Name).Observe(float64(time.Since(start).Milliseconds()))

	if !stream && upRes.StatusCode == http.StatusOK {
		rl.observeUsage(inst, p, tap.Bytes())
	}

	// Metering is fire-and-forget relative to the response the caller
	// already has.
	if rl.afterCall != nil {
		instCopy := *inst
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					rl.log.Error(instCopy.UserID, "", "post-call hook panicked", map[string]interface{}{
						"instance_id": instCopy.ID,
						"panic":       fmt.Sprint(rec),
					})
				}
			}()
			rl.afterCall(&instCopy)
		}()
	}
}

// observeUsage extracts the usage block from a non-streaming response for
// metrics and logs. Charged cost comes from reconciliation, not from here.
func (rl *Relay) observeUsage(inst *directory.Instance, p *Provider, body []byte) {
	model, prompt, completion, ok := parseUsage(p.Name, body)
	if !ok {
		return
	}

	costUSD := rl.pricing.CostUSD(p.Name, model, prompt, completion)
	promRelayEstimatedUSD.WithLabelValues(p.Name, model).Add(costUSD)

	rl.log.Info(inst.UserID, "", "relayed model call", map[string]interface{}{
		"provider":          p.Name,
		"model":             model,
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"estimated_usd":     costUSD,
	})
}

func parseUsage(provider string, body []byte) (model string, prompt, completion int, ok bool) {
	switch provider {
	case "anthropic":
		var res struct {
			Model string `json:"model"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return "", 0, 0, false
		}
		return res.Model, res.Usage.InputTokens, res.Usage.OutputTokens, true

	case "openai":
		var res struct {
			Model string `json:"model"`
			Usage struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return "", 0, 0, false
		}
		return res.Model, res.Usage.PromptTokens, res.Usage.CompletionTokens, true
	}

	return "", 0, 0, false
}

// copyHeaders forwards request headers minus hop-by-hop fields and any
// credential the caller presented.
func copyHeaders(dst, src http.Header, p *Provider) {
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Proxy-Authorization", "Authorization",
			http.CanonicalHeaderKey(p.KeyHeader):
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// limitedWriter discards bytes past n instead of erroring, so the tee never
// interferes with the passthrough.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.n > 0 {
		keep := len(p)
		if keep > lw.n {
			keep = lw.n
		}
		lw.w.Write(p[:keep])
		lw.n -= keep
	}
	return len(p), nil
}
