// Package proxy implements the broker's outbound proxy: it maps an
// authenticated agent request onto an upstream provider call, injects the
// provider's credentials, and scrubs everything flowing back.
//
// The one ordering rule that matters: every secret injected into an upstream
// request is registered with the scrub registry before any response byte
// leaves the proxy. An upstream that echoes the credential back therefore
// can only ever show the agent a redaction marker.
package proxy

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

	"golang.org/x/time/rate"

	"github.com/bdobrica/sekisho/common/crypto"
	"github.com/bdobrica/sekisho/common/retry"
	"github.com/bdobrica/sekisho/common/scrub"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/route"
	"github.com/bdobrica/sekisho/internal/broker/token"
)

// Request/response body caps. Providers with larger payloads get chunked
// APIs; the proxy is not a file transfer path.
const (
	maxRequestBody  = 10 << 20
	maxResponseBody = 32 << 20
)

// blockedHeaders are credential-bearing headers an agent may never supply.
// The broker is the only party that attaches credentials.
var blockedHeaders = map[string]struct{}{
	"authorization":       {},
	"cookie":              {},
	"set-cookie":          {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"x-auth-token":        {},
	"x-access-token":      {},
}

// hopByHopHeaders are stripped in both directions per RFC 9110 §7.6.1.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// SecretSource resolves a secret field's plaintext for one agent. Satisfied
// by store.SecretStore.
type SecretSource interface {
	Value(ctx context.Context, provider, field, agentID string) (string, error)
}

// Config wires an Engine.
type Config struct {
	Table   *route.Table
	Secrets SecretSource
	Scrub   *scrub.Registry
	Audit   audit.Recorder
	// Client defaults to a client with no global timeout (per-request
	// deadlines come from UpstreamTimeout).
	Client *http.Client
	// UpstreamTimeout bounds one upstream round trip. Default 60s.
	UpstreamTimeout time.Duration
	// MaxConcurrentPerProvider bounds in-flight upstream calls per provider.
	// Default 16.
	MaxConcurrentPerProvider int
	// RatePerProvider is the smoothed request rate per provider. Default 50/s
	// with a burst of 100.
	RatePerProvider rate.Limit
	RateBurst       int
}

// Engine executes proxy requests.
type Engine struct {
	table   *route.Table
	secrets SecretSource
	scrub   *scrub.Registry
	audit   audit.Recorder
	client  *http.Client
	timeout time.Duration
	limits  *limiterSet
}

// New returns an Engine with Config defaults applied.
func New(cfg Config) *Engine {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.MaxConcurrentPerProvider <= 0 {
		cfg.MaxConcurrentPerProvider = 16
	}
	if cfg.RatePerProvider <= 0 {
		cfg.RatePerProvider = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	return &Engine{
		table:   cfg.Table,
		secrets: cfg.Secrets,
		scrub:   cfg.Scrub,
		audit:   cfg.Audit,
		client:  cfg.Client,
		timeout: cfg.UpstreamTimeout,
		limits:  newLimiterSet(cfg.MaxConcurrentPerProvider, cfg.RatePerProvider, cfg.RateBurst),
	}
}

// writeError emits the proxy error envelope.
func writeError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// Forward runs the proxy pipeline for an already-authenticated request.
// provider and rest come from the /v1/proxy/{provider}/{rest...} route.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, id *token.Identity, provider, rest string) {
	ctx := r.Context()

	p, err := e.table.Provider(provider)
	if err != nil {
		e.deny(ctx, id, provider, "unknown_provider", err)
		writeError(w, http.StatusNotFound, "unknown_provider")
		return
	}

	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	required, err := p.Capability(r.Method, rest)
	if err != nil {
		e.deny(ctx, id, provider+rest, "bad_path", err)
		writeError(w, http.StatusBadRequest, "bad_path")
		return
	}

	// Scoped tokens carry their own subset; agent tokens carry full grants.
	// Either way the capability must be present.
	if !id.Capabilities.Contains(required) {
		code := "capability_missing"
		if id.Scoped {
			code = "scope_violation"
		}
		e.deny(ctx, id, required.String(), code, nil)
		writeError(w, http.StatusForbidden, code)
		return
	}

	if name, bad := checkHeaders(r.Header); bad {
		e.deny(ctx, id, required.String(), "bad_header", fmt.Errorf("header %q", name))
		writeError(w, http.StatusBadRequest, "bad_header")
		return
	}

	pl := e.limits.get(provider)
	if !pl.acquire() {
		e.deny(ctx, id, required.String(), "upstream_saturated", nil)
		writeError(w, http.StatusServiceUnavailable, "upstream_saturated")
		return
	}
	defer pl.release()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_path")
		return
	}
	if len(body) > maxRequestBody {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large")
		return
	}

	// Resolve and inject secrets. Registration with the scrub registry
	// happens here, before the upstream call, never after.
	injected := make(http.Header)
	query := make(map[string]string)
	var digests []string
	for _, si := range p.Secrets {
		value, err := e.secrets.Value(ctx, provider, si.Field, id.AgentID)
		if err != nil {
			e.deny(ctx, id, required.String(), "secret_unavailable", err)
			writeError(w, http.StatusBadGateway, "upstream_error")
			return
		}
		e.scrub.Register(provider+"_"+si.Field, value)
		digests = append(digests, crypto.SecretDigest(value))

		rendered := si.Render(value)
		switch si.Location {
		case route.InjectHeader:
			injected.Set(si.Name, rendered)
		case route.InjectQuery:
			query[si.Name] = rendered
		case route.InjectPath:
			rest = strings.ReplaceAll(rest, "{"+si.Name+"}", rendered)
		case route.InjectBody:
			body, err = injectBodyField(body, si.Name, rendered)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad_path")
				return
			}
		}
	}

	upstream, err := p.UpstreamURL(rest, r.URL.RawQuery)
	if err != nil {
		// Routing table corruption: the host its own config points at fails
		// its own allowlist.
		e.deny(ctx, id, required.String(), "internal", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	if len(query) > 0 {
		q := upstream.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		upstream.RawQuery = q.Encode()
	}

	resp, respBody, err := e.roundTrip(ctx, r, upstream.String(), body, injected)
	if err != nil {
		status, code, outcome := classifyTransportError(ctx, err)
		e.audit.Record(ctx, audit.Event{
			AgentID: id.AgentID,
			Kind:    audit.KindProxyCall,
			Subject: required.String(),
			Outcome: outcome,
			Error:   e.scrub.Scrub(err.Error()),
			Detail:  auditDetail(provider, 0, len(body), 0, digests),
		})
		if outcome != "cancelled" {
			writeError(w, status, code)
		}
		return
	}

	scrubbed := e.scrub.Scrub(string(respBody))

	copyResponseHeaders(w.Header(), resp.Header, e.scrub)
	w.WriteHeader(resp.StatusCode)
	io.WriteString(w, scrubbed)

	e.audit.Record(ctx, audit.Event{
		AgentID: id.AgentID,
		Kind:    audit.KindProxyCall,
		Subject: required.String(),
		Outcome: "ok",
		Detail:  auditDetail(provider, resp.StatusCode, len(body), len(scrubbed), digests),
	})
}

// roundTrip sends the upstream request with a bounded deadline, retrying
// once on connection-level failure for idempotent methods only.
func (e *Engine) roundTrip(ctx context.Context, r *http.Request, upstreamURL string, body []byte, injected http.Header) (*http.Response, []byte, error) {
	upCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	attempts := 1
	if idempotent(r.Method) {
		attempts = 2
	}

	var resp *http.Response
	var respBody []byte
	err := retry.Do(upCtx, retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: 100 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			// Only connection-level failures retry; an upstream that answered
			// (any status) already acted on the request.
			return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
		},
	}, func() error {
		req, err := http.NewRequestWithContext(upCtx, r.Method, upstreamURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		copyRequestHeaders(req.Header, r.Header)
		for name, vals := range injected {
			req.Header[name] = vals
		}

		res, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()
		data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
		if err != nil {
			return err
		}
		resp, respBody = res, data
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// classifyTransportError maps an upstream failure to status, error code, and
// audit outcome.
func classifyTransportError(inbound context.Context, err error) (int, string, string) {
	switch {
	case errors.Is(inbound.Err(), context.Canceled):
		return 0, "", "cancelled"
	case errors.Is(inbound.Err(), context.DeadlineExceeded):
		return http.StatusRequestTimeout, "request_timeout", "timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout", "timeout"
	default:
		return http.StatusBadGateway, "upstream_error", "error"
	}
}

// checkHeaders rejects credential-bearing headers and control characters in
// values.
func checkHeaders(h http.Header) (string, bool) {
	for name, vals := range h {
		if _, blocked := blockedHeaders[strings.ToLower(name)]; blocked {
			return name, true
		}
		for _, v := range vals {
			if strings.ContainsAny(v, "\r\n\x00") {
				return name, true
			}
		}
	}
	return "", false
}

// copyRequestHeaders forwards agent headers minus hop-by-hop and blocked
// ones. Host is set by the transport from the URL.
func copyRequestHeaders(dst, src http.Header) {
	for name, vals := range src {
		lower := strings.ToLower(name)
		if _, skip := hopByHopHeaders[lower]; skip {
			continue
		}
		if _, skip := blockedHeaders[lower]; skip {
			continue
		}
		dst[name] = vals
	}
}

// copyResponseHeaders returns upstream headers minus hop-by-hop and
// credential headers, scrubbing every value on the way out.
func copyResponseHeaders(dst, src http.Header, reg *scrub.Registry) {
	for name, vals := range src {
		lower := strings.ToLower(name)
		if _, skip := hopByHopHeaders[lower]; skip {
			continue
		}
		if _, skip := blockedHeaders[lower]; skip {
			continue
		}
		for _, v := range vals {
			dst.Add(name, reg.Scrub(v))
		}
	}
}

// injectBodyField sets one top-level JSON field in the request body.
func injectBodyField(body []byte, field, value string) ([]byte, error) {
	doc := map[string]any{}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("proxy: body is not a JSON object: %w", err)
		}
	}
	doc[field] = value
	return json.Marshal(doc)
}

func auditDetail(provider string, status, bytesIn, bytesOut int, digests []string) map[string]any {
	d := map[string]any{
		"provider":  provider,
		"bytes_in":  bytesIn,
		"bytes_out": bytesOut,
	}
	if status != 0 {
		d["status"] = status
	}
	if len(digests) > 0 {
		d["secrets"] = digests
	}
	return d
}

// deny records a denial or hygiene failure.
func (e *Engine) deny(ctx context.Context, id *token.Identity, subject, code string, err error) {
	ev := audit.Event{
		AgentID: id.AgentID,
		Kind:    audit.KindDeny,
		Subject: subject,
		Outcome: "denied",
		Error:   code,
	}
	if err != nil {
		ev.Detail = map[string]any{"cause": e.scrub.Scrub(err.Error())}
	}
	e.audit.Record(ctx, ev)
}
