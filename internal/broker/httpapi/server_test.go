package httpapi_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/sekisho/common/crypto"
	"github.com/bdobrica/sekisho/common/scrub"
	"github.com/bdobrica/sekisho/common/spec/capability"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/httpapi"
	"github.com/bdobrica/sekisho/internal/broker/proxy"
	"github.com/bdobrica/sekisho/internal/broker/route"
	"github.com/bdobrica/sekisho/internal/broker/store"
	"github.com/bdobrica/sekisho/internal/broker/token"
	"github.com/bdobrica/sekisho/internal/exec/policy"
	"github.com/bdobrica/sekisho/internal/exec/template"
)

const upstreamSecret = "sk-ant-SECRETVALUE"

type fixture struct {
	server   *httptest.Server
	store    *store.Store
	issuer   *token.Issuer
	upstream *httptest.Server
}

// newFixture stands up a broker over a real sqlite store and a fake upstream
// that echoes the credential it received.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"received_key":  r.Header.Get("x-api-key"),
			"received_body": string(body),
		})
	}))
	t.Cleanup(upstream.Close)

	s, err := store.New(filepath.Join(t.TempDir(), "sekisho.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	key := make([]byte, crypto.KeySize)
	secrets := s.Secrets(key)

	u, _ := url.Parse(upstream.URL)
	table := route.NewTable()
	doc := fmt.Sprintf(`
providers:
  anthropic:
    base_url: %s
    allowed_hosts: ["%s"]
    channel_token_field: api_key
    endpoints:
      - name: messages.create
        method: POST
        path: /v1/messages
    secrets:
      - field: api_key
        location: header
        name: x-api-key
`, upstream.URL, u.Hostname())
	if err := table.Load([]byte(doc)); err != nil {
		t.Fatalf("load table: %v", err)
	}

	issuer := token.NewIssuer(s, audit.Discard)
	engine := proxy.New(proxy.Config{
		Table:   table,
		Secrets: secrets,
		Scrub:   scrub.New(),
		Audit:   audit.Discard,
	})
	api := httpapi.New(issuer, s, secrets, table, engine, audit.Discard)
	api.EnableExec(&httpapi.ExecService{
		Policy: policy.New(template.NewRegistry(), policy.Moderate),
		Scrub:  scrub.New(),
		Dir:    t.TempDir(),
	})
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, store: s, issuer: issuer, upstream: upstream}
}

func (f *fixture) enrollAgent(t *testing.T, caps ...string) string {
	t.Helper()
	ctx := t.Context()
	raw, err := f.issuer.MintAgentToken(ctx, "a1")
	if err != nil {
		t.Fatalf("mint agent: %v", err)
	}
	for _, c := range caps {
		if err := f.store.AddGrant(ctx, "a1", capability.MustParse(c), ""); err != nil {
			t.Fatalf("grant: %v", err)
		}
	}
	return raw
}

func (f *fixture) do(t *testing.T, bearer, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &decoded)
	if decoded == nil {
		decoded = map[string]any{"_raw": string(data)}
	} else {
		decoded["_raw"] = string(data)
	}
	return resp, decoded
}

func TestHealthzNoAuth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, "", http.MethodGet, "/healthz", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-Id", "corr-abc")
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-abc" {
		t.Fatalf("supplied id not echoed: %q", got)
	}

	// An oversized supplied id is replaced with a fresh one.
	req, _ = http.NewRequest(http.MethodGet, f.server.URL+"/healthz", nil)
	long := strings.Repeat("x", 200)
	req.Header.Set("X-Correlation-Id", long)
	resp, err = f.server.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got == "" || got == long {
		t.Fatalf("oversized id not replaced: %q", got)
	}
}

func TestBearerRequired(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, "", http.MethodGet, "/v1/agent/capabilities", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing bearer: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, "bogus-token", http.MethodGet, "/v1/agent/capabilities", "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("invalid bearer: %d", resp.StatusCode)
	}
}

func TestVerifyAndCapabilities(t *testing.T) {
	f := newFixture(t)
	bearer := f.enrollAgent(t, "anthropic/messages.create", "custom/deploy-hook")

	resp, body := f.do(t, bearer, http.MethodPost, "/v1/auth/verify", "")
	if resp.StatusCode != http.StatusOK || body["valid"] != true || body["agent_id"] != "a1" {
		t.Fatalf("verify: %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, bearer, http.MethodGet, "/v1/agent/capabilities", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capabilities: %d", resp.StatusCode)
	}
	caps, _ := body["capabilities"].([]any)
	if len(caps) != 2 {
		t.Fatalf("expected 2 capabilities, got %v", body)
	}
}

func TestCustomSecret_GrantGated(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	key := make([]byte, crypto.KeySize)
	if err := f.store.Secrets(key).Put(ctx, "custom", "deploy-hook", "hook-secret-value", store.ScopeAccount, ""); err != nil {
		t.Fatal(err)
	}

	withGrant := f.enrollAgent(t, "custom/deploy-hook")
	resp, body := f.do(t, withGrant, http.MethodGet, "/v1/secrets/custom/deploy-hook", "")
	if resp.StatusCode != http.StatusOK || body["value"] != "hook-secret-value" {
		t.Fatalf("granted fetch: %d %v", resp.StatusCode, body)
	}

	without, err := f.issuer.MintAgentToken(ctx, "a2")
	if err != nil {
		t.Fatal(err)
	}
	resp, body = f.do(t, without, http.MethodGet, "/v1/secrets/custom/deploy-hook", "")
	if resp.StatusCode != http.StatusForbidden || body["error"] != "capability_missing" {
		t.Fatalf("ungranted fetch: %d %v", resp.StatusCode, body)
	}
}

func TestChannelTokens_OnlyGrantedProviders(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	key := make([]byte, crypto.KeySize)
	if err := f.store.Secrets(key).Put(ctx, "anthropic", "api_key", upstreamSecret, store.ScopeAccount, ""); err != nil {
		t.Fatal(err)
	}

	granted := f.enrollAgent(t, "anthropic/messages.create")
	resp, body := f.do(t, granted, http.MethodGet, "/v1/tokens/channels", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got %d", resp.StatusCode)
	}
	tokens, _ := body["tokens"].(map[string]any)
	if tokens["anthropic"] != upstreamSecret {
		t.Fatalf("expected channel token, got %v", body)
	}

	ungranted, err := f.issuer.MintAgentToken(ctx, "a2")
	if err != nil {
		t.Fatal(err)
	}
	resp, body = f.do(t, ungranted, http.MethodGet, "/v1/tokens/channels", "")
	tokens, _ = body["tokens"].(map[string]any)
	if resp.StatusCode != http.StatusOK || len(tokens) != 0 {
		t.Fatalf("ungranted agent got tokens: %d %v", resp.StatusCode, body)
	}
}

func TestScopedTokenFlow(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	key := make([]byte, crypto.KeySize)
	if err := f.store.Secrets(key).Put(ctx, "anthropic", "api_key", upstreamSecret, store.ScopeAccount, ""); err != nil {
		t.Fatal(err)
	}
	bearer := f.enrollAgent(t, "anthropic/messages.create")

	// Mint within grants.
	resp, body := f.do(t, bearer, http.MethodPost, "/v1/tokens/scoped",
		`{"skill_name":"release-notes","capabilities":["anthropic/messages.create"],"ttl_seconds":300}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint: %d %v", resp.StatusCode, body)
	}
	scoped, _ := body["token"].(string)
	if scoped == "" {
		t.Fatalf("no token in %v", body)
	}

	// The scoped token can call its capability through the proxy.
	resp, body = f.do(t, scoped, http.MethodPost, "/v1/proxy/anthropic/v1/messages", `{"input":"hi"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scoped proxy call: %d %v", resp.StatusCode, body)
	}

	// A scoped token cannot mint further scoped tokens.
	resp, _ = f.do(t, scoped, http.MethodPost, "/v1/tokens/scoped",
		`{"skill_name":"x","capabilities":["anthropic/messages.create"],"ttl_seconds":60}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("scoped mint should be forbidden: %d", resp.StatusCode)
	}

	// Minting beyond grants is refused.
	resp, body = f.do(t, bearer, http.MethodPost, "/v1/tokens/scoped",
		`{"skill_name":"x","capabilities":["openai/chat.completions"],"ttl_seconds":60}`)
	if resp.StatusCode != http.StatusForbidden || body["error"] != "scope_exceeds_grants" {
		t.Fatalf("got %d %v", resp.StatusCode, body)
	}
}

func TestProxyEndToEnd_ScrubsEcho(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	key := make([]byte, crypto.KeySize)
	if err := f.store.Secrets(key).Put(ctx, "anthropic", "api_key", upstreamSecret, store.ScopeAccount, ""); err != nil {
		t.Fatal(err)
	}
	bearer := f.enrollAgent(t, "anthropic/messages.create")

	resp, body := f.do(t, bearer, http.MethodPost, "/v1/proxy/anthropic/v1/messages",
		fmt.Sprintf(`{"echo":%q}`, upstreamSecret))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy: %d %v", resp.StatusCode, body)
	}
	raw := body["_raw"].(string)
	if strings.Contains(raw, upstreamSecret) {
		t.Fatal("secret leaked through proxy response")
	}
	if !strings.Contains(raw, "<secret:anthropic_api_key>") {
		t.Fatalf("expected redaction marker in %s", raw)
	}
}
