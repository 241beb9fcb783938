// Package httpapi exposes the broker over HTTP: token verification,
// capability listing, channel tokens, custom secrets, scoped token minting,
// and the generic provider proxy.
//
// Everything under /v1 requires Authorization: Bearer <token>. The two
// endpoints that return raw secret material (channel tokens, custom secrets)
// do so deliberately and only behind an explicit capability grant; every
// other egress path is scrubbed.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/sekisho/common/spec/capability"
	"github.com/bdobrica/sekisho/common/trace"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/proxy"
	"github.com/bdobrica/sekisho/internal/broker/route"
	"github.com/bdobrica/sekisho/internal/broker/store"
	"github.com/bdobrica/sekisho/internal/broker/token"
)

// maxAPIBody caps non-proxy request bodies.
const maxAPIBody = 1 << 20

// Server is the broker HTTP surface.
type Server struct {
	issuer  *token.Issuer
	store   *store.Store
	secrets *store.SecretStore
	table   *route.Table
	engine  *proxy.Engine
	audit   audit.Recorder
	exec    *ExecService
	mux     *http.ServeMux
}

// New wires the broker surface. recorder may be audit.Discard.
func New(issuer *token.Issuer, st *store.Store, secrets *store.SecretStore, table *route.Table, engine *proxy.Engine, recorder audit.Recorder) *Server {
	if recorder == nil {
		recorder = audit.Discard
	}
	s := &Server{
		issuer:  issuer,
		store:   st,
		secrets: secrets,
		table:   table,
		engine:  engine,
		audit:   recorder,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("POST /v1/auth/verify", s.authed(s.handleVerify))
	s.mux.Handle("GET /v1/agent/capabilities", s.authed(s.handleCapabilities))
	s.mux.Handle("GET /v1/tokens/channels", s.authed(s.handleChannelTokens))
	s.mux.Handle("GET /v1/secrets/custom/{key}", s.authed(s.handleCustomSecret))
	s.mux.Handle("POST /v1/tokens/scoped", s.authed(s.handleMintScoped))
	s.mux.Handle("/v1/proxy/{provider}/{rest...}", s.authed(s.handleProxy))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Every request gets a correlation id, supplied or fresh.
	id := trace.FromRequest(r)
	ctx := trace.WithID(r.Context(), id)
	w.Header().Set(trace.Header, id)
	s.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	resp := map[string]any{"valid": true, "agent_id": id.AgentID}
	if id.Scoped {
		resp["scoped"] = true
		resp["skill_run_id"] = id.SkillRunID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     id.AgentID,
		"capabilities": id.Capabilities.Strings(),
	})
}

// handleChannelTokens returns raw channel tokens for every provider the
// bearer holds any capability on, where the routing table designates a
// channel token field. Clients must not persist these.
func (s *Server) handleChannelTokens(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	ctx := r.Context()
	tokens := map[string]string{}
	for _, name := range s.table.Providers() {
		p, err := s.table.Provider(name)
		if err != nil || p.ChannelTokenField == "" {
			continue
		}
		if !holdsProviderCapability(id.Capabilities, name) {
			continue
		}
		value, err := s.secrets.Value(ctx, name, p.ChannelTokenField, id.AgentID)
		if errors.Is(err, store.ErrSecretNotFound) {
			continue
		}
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		tokens[name] = value
		s.audit.Record(ctx, audit.Event{
			AgentID: id.AgentID,
			Kind:    audit.KindSecretAccess,
			Subject: name + "/" + p.ChannelTokenField,
			Outcome: "ok",
			Detail:  map[string]any{"via": "channel_tokens"},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": tokens})
}

func (s *Server) handleCustomSecret(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	ctx := r.Context()
	key := r.PathValue("key")

	c, err := capability.Parse(capability.CustomProvider + "/" + key)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_key"})
		return
	}
	if !id.Capabilities.Contains(c) {
		s.audit.Record(ctx, audit.Event{
			AgentID: id.AgentID,
			Kind:    audit.KindDeny,
			Subject: c.String(),
			Outcome: "denied",
			Error:   "capability_missing",
		})
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "capability_missing"})
		return
	}

	value, err := s.secrets.Value(ctx, capability.CustomProvider, key, id.AgentID)
	if errors.Is(err, store.ErrSecretNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}

	s.audit.Record(ctx, audit.Event{
		AgentID: id.AgentID,
		Kind:    audit.KindSecretAccess,
		Subject: c.String(),
		Outcome: "ok",
		Detail:  map[string]any{"via": "custom_secret"},
	})
	writeJSON(w, http.StatusOK, map[string]string{"value": value})
}

type mintScopedRequest struct {
	SkillName    string   `json:"skill_name"`
	Capabilities []string `json:"capabilities"`
	TTLSeconds   int      `json:"ttl_seconds"`
}

func (s *Server) handleMintScoped(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	// Scoped tokens cannot mint further scoped tokens.
	if id.Scoped {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "scope_violation"})
		return
	}

	var req mintScopedRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAPIBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_request"})
		return
	}
	caps, err := capability.ParseSet(req.Capabilities)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad_capability"})
		return
	}

	grant, err := s.issuer.MintScoped(r.Context(), token.ScopedRequest{
		AgentID:      id.AgentID,
		SkillName:    req.SkillName,
		Capabilities: caps,
		TTL:          time.Duration(req.TTLSeconds) * time.Second,
	})
	switch {
	case errors.Is(err, token.ErrScopeExceedsGrants):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "scope_exceeds_grants"})
		return
	case errors.Is(err, token.ErrTTLTooLong):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ttl_too_long"})
		return
	case err != nil:
		s.internalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":        grant.Token,
		"skill_run_id": grant.SkillRunID,
		"expires_at":   grant.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, id *token.Identity) {
	provider := r.PathValue("provider")
	rest := "/" + r.PathValue("rest")
	// The bearer was consumed at ingress; it must not reach header hygiene
	// or the upstream.
	r.Header.Del("Authorization")
	r.Body = http.MaxBytesReader(w, r.Body, maxAPIBody*16)
	s.engine.Forward(w, r, id, provider, rest)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	slog.Error("httpapi: internal error",
		"path", r.URL.Path, "correlation_id", trace.FromContext(r.Context()), "err", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal"})
}

// holdsProviderCapability reports whether the set contains any capability for
// the provider.
func holdsProviderCapability(set capability.Set, provider string) bool {
	for _, c := range set {
		if c.Provider == provider {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
