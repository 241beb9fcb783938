// Package token mints and verifies broker bearer tokens.
//
// Two token classes exist. Agent tokens are long-lived credentials issued at
// enrollment and verified on every broker request. Scoped tokens are minted
// for a single skill run, carry a capability subset, and expire within
// minutes. Both are opaque random strings: the broker stores only SHA-256
// hashes, so a database leak yields nothing replayable.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/sekisho/common/crypto"
	"github.com/bdobrica/sekisho/common/spec/capability"
	"github.com/bdobrica/sekisho/internal/broker/audit"
	"github.com/bdobrica/sekisho/internal/broker/store"
)

// MaxScopedTTL caps how long a scoped token may live regardless of the
// requested TTL.
const MaxScopedTTL = 15 * time.Minute

// DefaultScopedTTL applies when a mint request leaves the TTL unset.
const DefaultScopedTTL = 15 * time.Minute

// tokenBytes is the entropy of a freshly minted token (before encoding).
const tokenBytes = 32

// Sentinel errors for token operations.
var (
	// ErrTokenInvalid is returned when a presented token matches no agent and
	// no live scoped token.
	ErrTokenInvalid = errors.New("token: invalid or expired")
	// ErrScopeExceedsGrants is returned when a scoped mint asks for
	// capabilities the agent does not hold.
	ErrScopeExceedsGrants = errors.New("token: requested scope exceeds grants")
	// ErrTTLTooLong is returned when a scoped mint asks for a TTL beyond
	// MaxScopedTTL.
	ErrTTLTooLong = errors.New("token: requested ttl exceeds maximum")
)

// Identity is the result of verifying a bearer token.
type Identity struct {
	AgentID string
	// Scoped is true when the presented token was a scoped (skill-run) token.
	Scoped bool
	// Capabilities is the effective capability set: the agent's grants for an
	// agent token, or the scoped subset for a scoped token.
	Capabilities capability.Set
	// SkillRunID and SkillName identify the run a scoped token was minted
	// for. Empty for agent tokens.
	SkillRunID string
	SkillName  string
}

// Issuer mints and verifies tokens against the store.
type Issuer struct {
	store *store.Store
	audit audit.Recorder
}

// NewIssuer returns an Issuer backed by st. recorder may be audit.Discard.
func NewIssuer(st *store.Store, recorder audit.Recorder) *Issuer {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Issuer{store: st, audit: recorder}
}

// newRawToken returns a fresh opaque token string.
func newRawToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: read entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MintAgentToken creates the agent row and returns the raw token. The raw
// value is returned exactly once; only its hash persists.
func (i *Issuer) MintAgentToken(ctx context.Context, agentID string) (string, error) {
	raw, err := newRawToken()
	if err != nil {
		return "", err
	}
	if err := i.store.CreateAgent(ctx, agentID, crypto.HashToken(raw)); err != nil {
		return "", err
	}
	i.audit.Record(ctx, audit.Event{
		AgentID: agentID,
		Kind:    audit.KindTokenMint,
		Subject: "agent",
		Outcome: "ok",
	})
	return raw, nil
}

// RotateAgentToken replaces an agent's credential and returns the new raw
// token. The old token stops verifying immediately.
func (i *Issuer) RotateAgentToken(ctx context.Context, agentID string) (string, error) {
	raw, err := newRawToken()
	if err != nil {
		return "", err
	}
	if err := i.store.RotateAgentToken(ctx, agentID, crypto.HashToken(raw)); err != nil {
		return "", err
	}
	i.audit.Record(ctx, audit.Event{
		AgentID: agentID,
		Kind:    audit.KindTokenMint,
		Subject: "agent_rotate",
		Outcome: "ok",
	})
	return raw, nil
}

// Verify resolves a raw bearer token to an identity. Scoped tokens are
// checked first since they are the hot path during skill runs; their expiry
// is evaluated on every call.
func (i *Issuer) Verify(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrTokenInvalid
	}
	hash := crypto.HashToken(raw)

	st, err := i.store.GetScopedToken(ctx, hash)
	switch {
	case err == nil:
		return &Identity{
			AgentID:      st.AgentID,
			Scoped:       true,
			Capabilities: st.Capabilities,
			SkillRunID:   st.SkillRunID,
			SkillName:    st.SkillName,
		}, nil
	case errors.Is(err, store.ErrScopedTokenExpired):
		i.audit.Record(ctx, audit.Event{
			Kind:    audit.KindTokenVerify,
			Subject: "scoped",
			Outcome: "denied",
			Error:   "expired",
		})
		return nil, ErrTokenInvalid
	case !errors.Is(err, store.ErrScopedTokenNotFound):
		return nil, err
	}

	agent, err := i.store.GetAgentByTokenHash(ctx, hash)
	if errors.Is(err, store.ErrAgentNotFound) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	// Confirm the row's hash in constant time before trusting the lookup.
	if !crypto.ConstantTimeEqual(agent.TokenHash, hash) {
		return nil, ErrTokenInvalid
	}
	grants, err := i.store.GrantSet(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	return &Identity{AgentID: agent.ID, Capabilities: grants}, nil
}

// ScopedRequest describes a scoped token mint.
type ScopedRequest struct {
	AgentID      string
	SkillName    string
	Capabilities capability.Set
	// TTL of zero means DefaultScopedTTL. Anything above MaxScopedTTL is
	// rejected, not clamped, so callers notice the misconfiguration.
	TTL time.Duration
}

// ScopedGrant is the mint result handed to the skill runner.
type ScopedGrant struct {
	Token      string
	SkillRunID string
	ExpiresAt  time.Time
}

// MintScoped issues a scoped token for one skill run. The requested
// capabilities must be a subset of the agent's grants.
func (i *Issuer) MintScoped(ctx context.Context, req ScopedRequest) (*ScopedGrant, error) {
	ttl := req.TTL
	if ttl == 0 {
		ttl = DefaultScopedTTL
	}
	if ttl < 0 || ttl > MaxScopedTTL {
		return nil, ErrTTLTooLong
	}
	if len(req.Capabilities) == 0 {
		return nil, fmt.Errorf("token: scoped mint needs at least one capability")
	}

	grants, err := i.store.GrantSet(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if !req.Capabilities.SubsetOf(grants) {
		i.audit.Record(ctx, audit.Event{
			AgentID: req.AgentID,
			Kind:    audit.KindDeny,
			Subject: "scoped_mint",
			Outcome: "denied",
			Error:   "scope_exceeds_grants",
			Detail:  map[string]any{"requested": req.Capabilities.Strings()},
		})
		return nil, ErrScopeExceedsGrants
	}

	raw, err := newRawToken()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	runID := "run_" + uuid.NewString()

	err = i.store.InsertScopedToken(ctx, store.ScopedToken{
		TokenHash:    crypto.HashToken(raw),
		AgentID:      req.AgentID,
		SkillRunID:   runID,
		SkillName:    req.SkillName,
		Capabilities: req.Capabilities,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	})
	if err != nil {
		return nil, err
	}

	i.audit.Record(ctx, audit.Event{
		AgentID: req.AgentID,
		Kind:    audit.KindTokenMint,
		Subject: "scoped",
		Outcome: "ok",
		Detail: map[string]any{
			"skill":        req.SkillName,
			"skill_run_id": runID,
			"capabilities": req.Capabilities.Strings(),
			"ttl_seconds":  int(ttl.Seconds()),
		},
	})
	return &ScopedGrant{Token: raw, SkillRunID: runID, ExpiresAt: now.Add(ttl)}, nil
}

// PruneLoop deletes expired scoped tokens every interval until ctx is done.
func (i *Issuer) PruneLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := i.store.PruneExpiredScopedTokens(ctx); err != nil {
				// transient; next tick retries
				continue
			}
		}
	}
}
