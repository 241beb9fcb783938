package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/sekisho/common/spec/capability"
)

// Sentinel errors for scoped token lookups.
var (
	// ErrScopedTokenNotFound is returned when no scoped token matches.
	ErrScopedTokenNotFound = errors.New("store: scoped token not found")
	// ErrScopedTokenExpired is returned when the token's TTL has elapsed.
	ErrScopedTokenExpired = errors.New("store: scoped token expired")
)

// ScopedToken is a short-lived bearer restricted to a capability subset and a
// single skill run. Stored hashed, like agent tokens.
type ScopedToken struct {
	TokenHash    string
	AgentID      string
	SkillRunID   string
	SkillName    string
	Capabilities capability.Set
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// InsertScopedToken persists a freshly minted scoped token.
func (s *Store) InsertScopedToken(ctx context.Context, st ScopedToken) error {
	capsJSON, err := json.Marshal(st.Capabilities.Strings())
	if err != nil {
		return fmt.Errorf("marshal scoped token capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scoped_tokens
			(token_hash, agent_id, skill_run_id, skill_name, capabilities_json, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, st.TokenHash, st.AgentID, st.SkillRunID, st.SkillName, string(capsJSON),
		st.CreatedAt.UTC().Format(time.RFC3339),
		st.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("insert scoped token: %w", err)
	}
	return nil
}

// GetScopedToken fetches a scoped token by hash and checks expiry. Expiry is
// evaluated here, on every use, not merely at mint.
func (s *Store) GetScopedToken(ctx context.Context, tokenHash string) (*ScopedToken, error) {
	var st ScopedToken
	var capsJSON, createdStr, expiresStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT token_hash, agent_id, skill_run_id, skill_name, capabilities_json, created_at, expires_at
		FROM scoped_tokens WHERE token_hash = ?
	`, tokenHash).Scan(
		&st.TokenHash, &st.AgentID, &st.SkillRunID, &st.SkillName,
		&capsJSON, &createdStr, &expiresStr,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScopedTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query scoped token: %w", err)
	}

	var capStrs []string
	if err := json.Unmarshal([]byte(capsJSON), &capStrs); err != nil {
		return nil, fmt.Errorf("decode scoped token capabilities: %w", err)
	}
	caps, err := capability.ParseSet(capStrs)
	if err != nil {
		return nil, fmt.Errorf("stored scoped token capabilities: %w", err)
	}
	st.Capabilities = caps
	st.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
	st.ExpiresAt, _ = time.Parse(time.RFC3339, expiresStr)

	if time.Now().UTC().After(st.ExpiresAt) {
		return nil, ErrScopedTokenExpired
	}
	return &st, nil
}

// PruneExpiredScopedTokens deletes tokens past their expiry. Intended to be
// called periodically from a background goroutine.
func (s *Store) PruneExpiredScopedTokens(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM scoped_tokens WHERE expires_at < ?
	`, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("prune scoped tokens: %w", err)
	}
	return nil
}
