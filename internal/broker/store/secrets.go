package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/sekisho/common/crypto"
)

// SecretScope distinguishes account-global secrets from agent-scoped ones.
type SecretScope string

const (
	// ScopeAccount marks a secret shared by every agent with a matching grant.
	ScopeAccount SecretScope = "account"
	// ScopeAgent marks a secret private to one agent.
	ScopeAgent SecretScope = "agent"
)

// ErrSecretNotFound is returned when no secret matches the lookup.
var ErrSecretNotFound = errors.New("store: secret not found")

// SecretRef identifies a secret without its value.
type SecretRef struct {
	Provider  string
	Field     string
	Scope     SecretScope
	AgentID   string
	UpdatedAt time.Time
}

// SecretStore wraps Store with the master key for at-rest encryption.
// Values decrypt only on the proxy's upstream path; nothing here returns a
// plaintext to an agent-facing caller.
type SecretStore struct {
	s   *Store
	key []byte
}

// Secrets returns a SecretStore bound to the given master key.
func (s *Store) Secrets(masterKey []byte) *SecretStore {
	return &SecretStore{s: s, key: masterKey}
}

// Put encrypts and upserts a secret value. agentID must be empty for
// ScopeAccount and non-empty for ScopeAgent.
func (ss *SecretStore) Put(ctx context.Context, provider, field, value string, scope SecretScope, agentID string) error {
	if (scope == ScopeAgent) != (agentID != "") {
		return fmt.Errorf("store: scope %q inconsistent with agent id %q", scope, agentID)
	}

	ciphertext, err := crypto.EncryptString(ss.key, value)
	if err != nil {
		return fmt.Errorf("encrypt secret %s.%s: %w", provider, field, err)
	}

	_, err = ss.s.db.ExecContext(ctx, `
		INSERT INTO secrets (provider, field, ciphertext, scope, agent_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, field, scope, COALESCE(agent_id, ''))
		DO UPDATE SET ciphertext = excluded.ciphertext, updated_at = excluded.updated_at
	`, provider, field, ciphertext, string(scope), nullable(agentID), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert secret %s.%s: %w", provider, field, err)
	}
	return nil
}

// Value decrypts the secret for (provider, field) visible to agentID,
// preferring an agent-scoped row over the account-global one.
func (ss *SecretStore) Value(ctx context.Context, provider, field, agentID string) (string, error) {
	var ciphertext []byte
	err := ss.s.db.QueryRowContext(ctx, `
		SELECT ciphertext FROM secrets
		WHERE provider = ? AND field = ?
		  AND (scope = 'account' OR (scope = 'agent' AND agent_id = ?))
		ORDER BY CASE scope WHEN 'agent' THEN 0 ELSE 1 END
		LIMIT 1
	`, provider, field, agentID).Scan(&ciphertext)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query secret %s.%s: %w", provider, field, err)
	}

	value, err := crypto.DecryptString(ss.key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %s.%s: %w", provider, field, err)
	}
	return value, nil
}

// Delete removes a secret row. Deleting a missing secret is not an error.
func (ss *SecretStore) Delete(ctx context.Context, provider, field string, scope SecretScope, agentID string) error {
	_, err := ss.s.db.ExecContext(ctx, `
		DELETE FROM secrets
		WHERE provider = ? AND field = ? AND scope = ? AND COALESCE(agent_id, '') = ?
	`, provider, field, string(scope), agentID)
	if err != nil {
		return fmt.Errorf("delete secret %s.%s: %w", provider, field, err)
	}
	return nil
}

// List returns references to all stored secrets, without values.
func (ss *SecretStore) List(ctx context.Context) ([]SecretRef, error) {
	rows, err := ss.s.db.QueryContext(ctx, `
		SELECT provider, field, scope, COALESCE(agent_id, ''), updated_at
		FROM secrets ORDER BY provider, field
	`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var refs []SecretRef
	for rows.Next() {
		var r SecretRef
		var scope string
		if err := rows.Scan(&r.Provider, &r.Field, &scope, &r.AgentID, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan secret ref: %w", err)
		}
		r.Scope = SecretScope(scope)
		refs = append(refs, r)
	}
	return refs, rows.Err()
}
