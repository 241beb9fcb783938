package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/sekisho/common/spec/capability"
)

// Grant ties an agent to one capability, optionally with provider-specific
// scope data (e.g. a channel id restriction).
type Grant struct {
	AgentID    string
	Capability capability.Capability
	ScopeData  string
	CreatedAt  time.Time
}

// AddGrant records a capability grant for the agent. Re-granting an existing
// capability updates its scope data.
func (s *Store) AddGrant(ctx context.Context, agentID string, cap capability.Capability, scopeData string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capability_grants (agent_id, capability, scope_data, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, capability) DO UPDATE SET scope_data = excluded.scope_data
	`, agentID, cap.String(), nullable(scopeData), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add grant: %w", err)
	}
	return nil
}

// RemoveGrant deletes a capability grant. Removing a grant that does not
// exist is not an error.
func (s *Store) RemoveGrant(ctx context.Context, agentID string, cap capability.Capability) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM capability_grants WHERE agent_id = ? AND capability = ?
	`, agentID, cap.String())
	if err != nil {
		return fmt.Errorf("remove grant: %w", err)
	}
	return nil
}

// ListGrants returns the agent's grants.
func (s *Store) ListGrants(ctx context.Context, agentID string) ([]Grant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, capability, COALESCE(scope_data, ''), created_at
		FROM capability_grants WHERE agent_id = ? ORDER BY capability
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var grants []Grant
	for rows.Next() {
		var g Grant
		var capStr string
		if err := rows.Scan(&g.AgentID, &capStr, &g.ScopeData, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		c, err := capability.Parse(capStr)
		if err != nil {
			return nil, fmt.Errorf("stored grant %q: %w", capStr, err)
		}
		g.Capability = c
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// GrantSet returns the agent's grants as a capability set.
func (s *Store) GrantSet(ctx context.Context, agentID string) (capability.Set, error) {
	grants, err := s.ListGrants(ctx, agentID)
	if err != nil {
		return nil, err
	}
	set := make(capability.Set, 0, len(grants))
	for _, g := range grants {
		set = append(set, g.Capability)
	}
	return set, nil
}

// HasGrant reports whether the agent holds the capability.
func (s *Store) HasGrant(ctx context.Context, agentID string, cap capability.Capability) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM capability_grants WHERE agent_id = ? AND capability = ?
	`, agentID, cap.String()).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check grant: %w", err)
	}
	return true, nil
}
